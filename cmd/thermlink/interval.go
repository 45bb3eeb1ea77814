package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/thermlink/internal/bleclient"
	"github.com/srg/thermlink/internal/thermometer"
)

// intervalCmd represents the interval command
var intervalCmd = &cobra.Command{
	Use:   "interval <device-address> <seconds>",
	Short: "Set a thermometer's measurement interval",
	Long: `Connects to a Health Thermometer peripheral, writes a new measurement
interval and disconnects. The value must fall within the valid range the
device advertises.

Examples:
  # Measure every 60 seconds
  thermlink interval AA:BB:CC:DD:EE:FF 60`,
	Args: cobra.ExactArgs(2),
	RunE: runInterval,
}

var (
	intervalTimeout time.Duration
	intervalVerbose bool
)

func init() {
	intervalCmd.Flags().DurationVar(&intervalTimeout, "timeout", 30*time.Second, "Connection timeout")
	intervalCmd.Flags().BoolVar(&intervalVerbose, "verbose", false, "Enable debug logging")
}

func runInterval(cmd *cobra.Command, args []string) error {
	address := args[0]
	seconds, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid interval %q: expected seconds between 1 and 65535", args[1])
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	progress := NewProgressPrinter(fmt.Sprintf("Connecting to %s", address))
	progress.Start()

	dialCtx, dialCancel := context.WithTimeout(ctx, intervalTimeout)
	defer dialCancel()
	client, err := bleclient.Dial(dialCtx, address, logger)
	progress.Stop()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.WithError(closeErr).Debug("Close failed")
		}
	}()

	adapter := thermometer.NewAdapter(ctx, "hci0", nil, logger)
	defer adapter.Close()

	dev, err := adapter.RegisterDevice(address, client.ServiceRange())
	if err != nil {
		return err
	}
	dev.Connected(client)

	if err := applyInterval(ctx, dev, uint16(seconds)); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Measurement interval set to %ds\n", seconds)
	return nil
}
