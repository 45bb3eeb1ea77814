package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/thermlink/internal/bleclient"
	"github.com/srg/thermlink/internal/thermometer"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch <device-address>",
	Short: "Stream temperature measurements from a thermometer",
	Long: `Connects to a Health Thermometer peripheral and prints temperature
measurements as the device reports them.

Final measurements are shown by default. Intermediate readings, sent while
the sensor is still stabilizing, can be enabled with --intermediate.

Examples:
  # Stream final measurements
  thermlink watch AA:BB:CC:DD:EE:FF

  # Include intermediate readings
  thermlink watch AA:BB:CC:DD:EE:FF --intermediate

  # Change the measurement interval to 60 seconds after connecting
  thermlink watch AA:BB:CC:DD:EE:FF --set-interval 60

  # Load settings from a config file
  thermlink watch AA:BB:CC:DD:EE:FF --config thermlink.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchConfigPath   string
	watchIntermediate bool
	watchInterval     uint16
	watchTimeout      time.Duration
	watchVerbose      bool
)

func init() {
	watchCmd.Flags().StringVar(&watchConfigPath, "config", "", "YAML config file")
	watchCmd.Flags().BoolVar(&watchIntermediate, "intermediate", false, "Also stream intermediate readings")
	watchCmd.Flags().Uint16Var(&watchInterval, "set-interval", 0, "Write a new measurement interval in seconds after connecting")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 30*time.Second, "Connection timeout")
	watchCmd.Flags().BoolVar(&watchVerbose, "verbose", false, "Enable debug logging")
}

func runWatch(cmd *cobra.Command, args []string) error {
	address := args[0]

	cfg, err := loadWatchConfig(watchConfigPath)
	if err != nil {
		return err
	}
	// Flags take precedence over the config file.
	if cmd.Flags().Changed("intermediate") {
		cfg.Intermediate = watchIntermediate
	}
	if cmd.Flags().Changed("set-interval") {
		cfg.Interval = watchInterval
	}
	if cmd.Flags().Changed("timeout") {
		cfg.ConnectTimeout = watchTimeout
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

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

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
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

	adapter := thermometer.NewAdapter(ctx, cfg.Adapter, newConsoleEmitter(cmd.ErrOrStderr()), logger)
	registry := thermometer.NewRegistry(logger)
	if err := registry.Add(adapter); err != nil {
		return err
	}
	defer registry.Close()

	dev, err := adapter.RegisterDevice(address, client.ServiceRange())
	if err != nil {
		return err
	}
	dev.Connected(client)

	id := thermometer.WatcherID{Service: "thermlink", Path: "/watch/console"}
	if err := adapter.RegisterWatcher(id, newConsoleWatcher(cmd.OutOrStdout())); err != nil {
		return err
	}
	if cfg.Intermediate {
		if err := adapter.EnableIntermediate(id); err != nil {
			return err
		}
	}
	if cfg.Interval > 0 {
		if err := applyInterval(ctx, dev, cfg.Interval); err != nil {
			return err
		}
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "Watching measurements. Press Ctrl+C to stop...")

	select {
	case <-ctx.Done():
		// User cancelled
		return nil
	case <-client.Disconnected():
		dev.Disconnected()
		return ErrConnectionLost
	}
}

// applyInterval writes the measurement interval, retrying while attribute
// discovery is still running on a fresh connection.
func applyInterval(ctx context.Context, dev *thermometer.Thermometer, value uint16) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(10 * time.Second)

	for {
		err := dev.SetInterval(value)
		if err == nil || !errors.Is(err, thermometer.ErrNotAvailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return err
		case <-ticker.C:
		}
	}
}
