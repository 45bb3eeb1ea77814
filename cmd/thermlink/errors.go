package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/thermlink/internal/bleclient"
	"github.com/srg/thermlink/internal/thermometer"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was
	// streaming, as opposed to never having connected at all.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns internal errors into messages a terminal user can
// act on. Unknown errors pass through unchanged.
func FormatUserError(err error) string {
	var req *thermometer.RequestError
	switch {
	case errors.As(err, &req):
		switch req.Condition {
		case thermometer.NotConnected:
			return "the thermometer is not connected"
		case thermometer.NotAvailable:
			return "the thermometer does not support this operation"
		case thermometer.InvalidArguments:
			return fmt.Sprintf("invalid value: %s", err)
		case thermometer.AlreadyExists:
			return fmt.Sprintf("already registered: %s", err)
		case thermometer.DoesNotExist:
			return fmt.Sprintf("not registered: %s", err)
		}
		return err.Error()

	case errors.Is(err, bleclient.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again"

	case errors.Is(err, bleclient.ErrServiceMissing):
		return "the device does not expose the Health Thermometer service"

	case errors.Is(err, context.DeadlineExceeded):
		return "connection timed out. Is the thermometer in range and advertising?"

	case errors.Is(err, ErrConnectionLost):
		return "connection to the thermometer was lost"

	default:
		return err.Error()
	}
}
