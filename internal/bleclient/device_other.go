//go:build !darwin

package bleclient

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("no BLE device support on %s", runtime.GOOS)
}
