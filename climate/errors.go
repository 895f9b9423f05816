package climate

import "errors"

var (
	// ErrDeviceUnreachable is returned when a command cannot reach the
	// device. HomeKit shows the accessory as not responding.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrUnsupported marks a request the device configuration cannot
	// serve. It is logged and never returned to controllers.
	ErrUnsupported = errors.New("unsupported capability")
)
