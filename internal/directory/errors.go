package directory

import "errors"

// Use errors.Is to check for these in calling code.
var (
	// ErrDeviceNotFound is returned when a device id does not exist.
	ErrDeviceNotFound = errors.New("directory: device not found")

	// ErrDeviceExists is returned when a client id is already registered.
	ErrDeviceExists = errors.New("directory: client id already registered")

	// ErrInvalidDevice is returned when a name or client id is missing.
	ErrInvalidDevice = errors.New("directory: invalid device")
)
