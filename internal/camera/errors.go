package camera

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/QRInspector/internal/sdk"
)

var (
	// ErrNoDevice is wrapped in a DeviceOpenError when enumeration finds nothing
	ErrNoDevice = errors.New("no camera found")

	// ErrSessionClosed is returned by session operations after Close
	ErrSessionClosed = errors.New("camera session closed")

	// ErrNotStarted is returned when capture is requested before Start
	ErrNotStarted = errors.New("camera capture not started")

	// ErrDeviceUnresponsive ends the acquisition loop after too many
	// consecutive non-timeout failures
	ErrDeviceUnresponsive = errors.New("camera stopped delivering frames")
)

// DeviceOpenError is fatal to startup: no session exists afterwards
type DeviceOpenError struct {
	Code    sdk.Status
	Message string
	Err     error
}

func (e *DeviceOpenError) Error() string {
	return fmt.Sprintf("failed to initialize camera (%d): %s", int32(e.Code), e.Message)
}

func (e *DeviceOpenError) Unwrap() error {
	return e.Err
}

func newDeviceOpenError(err error) *DeviceOpenError {
	var sdkErr *sdk.Error
	if errors.As(err, &sdkErr) {
		return &DeviceOpenError{Code: sdkErr.Code, Message: sdkErr.Message, Err: err}
	}
	return &DeviceOpenError{Code: sdk.StatusFailed, Message: err.Error(), Err: err}
}
