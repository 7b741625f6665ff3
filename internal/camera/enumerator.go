package camera

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/bryanchriswhite/QRInspector/internal/sdk"
)

// Enumerator lists attached cameras
type Enumerator struct {
	sdk sdk.SDK
}

// NewEnumerator creates an enumerator over the given backend
func NewEnumerator(s sdk.SDK) *Enumerator {
	return &Enumerator{sdk: s}
}

// ListDevices never fails: an SDK error is logged and reported as no devices
func (e *Enumerator) ListDevices() []sdk.DeviceInfo {
	devices, err := e.sdk.EnumerateDevices()
	if err != nil {
		logger.WithComponent("enumerator").Warn().
			Err(err).
			Msg("Device enumeration failed, treating as no camera")
		return []sdk.DeviceInfo{}
	}
	if devices == nil {
		devices = []sdk.DeviceInfo{}
	}

	logger.WithComponent("enumerator").Debug().
		Int("count", len(devices)).
		Msg("Devices enumerated")
	return devices
}

// SelectDevice picks one descriptor out of devices.
//
// index >= 0 selects directly. Otherwise a single device is chosen
// automatically and with several the user is asked on in/out.
func SelectDevice(devices []sdk.DeviceInfo, index int, in io.Reader, out io.Writer) (sdk.DeviceInfo, error) {
	if len(devices) == 0 {
		return sdk.DeviceInfo{}, &DeviceOpenError{Code: sdk.StatusNoDevice, Message: ErrNoDevice.Error(), Err: ErrNoDevice}
	}

	if index < 0 {
		if len(devices) == 1 {
			return devices[0], nil
		}
		chosen, err := promptDevice(devices, in, out)
		if err != nil {
			return sdk.DeviceInfo{}, &DeviceOpenError{Code: sdk.StatusParameterInvalid, Message: err.Error(), Err: err}
		}
		index = chosen
	}

	if index >= len(devices) {
		err := fmt.Errorf("camera index %d out of range (found %d)", index, len(devices))
		return sdk.DeviceInfo{}, &DeviceOpenError{Code: sdk.StatusParameterInvalid, Message: err.Error(), Err: err}
	}
	return devices[index], nil
}

func promptDevice(devices []sdk.DeviceInfo, in io.Reader, out io.Writer) (int, error) {
	if in == nil || out == nil {
		return 0, fmt.Errorf("%d cameras found and no device selected", len(devices))
	}

	for _, dev := range devices {
		fmt.Fprintln(out, dev.String())
	}
	fmt.Fprint(out, "Select camera: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return 0, fmt.Errorf("failed to read camera selection: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid camera selection %q", strings.TrimSpace(line))
	}
	return n, nil
}
