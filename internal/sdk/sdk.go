// Package sdk describes the boundary between the acquisition core and an
// industrial camera vendor SDK.
//
// The core only ever talks to the SDK interface. Backends (the simulated
// camera in sdk/sim, the cgo binding in sdk/mvsdk) register themselves by
// name and are selected from configuration.
package sdk

import (
	"fmt"
	"time"
)

// Handle identifies one opened camera inside a backend
type Handle int

// RawFrame is an opaque reference to driver-owned frame memory. It is only
// valid between GetImageBuffer and ReleaseImageBuffer.
type RawFrame uintptr

// DeviceInfo describes one discoverable camera
type DeviceInfo struct {
	Index        int    `json:"index"`
	ProductName  string `json:"product_name"`
	FriendlyName string `json:"friendly_name"`
	PortType     string `json:"port_type"`
	SerialNumber string `json:"serial_number"`
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%d: %s %s", d.Index, d.FriendlyName, d.PortType)
}

// Capability holds the static sensor properties read after Init
type Capability struct {
	IsMono    bool `json:"is_mono"`
	MaxWidth  int  `json:"max_width"`
	MaxHeight int  `json:"max_height"`
}

// MediaType is the ISP output pixel format
type MediaType uint32

const (
	MediaMono8 MediaType = 0x01080001
	MediaBGR8  MediaType = 0x02180015
)

// Channels returns the number of bytes per pixel for the format
func (m MediaType) Channels() int {
	if m == MediaMono8 {
		return 1
	}
	return 3
}

func (m MediaType) String() string {
	switch m {
	case MediaMono8:
		return "mono8"
	case MediaBGR8:
		return "bgr8"
	default:
		return fmt.Sprintf("media(0x%08x)", uint32(m))
	}
}

// TriggerMode selects how the sensor starts an exposure
type TriggerMode int

const (
	TriggerContinuous TriggerMode = 0
	TriggerSoftware   TriggerMode = 1
	TriggerHardware   TriggerMode = 2
)

// FrameHead is the metadata the driver returns alongside a raw frame
type FrameHead struct {
	Width     int
	Height    int
	Bytes     int
	MediaType MediaType
}

// ProcessedSize is the number of bytes ImageProcess writes for a frame of
// this size in the given output format
func (h FrameHead) ProcessedSize(media MediaType) int {
	return h.Width * h.Height * media.Channels()
}

// FlipVertical is the flag value for FlipFrameBuffer
const FlipVertical = 1

// SDK is the vendor camera API as seen by the acquisition core
type SDK interface {
	// EnumerateDevices lists attached cameras. An empty list is not an error.
	EnumerateDevices() ([]DeviceInfo, error)

	Init(dev DeviceInfo) (Handle, error)
	UnInit(h Handle) error

	Capability(h Handle) (Capability, error)
	SetOutputFormat(h Handle, media MediaType) error
	SetTriggerMode(h Handle, mode TriggerMode) error
	SetAutoExposure(h Handle, enabled bool) error

	// SetExposureTime and ExposureTime work in microseconds
	SetExposureTime(h Handle, us float64) error
	ExposureTime(h Handle) (float64, error)

	Play(h Handle) error
	Stop(h Handle) error

	// GetImageBuffer waits at most timeout for the next frame. A timeout is
	// reported as an *Error with StatusTimeout.
	GetImageBuffer(h Handle, timeout time.Duration) (RawFrame, FrameHead, error)

	// ImageProcess converts raw into dst using the configured output format.
	// head is updated to describe the converted image.
	ImageProcess(h Handle, raw RawFrame, dst []byte, head *FrameHead) error
	ReleaseImageBuffer(h Handle, raw RawFrame) error

	FlipFrameBuffer(buf []byte, head FrameHead, flags int) error

	AlignMalloc(size, align int) ([]byte, error)
	AlignFree(buf []byte)
}
