//go:build mvsdk && cgo

// Package mvsdk binds the MindVision industrial camera SDK. It is compiled
// only with the mvsdk build tag and needs CameraApi.h and libMVSDK installed.
package mvsdk

/*
#cgo linux LDFLAGS: -lMVSDK
#cgo windows LDFLAGS: -lMVCAMSDK_X64
#include <stdlib.h>
#include "CameraApi.h"
*/
import "C"

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/bryanchriswhite/QRInspector/internal/sdk"
)

// Name is the registry name of this backend
const Name = "mvsdk"

const maxDevices = 16

func init() {
	sdk.Register(Name, func(opts sdk.Options) (sdk.SDK, error) {
		return New(), nil
	})
}

// SDK calls into the vendor library. The driver allocates and owns frame
// memory; the head returned by GetImageBuffer is kept until release so
// ImageProcess sees the full vendor structure.
type SDK struct {
	mu    sync.Mutex
	devs  []C.tSdkCameraDevInfo
	heads map[sdk.RawFrame]C.tSdkFrameHead
	media map[sdk.Handle]sdk.MediaType
}

// New returns the binding. The vendor library initializes itself lazily.
func New() *SDK {
	return &SDK{
		heads: make(map[sdk.RawFrame]C.tSdkFrameHead),
		media: make(map[sdk.Handle]sdk.MediaType),
	}
}

func check(op string, status C.CameraSdkStatus) error {
	if status == C.CAMERA_STATUS_SUCCESS {
		return nil
	}
	return sdk.NewError(op, sdk.Status(status))
}

func cstr(p *C.char) string {
	return C.GoString(p)
}

func (s *SDK) EnumerateDevices() ([]sdk.DeviceInfo, error) {
	list := make([]C.tSdkCameraDevInfo, maxDevices)
	n := C.INT(maxDevices)
	if err := check("CameraEnumerateDevice", C.CameraEnumerateDevice(&list[0], &n)); err != nil {
		if sdk.CodeOf(err) == sdk.StatusNoDevice {
			return nil, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.devs = list[:int(n)]
	s.mu.Unlock()

	devices := make([]sdk.DeviceInfo, 0, int(n))
	for i := 0; i < int(n); i++ {
		d := &list[i]
		devices = append(devices, sdk.DeviceInfo{
			Index:        i,
			ProductName:  cstr(&d.acProductName[0]),
			FriendlyName: cstr(&d.acFriendlyName[0]),
			PortType:     cstr(&d.acPortType[0]),
			SerialNumber: cstr(&d.acSn[0]),
		})
	}
	return devices, nil
}

func (s *SDK) Init(dev sdk.DeviceInfo) (sdk.Handle, error) {
	s.mu.Lock()
	if dev.Index < 0 || dev.Index >= len(s.devs) {
		s.mu.Unlock()
		return 0, sdk.NewError("CameraInit", sdk.StatusNoDevice)
	}
	info := s.devs[dev.Index]
	s.mu.Unlock()

	var h C.CameraHandle
	if err := check("CameraInit", C.CameraInit(&info, -1, -1, &h)); err != nil {
		return 0, err
	}
	logger.WithComponent("mvsdk").Debug().Int("handle", int(h)).Str("device", dev.FriendlyName).Msg("Camera initialized")
	return sdk.Handle(h), nil
}

func (s *SDK) UnInit(h sdk.Handle) error {
	s.mu.Lock()
	delete(s.media, h)
	s.mu.Unlock()
	return check("CameraUnInit", C.CameraUnInit(C.CameraHandle(h)))
}

func (s *SDK) Capability(h sdk.Handle) (sdk.Capability, error) {
	var c C.tSdkCameraCapbility
	if err := check("CameraGetCapability", C.CameraGetCapability(C.CameraHandle(h), &c)); err != nil {
		return sdk.Capability{}, err
	}
	return sdk.Capability{
		IsMono:    c.sIspCapacity.bMonoSensor != 0,
		MaxWidth:  int(c.sResolutionRange.iWidthMax),
		MaxHeight: int(c.sResolutionRange.iHeightMax),
	}, nil
}

func (s *SDK) SetOutputFormat(h sdk.Handle, media sdk.MediaType) error {
	if err := check("CameraSetIspOutFormat", C.CameraSetIspOutFormat(C.CameraHandle(h), C.UINT(media))); err != nil {
		return err
	}
	s.mu.Lock()
	s.media[h] = media
	s.mu.Unlock()
	return nil
}

func (s *SDK) SetTriggerMode(h sdk.Handle, mode sdk.TriggerMode) error {
	return check("CameraSetTriggerMode", C.CameraSetTriggerMode(C.CameraHandle(h), C.int(mode)))
}

func (s *SDK) SetAutoExposure(h sdk.Handle, enabled bool) error {
	var v C.BOOL
	if enabled {
		v = 1
	}
	return check("CameraSetAeState", C.CameraSetAeState(C.CameraHandle(h), v))
}

func (s *SDK) SetExposureTime(h sdk.Handle, us float64) error {
	return check("CameraSetExposureTime", C.CameraSetExposureTime(C.CameraHandle(h), C.double(us)))
}

func (s *SDK) ExposureTime(h sdk.Handle) (float64, error) {
	var us C.double
	if err := check("CameraGetExposureTime", C.CameraGetExposureTime(C.CameraHandle(h), &us)); err != nil {
		return 0, err
	}
	return float64(us), nil
}

func (s *SDK) Play(h sdk.Handle) error {
	return check("CameraPlay", C.CameraPlay(C.CameraHandle(h)))
}

func (s *SDK) Stop(h sdk.Handle) error {
	return check("CameraStop", C.CameraStop(C.CameraHandle(h)))
}

func (s *SDK) GetImageBuffer(h sdk.Handle, timeout time.Duration) (sdk.RawFrame, sdk.FrameHead, error) {
	var head C.tSdkFrameHead
	var buf *C.BYTE
	ms := C.UINT(timeout / time.Millisecond)
	if err := check("CameraGetImageBuffer", C.CameraGetImageBuffer(C.CameraHandle(h), &head, &buf, ms)); err != nil {
		return 0, sdk.FrameHead{}, err
	}

	raw := sdk.RawFrame(uintptr(unsafe.Pointer(buf)))
	s.mu.Lock()
	s.heads[raw] = head
	s.mu.Unlock()
	return raw, fromHead(&head), nil
}

func (s *SDK) ImageProcess(h sdk.Handle, raw sdk.RawFrame, dst []byte, head *sdk.FrameHead) error {
	s.mu.Lock()
	ch, ok := s.heads[raw]
	media, set := s.media[h]
	s.mu.Unlock()
	if !ok {
		return &sdk.Error{Code: sdk.StatusParameterInvalid, Op: "CameraImageProcess", Message: "unknown frame"}
	}
	if !set {
		media = sdk.MediaBGR8
	}

	need := fromHead(&ch).ProcessedSize(media)
	if len(dst) < need {
		return &sdk.Error{Code: sdk.StatusParameterInvalid, Op: "CameraImageProcess",
			Message: fmt.Sprintf("output buffer %d bytes, %s needs %d", len(dst), media, need)}
	}

	in := (*C.BYTE)(unsafe.Pointer(uintptr(raw)))
	out := (*C.BYTE)(unsafe.Pointer(&dst[0]))
	if err := check("CameraImageProcess", C.CameraImageProcess(C.CameraHandle(h), in, out, &ch)); err != nil {
		return err
	}
	*head = fromHead(&ch)
	return nil
}

func (s *SDK) ReleaseImageBuffer(h sdk.Handle, raw sdk.RawFrame) error {
	s.mu.Lock()
	delete(s.heads, raw)
	s.mu.Unlock()
	buf := (*C.BYTE)(unsafe.Pointer(uintptr(raw)))
	return check("CameraReleaseImageBuffer", C.CameraReleaseImageBuffer(C.CameraHandle(h), buf))
}

func (s *SDK) FlipFrameBuffer(buf []byte, head sdk.FrameHead, flags int) error {
	if len(buf) == 0 {
		return nil
	}
	ch := toHead(head)
	return check("CameraFlipFrameBuffer", C.CameraFlipFrameBuffer((*C.BYTE)(unsafe.Pointer(&buf[0])), &ch, C.INT(flags)))
}

// AlignMalloc returns driver-allocated memory viewed as a byte slice. It must
// be released with AlignFree.
func (s *SDK) AlignMalloc(size, align int) ([]byte, error) {
	p := C.CameraAlignMalloc(C.int(size), C.int(align))
	if p == nil {
		return nil, fmt.Errorf("CameraAlignMalloc(%d, %d) failed", size, align)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), size), nil
}

func (s *SDK) AlignFree(buf []byte) {
	if len(buf) == 0 {
		return
	}
	C.CameraAlignFree((*C.BYTE)(unsafe.Pointer(&buf[0])))
}

func fromHead(h *C.tSdkFrameHead) sdk.FrameHead {
	return sdk.FrameHead{
		Width:     int(h.iWidth),
		Height:    int(h.iHeight),
		Bytes:     int(h.uBytes),
		MediaType: sdk.MediaType(h.uiMediaType),
	}
}

func toHead(h sdk.FrameHead) C.tSdkFrameHead {
	var ch C.tSdkFrameHead
	ch.iWidth = C.INT(h.Width)
	ch.iHeight = C.INT(h.Height)
	ch.uBytes = C.UINT(h.Bytes)
	ch.uiMediaType = C.UINT(h.MediaType)
	return ch
}
