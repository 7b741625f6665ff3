// Package sim is a pure-Go camera backend that renders a QR code test
// pattern. It follows the vendor SDK call contract closely enough to drive the
// acquisition core without hardware attached.
package sim

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/bryanchriswhite/QRInspector/internal/sdk"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// Name is the registry name of this backend
const Name = "sim"

func init() {
	sdk.Register(Name, func(opts sdk.Options) (sdk.SDK, error) {
		return New(ConfigFromOptions(opts))
	})
}

// Config controls the simulated sensor
type Config struct {
	Devices      int
	Width        int // sensor maximum
	Height       int
	FrameWidth   int // delivered frame size, defaults to the maximum
	FrameHeight  int
	Mono         bool
	Payload      string
	FPS          int  // 0 delivers frames as fast as they are requested
	TimeoutEvery int  // every Nth GetImageBuffer times out, 0 disables
	BottomUp     bool // deliver rows bottom-up like the Windows driver
}

// DefaultConfig returns a single color camera showing a test payload
func DefaultConfig() Config {
	return Config{
		Devices:  1,
		Width:    1280,
		Height:   1024,
		Payload:  "QRINSPECTOR-TEST",
		FPS:      30,
		BottomUp: runtime.GOOS == "windows",
	}
}

// ConfigFromOptions reads a Config from registry options
func ConfigFromOptions(opts sdk.Options) Config {
	def := DefaultConfig()
	return Config{
		Devices:      opts.Int("devices", def.Devices),
		Width:        opts.Int("width", def.Width),
		Height:       opts.Int("height", def.Height),
		FrameWidth:   opts.Int("frame_width", 0),
		FrameHeight:  opts.Int("frame_height", 0),
		Mono:         opts.Bool("mono", def.Mono),
		Payload:      opts.String("payload", def.Payload),
		FPS:          opts.Int("fps", def.FPS),
		TimeoutEvery: opts.Int("timeout_every", 0),
		BottomUp:     opts.Bool("bottom_up", def.BottomUp),
	}
}

type camera struct {
	dev      sdk.DeviceInfo
	media    sdk.MediaType
	trigger  sdk.TriggerMode
	autoExp  bool
	exposure float64
	playing  bool
	requests int
	lastGrab time.Time
}

type rawFrame struct {
	handle sdk.Handle
	data   []byte // single plane, row-major in sensor order
	head   sdk.FrameHead
}

// SDK is the simulated backend
type SDK struct {
	cfg Config

	mu          sync.Mutex
	cameras     map[sdk.Handle]*camera
	nextHandle  sdk.Handle
	frames      map[sdk.RawFrame]*rawFrame
	nextFrame   sdk.RawFrame
	allocations map[uintptr]int
	pattern     []byte
}

// New builds a simulated backend, rendering the test pattern up front
func New(cfg Config) (*SDK, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid simulated sensor size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FrameWidth <= 0 || cfg.FrameWidth > cfg.Width {
		cfg.FrameWidth = cfg.Width
	}
	if cfg.FrameHeight <= 0 || cfg.FrameHeight > cfg.Height {
		cfg.FrameHeight = cfg.Height
	}

	pattern, err := renderPattern(cfg.Payload, cfg.FrameWidth, cfg.FrameHeight)
	if err != nil {
		return nil, err
	}

	return &SDK{
		cfg:         cfg,
		cameras:     make(map[sdk.Handle]*camera),
		nextHandle:  1,
		frames:      make(map[sdk.RawFrame]*rawFrame),
		nextFrame:   1,
		allocations: make(map[uintptr]int),
		pattern:     pattern,
	}, nil
}

// renderPattern draws a mono test frame: a gradient marker band along the top
// rows and the payload as a QR symbol centred on a white field.
func renderPattern(payload string, width, height int) ([]byte, error) {
	pix := make([]byte, width*height)
	for i := range pix {
		pix[i] = 0xff
	}

	band := height / 16
	for y := 0; y < band; y++ {
		v := byte(y * 255 / band)
		row := pix[y*width : (y+1)*width]
		for x := range row {
			row[x] = v
		}
	}

	if payload == "" {
		return pix, nil
	}

	side := width
	if height-band < side {
		side = height - band
	}
	side = side * 3 / 4
	if side < 21 {
		return nil, fmt.Errorf("simulated frame %dx%d too small for a QR code", width, height)
	}

	matrix, err := qrcode.NewQRCodeWriter().Encode(payload, gozxing.BarcodeFormat_QR_CODE, side, side, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR pattern: %w", err)
	}

	ox := (width - matrix.GetWidth()) / 2
	oy := band + (height-band-matrix.GetHeight())/2
	for y := 0; y < matrix.GetHeight(); y++ {
		for x := 0; x < matrix.GetWidth(); x++ {
			if matrix.Get(x, y) {
				pix[(oy+y)*width+ox+x] = 0
			}
		}
	}
	return pix, nil
}

// EnumerateDevices lists the configured number of virtual cameras
func (s *SDK) EnumerateDevices() ([]sdk.DeviceInfo, error) {
	devices := make([]sdk.DeviceInfo, 0, s.cfg.Devices)
	for i := 0; i < s.cfg.Devices; i++ {
		devices = append(devices, s.deviceInfo(i))
	}
	return devices, nil
}

func (s *SDK) deviceInfo(i int) sdk.DeviceInfo {
	product := "SIM-C1280"
	if s.cfg.Mono {
		product = "SIM-M1280"
	}
	return sdk.DeviceInfo{
		Index:        i,
		ProductName:  product,
		FriendlyName: fmt.Sprintf("Simulated Camera %d", i),
		PortType:     "SIM",
		SerialNumber: fmt.Sprintf("SIM%06d", i),
	}
}

// Init opens a virtual camera. Opening a device twice is refused.
func (s *SDK) Init(dev sdk.DeviceInfo) (sdk.Handle, error) {
	if dev.Index < 0 || dev.Index >= s.cfg.Devices {
		return 0, &sdk.Error{Code: sdk.StatusNoDevice, Op: "CameraInit", Message: fmt.Sprintf("no simulated device at index %d", dev.Index)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cam := range s.cameras {
		if cam.dev.Index == dev.Index {
			return 0, &sdk.Error{Code: sdk.StatusAccessDeny, Op: "CameraInit", Message: "device already opened"}
		}
	}

	h := s.nextHandle
	s.nextHandle++
	s.cameras[h] = &camera{
		dev:      s.deviceInfo(dev.Index),
		media:    sdk.MediaBGR8,
		autoExp:  true,
		exposure: 10000,
	}

	logger.WithComponent("sim").Debug().
		Int("handle", int(h)).
		Str("device", dev.FriendlyName).
		Msg("Simulated camera opened")
	return h, nil
}

func (s *SDK) camera(op string, h sdk.Handle) (*camera, error) {
	cam, ok := s.cameras[h]
	if !ok {
		return nil, &sdk.Error{Code: sdk.StatusParameterInvalid, Op: op, Message: "invalid camera handle"}
	}
	return cam, nil
}

// UnInit closes the camera and drops any frames still held for it
func (s *SDK) UnInit(h sdk.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.camera("CameraUnInit", h); err != nil {
		return err
	}
	delete(s.cameras, h)
	for id, f := range s.frames {
		if f.handle == h {
			delete(s.frames, id)
		}
	}
	return nil
}

// Capability reports the simulated sensor
func (s *SDK) Capability(h sdk.Handle) (sdk.Capability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.camera("CameraGetCapability", h); err != nil {
		return sdk.Capability{}, err
	}
	return sdk.Capability{IsMono: s.cfg.Mono, MaxWidth: s.cfg.Width, MaxHeight: s.cfg.Height}, nil
}

// SetOutputFormat selects the ISP output. A mono sensor cannot produce BGR.
func (s *SDK) SetOutputFormat(h sdk.Handle, media sdk.MediaType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam, err := s.camera("CameraSetIspOutFormat", h)
	if err != nil {
		return err
	}
	switch media {
	case sdk.MediaMono8, sdk.MediaBGR8:
	default:
		return sdk.NewError("CameraSetIspOutFormat", sdk.StatusNotSupported)
	}
	cam.media = media
	return nil
}

func (s *SDK) SetTriggerMode(h sdk.Handle, mode sdk.TriggerMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam, err := s.camera("CameraSetTriggerMode", h)
	if err != nil {
		return err
	}
	if mode < sdk.TriggerContinuous || mode > sdk.TriggerHardware {
		return sdk.NewError("CameraSetTriggerMode", sdk.StatusParameterInvalid)
	}
	cam.trigger = mode
	return nil
}

func (s *SDK) SetAutoExposure(h sdk.Handle, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam, err := s.camera("CameraSetAeState", h)
	if err != nil {
		return err
	}
	cam.autoExp = enabled
	return nil
}

// SetExposureTime is rejected while auto exposure owns the value
func (s *SDK) SetExposureTime(h sdk.Handle, us float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam, err := s.camera("CameraSetExposureTime", h)
	if err != nil {
		return err
	}
	if cam.autoExp {
		return &sdk.Error{Code: sdk.StatusAccessDeny, Op: "CameraSetExposureTime", Message: "auto exposure enabled"}
	}
	if us <= 0 {
		return sdk.NewError("CameraSetExposureTime", sdk.StatusParameterInvalid)
	}
	cam.exposure = us
	return nil
}

func (s *SDK) ExposureTime(h sdk.Handle) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam, err := s.camera("CameraGetExposureTime", h)
	if err != nil {
		return 0, err
	}
	return cam.exposure, nil
}

func (s *SDK) Play(h sdk.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam, err := s.camera("CameraPlay", h)
	if err != nil {
		return err
	}
	cam.playing = true
	return nil
}

func (s *SDK) Stop(h sdk.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam, err := s.camera("CameraStop", h)
	if err != nil {
		return err
	}
	cam.playing = false
	return nil
}

// GetImageBuffer hands out the next frame, pacing to the configured FPS
func (s *SDK) GetImageBuffer(h sdk.Handle, timeout time.Duration) (sdk.RawFrame, sdk.FrameHead, error) {
	s.mu.Lock()
	cam, err := s.camera("CameraGetImageBuffer", h)
	if err != nil {
		s.mu.Unlock()
		return 0, sdk.FrameHead{}, err
	}
	if !cam.playing {
		s.mu.Unlock()
		return 0, sdk.FrameHead{}, sdk.NewError("CameraGetImageBuffer", sdk.StatusTimeout)
	}
	cam.requests++
	if s.cfg.TimeoutEvery > 0 && cam.requests%s.cfg.TimeoutEvery == 0 {
		s.mu.Unlock()
		return 0, sdk.FrameHead{}, sdk.NewError("CameraGetImageBuffer", sdk.StatusTimeout)
	}

	var wait time.Duration
	if s.cfg.FPS > 0 {
		period := time.Second / time.Duration(s.cfg.FPS)
		if next := cam.lastGrab.Add(period); time.Now().Before(next) {
			wait = time.Until(next)
		}
	}
	s.mu.Unlock()

	if wait > timeout {
		time.Sleep(timeout)
		return 0, sdk.FrameHead{}, sdk.NewError("CameraGetImageBuffer", sdk.StatusTimeout)
	}
	if wait > 0 {
		time.Sleep(wait)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// the camera may have been closed while we slept
	if _, err := s.camera("CameraGetImageBuffer", h); err != nil {
		return 0, sdk.FrameHead{}, err
	}
	cam.lastGrab = time.Now()

	w, ht := s.cfg.FrameWidth, s.cfg.FrameHeight
	data := make([]byte, len(s.pattern))
	if s.cfg.BottomUp {
		for y := 0; y < ht; y++ {
			copy(data[y*w:(y+1)*w], s.pattern[(ht-1-y)*w:(ht-y)*w])
		}
	} else {
		copy(data, s.pattern)
	}

	id := s.nextFrame
	s.nextFrame++
	f := &rawFrame{
		handle: h,
		data:   data,
		head:   sdk.FrameHead{Width: w, Height: ht, Bytes: len(data), MediaType: sdk.MediaMono8},
	}
	s.frames[id] = f
	return id, f.head, nil
}

// ImageProcess converts the raw plane into dst in the camera's output format
func (s *SDK) ImageProcess(h sdk.Handle, raw sdk.RawFrame, dst []byte, head *sdk.FrameHead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam, err := s.camera("CameraImageProcess", h)
	if err != nil {
		return err
	}
	f, ok := s.frames[raw]
	if !ok || f.handle != h {
		return &sdk.Error{Code: sdk.StatusParameterInvalid, Op: "CameraImageProcess", Message: "unknown raw frame"}
	}

	channels := cam.media.Channels()
	need := f.head.ProcessedSize(cam.media)
	if len(dst) < need {
		return &sdk.Error{Code: sdk.StatusParameterInvalid, Op: "CameraImageProcess", Message: fmt.Sprintf("output buffer too small: %d < %d", len(dst), need)}
	}

	if channels == 1 {
		copy(dst, f.data)
	} else {
		for i, v := range f.data {
			o := i * 3
			dst[o], dst[o+1], dst[o+2] = v, v, v
		}
	}

	*head = f.head
	head.Bytes = need
	head.MediaType = cam.media
	return nil
}

// ReleaseImageBuffer returns a raw frame to the pool
func (s *SDK) ReleaseImageBuffer(h sdk.Handle, raw sdk.RawFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.frames[raw]
	if !ok || f.handle != h {
		return &sdk.Error{Code: sdk.StatusParameterInvalid, Op: "CameraReleaseImageBuffer", Message: "unknown raw frame"}
	}
	delete(s.frames, raw)
	return nil
}

// Outstanding returns the number of raw frames not yet released
func (s *SDK) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// FlipFrameBuffer mirrors the image rows described by head in place
func (s *SDK) FlipFrameBuffer(buf []byte, head sdk.FrameHead, flags int) error {
	if flags&sdk.FlipVertical == 0 {
		return nil
	}
	return FlipRows(buf, head.Width*head.MediaType.Channels(), head.Height)
}

// FlipRows reverses the order of height rows of stride bytes in buf
func FlipRows(buf []byte, stride, height int) error {
	if stride <= 0 || height < 0 || stride*height > len(buf) {
		return sdk.NewError("CameraFlipFrameBuffer", sdk.StatusParameterInvalid)
	}
	tmp := make([]byte, stride)
	for top, bottom := 0, height-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := buf[top*stride : (top+1)*stride]
		b := buf[bottom*stride : (bottom+1)*stride]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
	return nil
}

// AlignMalloc returns a size-byte slice whose first element is align-aligned
func (s *SDK) AlignMalloc(size, align int) ([]byte, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return nil, sdk.NewError("CameraAlignMalloc", sdk.StatusParameterInvalid)
	}

	block := make([]byte, size+align)
	addr := uintptr(unsafe.Pointer(&block[0]))
	off := int((uintptr(align) - addr%uintptr(align)) % uintptr(align))
	buf := block[off : off+size : off+size]

	s.mu.Lock()
	s.allocations[uintptr(unsafe.Pointer(&buf[0]))] = size
	s.mu.Unlock()
	return buf, nil
}

// AlignFree forgets an allocation. Freeing unknown memory is logged and ignored.
func (s *SDK) AlignFree(buf []byte) {
	if len(buf) == 0 {
		return
	}
	key := uintptr(unsafe.Pointer(&buf[0]))

	s.mu.Lock()
	_, ok := s.allocations[key]
	delete(s.allocations, key)
	s.mu.Unlock()

	if !ok {
		logger.WithComponent("sim").Warn().Msg("AlignFree called on unknown buffer")
	}
}

// LiveAllocations returns the number of AlignMalloc buffers not yet freed
func (s *SDK) LiveAllocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.allocations)
}
