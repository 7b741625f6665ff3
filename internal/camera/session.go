package camera

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/bryanchriswhite/QRInspector/internal/sdk"
)

// DefaultExposureMS is applied by Configure when no exposure is given
const DefaultExposureMS = 30

type deviceKey struct {
	backend sdk.SDK
	index   int
}

var (
	openMu      sync.Mutex
	openDevices = make(map[deviceKey]struct{})
)

// Session owns one opened camera and its frame buffer
type Session struct {
	sdk    sdk.SDK
	handle sdk.Handle
	device sdk.DeviceInfo
	key    deviceKey

	mu         sync.Mutex
	capability sdk.Capability
	capKnown   bool
	media      sdk.MediaType
	configured bool
	started    bool
	closed     bool
	buffer     *FrameBuffer

	// cycleMu serializes capture cycles against Close
	cycleMu   sync.Mutex
	closeOnce sync.Once
}

// Open initializes the camera described by dev. Failure is a DeviceOpenError
// and must not be retried automatically.
func Open(s sdk.SDK, dev sdk.DeviceInfo) (*Session, error) {
	log := logger.WithComponent("session")
	key := deviceKey{backend: s, index: dev.Index}

	openMu.Lock()
	if _, busy := openDevices[key]; busy {
		openMu.Unlock()
		err := sdk.NewError("CameraInit", sdk.StatusAccessDeny)
		log.Error().Err(err).Str("device", dev.FriendlyName).Msg("Camera already has an open session")
		return nil, newDeviceOpenError(err)
	}
	openDevices[key] = struct{}{}
	openMu.Unlock()

	h, err := s.Init(dev)
	if err != nil {
		openMu.Lock()
		delete(openDevices, key)
		openMu.Unlock()

		openErr := newDeviceOpenError(err)
		log.Error().
			Int32("code", int32(openErr.Code)).
			Str("message", openErr.Message).
			Str("device", dev.FriendlyName).
			Msg("Failed to initialize camera")
		return nil, openErr
	}

	log.Info().
		Str("device", dev.FriendlyName).
		Str("port", dev.PortType).
		Int("handle", int(h)).
		Msg("Camera opened")

	return &Session{sdk: s, handle: h, device: dev, key: key}, nil
}

// Device returns the descriptor the session was opened with
func (s *Session) Device() sdk.DeviceInfo {
	return s.device
}

// QueryCapability reads the sensor's static properties
func (s *Session) QueryCapability() (sdk.Capability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return sdk.Capability{}, ErrSessionClosed
	}
	if s.capKnown {
		return s.capability, nil
	}

	c, err := s.sdk.Capability(s.handle)
	if err != nil {
		return sdk.Capability{}, fmt.Errorf("failed to read camera capability: %w", err)
	}
	if c.MaxWidth <= 0 || c.MaxHeight <= 0 {
		return sdk.Capability{}, fmt.Errorf("camera reports invalid resolution %dx%d", c.MaxWidth, c.MaxHeight)
	}
	s.capability = c
	s.capKnown = true
	return c, nil
}

// Capability returns the capability read by QueryCapability
func (s *Session) Capability() sdk.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capability
}

// MediaType returns the configured output format
func (s *Session) MediaType() sdk.MediaType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// Configure fixes the output format, switches to free-run capture, disables
// auto exposure and applies exposureMS (DefaultExposureMS when 0), in that
// order. It also allocates the session's frame buffer.
func (s *Session) Configure(c sdk.Capability, exposureMS int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.configured {
		return fmt.Errorf("camera session already configured")
	}
	if exposureMS == 0 {
		exposureMS = DefaultExposureMS
	}
	if exposureMS < 0 {
		return fmt.Errorf("invalid exposure %d ms", exposureMS)
	}

	media := sdk.MediaBGR8
	if c.IsMono {
		media = sdk.MediaMono8
	}

	if err := s.sdk.SetOutputFormat(s.handle, media); err != nil {
		return fmt.Errorf("failed to set output format %s: %w", media, err)
	}
	if err := s.sdk.SetTriggerMode(s.handle, sdk.TriggerContinuous); err != nil {
		return fmt.Errorf("failed to set continuous trigger mode: %w", err)
	}
	if err := s.sdk.SetAutoExposure(s.handle, false); err != nil {
		return fmt.Errorf("failed to disable auto exposure: %w", err)
	}
	if err := s.sdk.SetExposureTime(s.handle, float64(exposureMS)*1000); err != nil {
		return fmt.Errorf("failed to set exposure time: %w", err)
	}

	buffer, err := AllocateFrameBuffer(s.sdk, BufferSize(c), BufferAlignment)
	if err != nil {
		return err
	}

	s.capability = c
	s.capKnown = true
	s.media = media
	s.buffer = buffer
	s.configured = true

	logger.WithComponent("session").Info().
		Str("format", media.String()).
		Int("max_width", c.MaxWidth).
		Int("max_height", c.MaxHeight).
		Int("exposure_ms", exposureMS).
		Int("buffer_bytes", buffer.Cap()).
		Msg("Camera configured")
	return nil
}

// Start begins continuous acquisition
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !s.configured {
		return fmt.Errorf("camera session must be configured before start")
	}
	if s.started {
		return nil
	}
	if err := s.sdk.Play(s.handle); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	s.started = true
	logger.WithComponent("session").Info().Msg("Capture started")
	return nil
}

// SetExposureTime changes the exposure while capture runs. Range checking is
// left to the caller; the UI offers 1-100 ms.
func (s *Session) SetExposureTime(ms int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !s.configured {
		return ErrNotStarted
	}
	if err := s.sdk.SetExposureTime(s.handle, float64(ms)*1000); err != nil {
		return fmt.Errorf("failed to set exposure time: %w", err)
	}
	logger.WithComponent("session").Debug().Int("exposure_ms", ms).Msg("Exposure updated")
	return nil
}

// ExposureTime reads the exposure currently applied by the device
func (s *Session) ExposureTime() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSessionClosed
	}
	us, err := s.sdk.ExposureTime(s.handle)
	if err != nil {
		return 0, fmt.Errorf("failed to read exposure time: %w", err)
	}
	return time.Duration(us * float64(time.Microsecond)), nil
}

// Stop halts acquisition. It is idempotent and safe before Start.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	if !s.started {
		return
	}
	s.started = false
	if err := s.sdk.Stop(s.handle); err != nil {
		logger.WithComponent("session").Warn().Err(err).Msg("Failed to stop capture")
		return
	}
	logger.WithComponent("session").Info().Msg("Capture stopped")
}

// Close stops capture, releases the device handle and frees the frame
// buffer. Teardown runs exactly once; later calls return immediately. Close
// waits for an in-flight capture cycle to finish.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cycleMu.Lock()
		defer s.cycleMu.Unlock()

		s.mu.Lock()
		defer s.mu.Unlock()

		log := logger.WithComponent("session")
		s.stopLocked()
		if err := s.sdk.UnInit(s.handle); err != nil {
			log.Warn().Err(err).Msg("Failed to release camera handle")
		}
		if s.buffer != nil {
			s.buffer.Free()
		}
		s.closed = true

		openMu.Lock()
		delete(openDevices, s.key)
		openMu.Unlock()

		log.Info().Str("device", s.device.FriendlyName).Msg("Camera session closed")
	})
}

// Closed reports whether Close has run
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// beginCycle takes exclusive use of the frame buffer for one capture cycle.
// On success the caller must call endCycle.
func (s *Session) beginCycle() (*FrameBuffer, sdk.MediaType, error) {
	s.cycleMu.Lock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.cycleMu.Unlock()
		return nil, 0, ErrSessionClosed
	}
	if !s.started {
		s.cycleMu.Unlock()
		return nil, 0, ErrNotStarted
	}
	return s.buffer, s.media, nil
}

func (s *Session) endCycle() {
	s.cycleMu.Unlock()
}

// StartSession runs open, capability query, configure and start. On any
// failure after open the session is closed before returning.
func StartSession(s sdk.SDK, dev sdk.DeviceInfo, exposureMS int) (*Session, error) {
	sess, err := Open(s, dev)
	if err != nil {
		return nil, err
	}

	c, err := sess.QueryCapability()
	if err == nil {
		err = sess.Configure(c, exposureMS)
	}
	if err == nil {
		err = sess.Start()
	}
	if err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}
