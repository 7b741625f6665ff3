package camera

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bryanchriswhite/QRInspector/internal/imaging"
	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/bryanchriswhite/QRInspector/internal/sdk"
)

// State is the acquisition loop's position within a cycle
type State int32

const (
	StateIdle State = iota
	StateWaitingFrame
	StateConverting
	StateOrienting
	StateDelivering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingFrame:
		return "waiting_frame"
	case StateConverting:
		return "converting"
	case StateOrienting:
		return "orienting"
	case StateDelivering:
		return "delivering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome describes how a single cycle ended
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeTimeout
	OutcomeFailed
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeFailed:
		return "failed"
	case OutcomeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FrameConsumer receives every display-sized frame. Frames are read-only and
// shared between consumers of the same cycle.
type FrameConsumer interface {
	ConsumeFrame(f *imaging.Frame) error
}

// FrameConsumerFunc adapts a function to FrameConsumer
type FrameConsumerFunc func(f *imaging.Frame) error

func (fn FrameConsumerFunc) ConsumeFrame(f *imaging.Frame) error {
	return fn(f)
}

// Decoder extracts a payload from a frame; "" means nothing was found
type Decoder interface {
	Decode(f *imaging.Frame) (string, error)
}

// DecoderFunc adapts a function to Decoder
type DecoderFunc func(f *imaging.Frame) (string, error)

func (fn DecoderFunc) Decode(f *imaging.Frame) (string, error) {
	return fn(f)
}

// Result is a non-empty decode outcome
type Result struct {
	Payload string    `json:"payload"`
	Frame   uint64    `json:"frame"`
	Time    time.Time `json:"time"`
	// Changed is true when Payload differs from the previous result
	Changed bool `json:"changed"`
}

// ResultListener is notified for every non-empty decode
type ResultListener interface {
	OnResult(r Result)
}

// ResultListenerFunc adapts a function to ResultListener
type ResultListenerFunc func(r Result)

func (fn ResultListenerFunc) OnResult(r Result) {
	fn(r)
}

// LoopConfig controls cycle timing and output size
type LoopConfig struct {
	FrameTimeout  time.Duration
	DisplayWidth  int
	DisplayHeight int
	Flip          bool

	// Interval is the reschedule delay used by RunScheduled
	Interval time.Duration

	// MaxConsecutiveFailures ends the loop with ErrDeviceUnresponsive; 0
	// retries forever
	MaxConsecutiveFailures int
	FailureBackoff         time.Duration
	MaxBackoff             time.Duration
}

// DefaultLoopConfig returns the reference timing: 200 ms frame wait, 640x480
// output, flip decided by platform
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		FrameTimeout:           200 * time.Millisecond,
		DisplayWidth:           640,
		DisplayHeight:          480,
		Flip:                   FlipAuto.ShouldFlip(),
		Interval:               10 * time.Millisecond,
		MaxConsecutiveFailures: 50,
		FailureBackoff:         100 * time.Millisecond,
		MaxBackoff:             2 * time.Second,
	}
}

// Stats are cumulative loop counters
type Stats struct {
	State               string    `json:"state"`
	Attempts            uint64    `json:"attempts"`
	Delivered           uint64    `json:"delivered"`
	Timeouts            uint64    `json:"timeouts"`
	Failures            uint64    `json:"failures"`
	Decoded             uint64    `json:"decoded"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFrame           time.Time `json:"last_frame"`
}

// Loop pulls frames from a session and hands them to consumers. Cycles never
// overlap; a stop request is honoured only between cycles.
type Loop struct {
	session   *Session
	cfg       LoopConfig
	decoder   Decoder
	consumers []FrameConsumer
	listeners []ResultListener

	mu    sync.RWMutex
	state State
	stats Stats
	last  Result
	seq   uint64
}

// NewLoop creates a loop over an already started session. decoder may be nil.
func NewLoop(session *Session, cfg LoopConfig, decoder Decoder) *Loop {
	return &Loop{
		session: session,
		cfg:     cfg,
		decoder: decoder,
		state:   StateIdle,
	}
}

// AddConsumer registers a display consumer. Call before running the loop.
func (l *Loop) AddConsumer(c FrameConsumer) {
	l.consumers = append(l.consumers, c)
}

// AddResultListener registers a decode listener. Call before running the loop.
func (l *Loop) AddResultListener(r ResultListener) {
	l.listeners = append(l.listeners, r)
}

// State returns the current cycle state
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Stats returns a snapshot of the loop counters
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := l.stats
	st.State = l.state.String()
	return st
}

// LastResult returns the sticky decode result. It survives frames that decode
// to nothing and cycles that time out.
func (l *Loop) LastResult() (Result, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last, l.last.Payload != ""
}

// RunCycle performs one acquire, convert, release, orient, materialize and
// deliver pass. Per-frame errors are contained: the only errors returned are
// ErrDeviceUnresponsive and session state errors.
func (l *Loop) RunCycle(ctx context.Context) (Outcome, error) {
	if ctx.Err() != nil {
		l.setState(StateStopped)
		return OutcomeStopped, nil
	}

	frame, outcome := l.capture()
	switch outcome {
	case OutcomeStopped:
		l.setState(StateStopped)
		return outcome, ErrSessionClosed
	case OutcomeFailed:
		l.setState(StateWaitingFrame)
		l.mu.RLock()
		consecutive := l.stats.ConsecutiveFailures
		l.mu.RUnlock()
		if l.cfg.MaxConsecutiveFailures > 0 && consecutive >= l.cfg.MaxConsecutiveFailures {
			l.setState(StateStopped)
			logger.WithComponent("loop").Error().
				Int("consecutive_failures", consecutive).
				Msg("Camera unresponsive, stopping acquisition")
			return outcome, ErrDeviceUnresponsive
		}
		return outcome, nil
	case OutcomeTimeout:
		l.setState(StateWaitingFrame)
		return outcome, nil
	}

	l.setState(StateDelivering)
	l.deliver(frame)
	l.setState(StateWaitingFrame)
	return OutcomeDelivered, nil
}

// capture runs the steps that touch the frame buffer while holding the
// session's cycle lock. The returned frame owns its storage.
func (l *Loop) capture() (*imaging.Frame, Outcome) {
	log := logger.WithComponent("loop")

	buffer, media, err := l.session.beginCycle()
	if err != nil {
		if errors.Is(err, ErrNotStarted) {
			l.recordFailure()
			log.Warn().Err(err).Msg("Capture requested before start")
			return nil, OutcomeFailed
		}
		return nil, OutcomeStopped
	}
	defer l.session.endCycle()

	l.setState(StateWaitingFrame)
	l.mu.Lock()
	l.stats.Attempts++
	l.mu.Unlock()

	s := l.session
	raw, head, err := s.sdk.GetImageBuffer(s.handle, l.cfg.FrameTimeout)
	if err != nil {
		if sdk.IsTimeout(err) {
			l.mu.Lock()
			l.stats.Timeouts++
			l.mu.Unlock()
			log.Debug().Msg("Frame wait timed out")
			return nil, OutcomeTimeout
		}
		l.recordFailure()
		log.Warn().
			Int32("code", int32(sdk.CodeOf(err))).
			Err(err).
			Msg("CameraGetImageBuffer failed")
		return nil, OutcomeFailed
	}

	l.setState(StateConverting)
	convErr := s.sdk.ImageProcess(s.handle, raw, buffer.Bytes(), &head)
	if err := s.sdk.ReleaseImageBuffer(s.handle, raw); err != nil {
		log.Warn().Err(err).Msg("Failed to release raw frame")
	}
	if convErr != nil {
		l.recordFailure()
		log.Warn().
			Int32("code", int32(sdk.CodeOf(convErr))).
			Err(convErr).
			Msg("CameraImageProcess failed")
		return nil, OutcomeFailed
	}

	l.setState(StateOrienting)
	if l.cfg.Flip {
		if err := s.sdk.FlipFrameBuffer(buffer.Bytes(), head, sdk.FlipVertical); err != nil {
			log.Warn().Err(err).Msg("Failed to flip frame buffer")
		}
	}

	view, err := imaging.Materialize(buffer.Bytes(), head.Width, head.Height, media.Channels(), head.Bytes)
	if err != nil {
		l.recordFailure()
		log.Warn().Err(err).Msg("Failed to materialize frame")
		return nil, OutcomeFailed
	}
	frame, err := imaging.Resize(view, l.cfg.DisplayWidth, l.cfg.DisplayHeight)
	if err != nil {
		l.recordFailure()
		log.Warn().Err(err).Msg("Failed to resize frame")
		return nil, OutcomeFailed
	}

	l.mu.Lock()
	l.stats.Delivered++
	l.stats.ConsecutiveFailures = 0
	l.stats.LastFrame = time.Now()
	l.seq++
	l.mu.Unlock()
	return frame, OutcomeDelivered
}

func (l *Loop) recordFailure() {
	l.mu.Lock()
	l.stats.Failures++
	l.stats.ConsecutiveFailures++
	l.mu.Unlock()
}

func (l *Loop) deliver(frame *imaging.Frame) {
	log := logger.WithComponent("loop")

	for _, c := range l.consumers {
		if err := c.ConsumeFrame(frame); err != nil {
			log.Warn().Err(err).Msg("Frame consumer failed")
		}
	}

	if l.decoder == nil {
		return
	}
	payload, err := l.decoder.Decode(frame)
	if err != nil {
		log.Debug().Err(err).Msg("Decode failed")
		return
	}
	if payload == "" {
		return
	}

	l.mu.Lock()
	r := Result{
		Payload: payload,
		Frame:   l.seq,
		Time:    time.Now(),
		Changed: payload != l.last.Payload,
	}
	l.last = r
	l.stats.Decoded++
	l.mu.Unlock()

	if r.Changed {
		logger.WithComponent("loop").Info().Str("payload", payload).Msg("QR code decoded")
	}
	for _, listener := range l.listeners {
		listener.OnResult(r)
	}
}

// backoff returns the pause after a failed cycle
func (l *Loop) backoff() time.Duration {
	l.mu.RLock()
	n := l.stats.ConsecutiveFailures
	l.mu.RUnlock()

	if n <= 0 || l.cfg.FailureBackoff <= 0 {
		return 0
	}
	d := l.cfg.FailureBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if l.cfg.MaxBackoff > 0 && d >= l.cfg.MaxBackoff {
			return l.cfg.MaxBackoff
		}
	}
	return d
}

// Run executes cycles back to back until ctx is cancelled. It returns nil on
// a stop request and ErrDeviceUnresponsive when the retry budget is spent.
func (l *Loop) Run(ctx context.Context) error {
	for {
		outcome, err := l.RunCycle(ctx)
		if err != nil {
			return err
		}
		switch outcome {
		case OutcomeStopped:
			return nil
		case OutcomeFailed:
			if !sleepCtx(ctx, l.backoff()) {
				l.setState(StateStopped)
				return nil
			}
		}
	}
}

// RunScheduled executes one cycle per timer tick, re-arming the timer after
// each cycle with cfg.Interval (plus backoff after a failure). Per-cycle
// behaviour is identical to Run.
func (l *Loop) RunScheduled(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.setState(StateStopped)
			return nil
		case <-timer.C:
		}

		outcome, err := l.RunCycle(ctx)
		if err != nil {
			return err
		}
		if outcome == OutcomeStopped {
			return nil
		}

		next := l.cfg.Interval
		if outcome == OutcomeFailed {
			next += l.backoff()
		}
		timer.Reset(next)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
