package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/QRInspector/internal/imaging"
	"github.com/bryanchriswhite/QRInspector/internal/sdk"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []*imaging.Frame
}

func (r *frameRecorder) ConsumeFrame(f *imaging.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func testLoopConfig() LoopConfig {
	return LoopConfig{
		FrameTimeout:           200 * time.Millisecond,
		DisplayWidth:           32,
		DisplayHeight:          24,
		Interval:               time.Millisecond,
		MaxConsecutiveFailures: 50,
		FailureBackoff:         time.Millisecond,
		MaxBackoff:             4 * time.Millisecond,
	}
}

func startLoop(t *testing.T, fake *fakeSDK, cfg LoopConfig, dec Decoder) (*Loop, *Session) {
	t.Helper()
	sess, err := StartSession(fake, fake.devices[0], 0)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	t.Cleanup(sess.Close)
	return NewLoop(sess, cfg, dec), sess
}

func TestLoopTimeoutThenRecover(t *testing.T) {
	fake := newFakeSDK(colorCap())
	fake.script = []grabStep{{}, {err: timeoutErr()}, {}}

	loop, _ := startLoop(t, fake, testLoopConfig(), nil)
	rec := &frameRecorder{}
	loop.AddConsumer(rec)

	want := []Outcome{OutcomeDelivered, OutcomeTimeout, OutcomeDelivered}
	for i, w := range want {
		got, err := loop.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
		if got != w {
			t.Errorf("cycle %d outcome = %s, want %s", i+1, got, w)
		}
	}

	if rec.count() != 2 {
		t.Errorf("delivered %d frames, want 2", rec.count())
	}
	st := loop.Stats()
	if st.Attempts != 3 || st.Delivered != 2 || st.Timeouts != 1 || st.Failures != 0 {
		t.Errorf("stats = %+v", st)
	}
	grabs, released, outstanding, allocs, _ := fake.counts()
	if grabs != 3 || released != 2 || outstanding != 0 {
		t.Errorf("grabs = %d, released = %d, outstanding = %d", grabs, released, outstanding)
	}
	if allocs != 1 {
		t.Errorf("allocs = %d, want 1", allocs)
	}
}

func TestLoopTimeoutTouchesNothing(t *testing.T) {
	fake := newFakeSDK(colorCap())
	fake.script = []grabStep{{err: timeoutErr()}, {err: timeoutErr()}, {err: timeoutErr()}}

	loop, _ := startLoop(t, fake, testLoopConfig(), nil)
	before := len(fake.callLog())
	for i := 0; i < 3; i++ {
		if out, err := loop.RunCycle(context.Background()); err != nil || out != OutcomeTimeout {
			t.Fatalf("cycle %d = %s, %v", i+1, out, err)
		}
	}

	for _, call := range fake.callLog()[before:] {
		if call != "GetImageBuffer" {
			t.Errorf("unexpected SDK call %q after timeout", call)
		}
	}
	if _, ok := loop.LastResult(); ok {
		t.Error("timeouts must not produce a result")
	}
}

func TestLoopReleasesOnFailure(t *testing.T) {
	tests := []struct {
		name string
		step grabStep
	}{
		{"process error", grabStep{processErr: sdk.NewError("CameraImageProcess", sdk.StatusFailed)}},
		{"materialize error", grabStep{badBytes: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeSDK(colorCap())
			fake.script = []grabStep{tt.step, {}}

			loop, _ := startLoop(t, fake, testLoopConfig(), nil)
			rec := &frameRecorder{}
			loop.AddConsumer(rec)

			out, err := loop.RunCycle(context.Background())
			if err != nil || out != OutcomeFailed {
				t.Fatalf("first cycle = %s, %v; want failed", out, err)
			}
			if _, released, outstanding, _, _ := fake.counts(); released != 1 || outstanding != 0 {
				t.Errorf("released = %d, outstanding = %d after failure", released, outstanding)
			}
			if rec.count() != 0 {
				t.Error("failed frame must not be delivered")
			}

			out, err = loop.RunCycle(context.Background())
			if err != nil || out != OutcomeDelivered {
				t.Fatalf("second cycle = %s, %v; want delivered", out, err)
			}
			if st := loop.Stats(); st.ConsecutiveFailures != 0 {
				t.Errorf("consecutive failures = %d after success", st.ConsecutiveFailures)
			}
		})
	}
}

func TestLoopStickyResult(t *testing.T) {
	fake := newFakeSDK(colorCap())
	fake.script = []grabStep{{}, {}, {err: timeoutErr()}, {}, {}}

	payloads := []string{"", "ABC123", "", "ABC123"}
	var i int
	dec := DecoderFunc(func(f *imaging.Frame) (string, error) {
		p := payloads[i]
		i++
		return p, nil
	})

	loop, _ := startLoop(t, fake, testLoopConfig(), dec)
	var got []Result
	loop.AddResultListener(ResultListenerFunc(func(r Result) {
		got = append(got, r)
	}))

	ctx := context.Background()
	loop.RunCycle(ctx)
	if _, ok := loop.LastResult(); ok {
		t.Fatal("no result expected before first decode")
	}

	for n := 0; n < 4; n++ {
		loop.RunCycle(ctx)
		r, ok := loop.LastResult()
		if !ok || r.Payload != "ABC123" {
			t.Fatalf("after cycle %d result = %+v, %v", n+2, r, ok)
		}
	}

	if len(got) != 2 {
		t.Fatalf("listener called %d times, want 2", len(got))
	}
	if !got[0].Changed || got[1].Changed {
		t.Errorf("changed flags = %v, %v; want true, false", got[0].Changed, got[1].Changed)
	}
	if st := loop.Stats(); st.Decoded != 2 {
		t.Errorf("decoded = %d, want 2", st.Decoded)
	}
}

func TestLoopDeliversDisplaySize(t *testing.T) {
	tests := []struct {
		name     string
		cap      sdk.Capability
		channels int
	}{
		{"mono", monoCap(), 1},
		{"color", colorCap(), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeSDK(tt.cap)
			// deliver a frame smaller than the sensor maximum
			fake.frameW, fake.frameH = 40, 30

			loop, _ := startLoop(t, fake, testLoopConfig(), nil)
			rec := &frameRecorder{}
			loop.AddConsumer(rec)

			if out, err := loop.RunCycle(context.Background()); err != nil || out != OutcomeDelivered {
				t.Fatalf("cycle = %s, %v", out, err)
			}
			f := rec.frames[0]
			if f.Width != 32 || f.Height != 24 || f.Channels != tt.channels {
				t.Errorf("frame = %dx%dx%d, want 32x24x%d", f.Width, f.Height, f.Channels, tt.channels)
			}
			if len(f.Pix) != 32*24*tt.channels {
				t.Errorf("pixel length = %d", len(f.Pix))
			}
		})
	}
}

func TestLoopFlip(t *testing.T) {
	run := func(flip bool) *imaging.Frame {
		fake := newFakeSDK(sdk.Capability{IsMono: true, MaxWidth: 4, MaxHeight: 4})
		cfg := testLoopConfig()
		cfg.DisplayWidth, cfg.DisplayHeight = 4, 4
		cfg.Flip = flip

		loop, _ := startLoop(t, fake, cfg, nil)
		rec := &frameRecorder{}
		loop.AddConsumer(rec)
		if out, err := loop.RunCycle(context.Background()); err != nil || out != OutcomeDelivered {
			t.Fatalf("cycle = %s, %v", out, err)
		}
		return rec.frames[0]
	}

	plain := run(false)
	flipped := run(true)

	if plain.Gray(0, 0) != 0 || plain.Gray(0, 3) != 3 {
		t.Errorf("unflipped rows = %d..%d, want 0..3", plain.Gray(0, 0), plain.Gray(0, 3))
	}
	if flipped.Gray(0, 0) != 3 || flipped.Gray(0, 3) != 0 {
		t.Errorf("flipped rows = %d..%d, want 3..0", flipped.Gray(0, 0), flipped.Gray(0, 3))
	}
}

func TestLoopDeliveredFrameOutlivesBuffer(t *testing.T) {
	fake := newFakeSDK(sdk.Capability{IsMono: true, MaxWidth: 4, MaxHeight: 4})
	cfg := testLoopConfig()
	cfg.DisplayWidth, cfg.DisplayHeight = 4, 4

	loop, sess := startLoop(t, fake, cfg, nil)
	rec := &frameRecorder{}
	loop.AddConsumer(rec)
	loop.RunCycle(context.Background())

	buf := sess.buffer.Bytes()
	for i := range buf {
		buf[i] = 0xaa
	}
	if rec.frames[0].Gray(0, 3) != 3 {
		t.Error("delivered frame shares storage with the frame buffer")
	}
}

func TestLoopGivesUpAfterConsecutiveFailures(t *testing.T) {
	fake := newFakeSDK(colorCap())
	fail := grabStep{err: sdk.NewError("CameraGetImageBuffer", sdk.StatusFailed)}
	fake.script = []grabStep{fail, {err: timeoutErr()}, fail, fail, fail}

	cfg := testLoopConfig()
	cfg.MaxConsecutiveFailures = 3

	loop, _ := startLoop(t, fake, cfg, nil)
	err := loop.Run(context.Background())
	if !errors.Is(err, ErrDeviceUnresponsive) {
		t.Fatalf("Run = %v, want ErrDeviceUnresponsive", err)
	}

	st := loop.Stats()
	if st.Failures != 3 || st.Timeouts != 1 {
		t.Errorf("failures = %d, timeouts = %d", st.Failures, st.Timeouts)
	}
	if loop.State() != StateStopped {
		t.Errorf("state = %s, want stopped", loop.State())
	}
}

func TestLoopBackoff(t *testing.T) {
	loop := NewLoop(nil, LoopConfig{FailureBackoff: 100 * time.Millisecond, MaxBackoff: 350 * time.Millisecond}, nil)

	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for n, w := range want {
		loop.stats.ConsecutiveFailures = n
		if got := loop.backoff(); got != w {
			t.Errorf("backoff after %d failures = %v, want %v", n, got, w)
		}
	}
}

func TestRunScheduledStopsOnCancel(t *testing.T) {
	fake := newFakeSDK(colorCap())
	loop, _ := startLoop(t, fake, testLoopConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delivered int
	loop.AddConsumer(FrameConsumerFunc(func(f *imaging.Frame) error {
		delivered++
		if delivered == 3 {
			cancel()
		}
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- loop.RunScheduled(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunScheduled = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunScheduled did not stop")
	}

	if delivered != 3 {
		t.Errorf("delivered = %d, want 3", delivered)
	}
	if loop.State() != StateStopped {
		t.Errorf("state = %s, want stopped", loop.State())
	}
}

func TestRunCycleAfterClose(t *testing.T) {
	fake := newFakeSDK(colorCap())
	loop, sess := startLoop(t, fake, testLoopConfig(), nil)
	sess.Close()

	out, err := loop.RunCycle(context.Background())
	if !errors.Is(err, ErrSessionClosed) || out != OutcomeStopped {
		t.Errorf("RunCycle after close = %s, %v", out, err)
	}
	if _, _, _, allocs, frees := fake.counts(); allocs != 1 || frees != 1 {
		t.Errorf("allocs = %d, frees = %d", allocs, frees)
	}
}
