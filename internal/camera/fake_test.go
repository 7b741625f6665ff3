package camera

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/QRInspector/internal/sdk"
)

// grabStep scripts one GetImageBuffer call
type grabStep struct {
	err        error
	processErr error
	// badBytes makes ImageProcess report a byte count that does not match
	// the frame dimensions
	badBytes bool
}

// fakeSDK records every call and replays a scripted frame sequence. Frames
// have one gray level per row (row y holds byte y) so orientation is visible.
type fakeSDK struct {
	mu sync.Mutex

	devices []sdk.DeviceInfo
	enumErr error
	initErr error
	capErr  error
	cap     sdk.Capability

	// frame size delivered by GetImageBuffer, defaults to cap
	frameW, frameH int

	script []grabStep
	grabs  int

	calls       []string
	media       sdk.MediaType
	autoExp     bool
	exposureUS  float64
	playing     bool
	outstanding map[sdk.RawFrame]bool
	nextRaw     sdk.RawFrame
	released    int
	flips       int
	allocs      int
	frees       int
	uninits     int
}

func newFakeSDK(c sdk.Capability) *fakeSDK {
	return &fakeSDK{
		devices:     []sdk.DeviceInfo{{Index: 0, FriendlyName: "Fake Camera", PortType: "USB3"}},
		cap:         c,
		autoExp:     true,
		outstanding: make(map[sdk.RawFrame]bool),
		nextRaw:     1,
	}
}

func (f *fakeSDK) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeSDK) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSDK) EnumerateDevices() ([]sdk.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("EnumerateDevices")
	return f.devices, f.enumErr
}

func (f *fakeSDK) Init(dev sdk.DeviceInfo) (sdk.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Init")
	if f.initErr != nil {
		return 0, f.initErr
	}
	return sdk.Handle(dev.Index + 1), nil
}

func (f *fakeSDK) UnInit(h sdk.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UnInit")
	f.uninits++
	return nil
}

func (f *fakeSDK) Capability(h sdk.Handle) (sdk.Capability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Capability")
	return f.cap, f.capErr
}

func (f *fakeSDK) SetOutputFormat(h sdk.Handle, media sdk.MediaType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetOutputFormat:" + media.String())
	f.media = media
	return nil
}

func (f *fakeSDK) SetTriggerMode(h sdk.Handle, mode sdk.TriggerMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("SetTriggerMode:%d", mode))
	return nil
}

func (f *fakeSDK) SetAutoExposure(h sdk.Handle, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("SetAutoExposure:%t", enabled))
	f.autoExp = enabled
	return nil
}

func (f *fakeSDK) SetExposureTime(h sdk.Handle, us float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("SetExposureTime:%.0f", us))
	if f.autoExp {
		return sdk.NewError("CameraSetExposureTime", sdk.StatusAccessDeny)
	}
	f.exposureUS = us
	return nil
}

func (f *fakeSDK) ExposureTime(h sdk.Handle) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exposureUS, nil
}

func (f *fakeSDK) Play(h sdk.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Play")
	f.playing = true
	return nil
}

func (f *fakeSDK) Stop(h sdk.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Stop")
	f.playing = false
	return nil
}

func (f *fakeSDK) size() (int, int) {
	if f.frameW > 0 && f.frameH > 0 {
		return f.frameW, f.frameH
	}
	return f.cap.MaxWidth, f.cap.MaxHeight
}

func (f *fakeSDK) step() grabStep {
	if f.grabs-1 < len(f.script) {
		return f.script[f.grabs-1]
	}
	return grabStep{}
}

func (f *fakeSDK) GetImageBuffer(h sdk.Handle, timeout time.Duration) (sdk.RawFrame, sdk.FrameHead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grabs++
	f.record("GetImageBuffer")

	if st := f.step(); st.err != nil {
		return 0, sdk.FrameHead{}, st.err
	}
	w, ht := f.size()
	raw := f.nextRaw
	f.nextRaw++
	f.outstanding[raw] = true
	return raw, sdk.FrameHead{Width: w, Height: ht, Bytes: w * ht, MediaType: sdk.MediaMono8}, nil
}

func (f *fakeSDK) ImageProcess(h sdk.Handle, raw sdk.RawFrame, dst []byte, head *sdk.FrameHead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ImageProcess")

	st := f.step()
	if st.processErr != nil {
		return st.processErr
	}
	if !f.outstanding[raw] {
		return sdk.NewError("CameraImageProcess", sdk.StatusParameterInvalid)
	}

	ch := f.media.Channels()
	w, ht := f.size()
	for y := 0; y < ht; y++ {
		row := dst[y*w*ch : (y+1)*w*ch]
		for i := range row {
			row[i] = byte(y)
		}
	}
	head.Width, head.Height = w, ht
	head.Bytes = w * ht * ch
	head.MediaType = f.media
	if st.badBytes {
		head.Bytes = w*ht*ch + 7
	}
	return nil
}

func (f *fakeSDK) ReleaseImageBuffer(h sdk.Handle, raw sdk.RawFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReleaseImageBuffer")
	if !f.outstanding[raw] {
		return sdk.NewError("CameraReleaseImageBuffer", sdk.StatusParameterInvalid)
	}
	delete(f.outstanding, raw)
	f.released++
	return nil
}

func (f *fakeSDK) FlipFrameBuffer(buf []byte, head sdk.FrameHead, flags int) error {
	f.mu.Lock()
	f.flips++
	f.record("FlipFrameBuffer")
	f.mu.Unlock()

	stride := head.Width * head.MediaType.Channels()
	tmp := make([]byte, stride)
	for top, bottom := 0, head.Height-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := buf[top*stride : (top+1)*stride]
		b := buf[bottom*stride : (bottom+1)*stride]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
	return nil
}

func (f *fakeSDK) AlignMalloc(size, align int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AlignMalloc")
	f.allocs++
	return make([]byte, size), nil
}

func (f *fakeSDK) AlignFree(buf []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AlignFree")
	f.frees++
}

func (f *fakeSDK) counts() (grabs, released, outstanding, allocs, frees int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grabs, f.released, len(f.outstanding), f.allocs, f.frees
}

func timeoutErr() error {
	return sdk.NewError("CameraGetImageBuffer", sdk.StatusTimeout)
}
