package output

import (
	"bufio"
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/QRInspector/internal/camera"
	"github.com/bryanchriswhite/QRInspector/internal/imaging"
)

func grayFrame(w, h int, v byte) *imaging.Frame {
	f := &imaging.Frame{Width: w, Height: h, Channels: 1, Pix: make([]byte, w*h)}
	for i := range f.Pix {
		f.Pix[i] = v
	}
	return f
}

type captureOutput struct {
	frames []*image.RGBA
}

func (c *captureOutput) Start() error    { return nil }
func (c *captureOutput) Stop() error     { return nil }
func (c *captureOutput) Name() string    { return "capture" }
func (c *captureOutput) IsRunning() bool { return true }
func (c *captureOutput) WriteFrame(frame *image.RGBA) error {
	c.frames = append(c.frames, frame)
	return nil
}

func TestDisplayDrawsLabelAfterResult(t *testing.T) {
	d := NewDisplay(true)
	out := &captureOutput{}
	d.AddOutput(out)

	if err := d.ConsumeFrame(grayFrame(200, 60, 0x80)); err != nil {
		t.Fatalf("ConsumeFrame: %v", err)
	}
	if !uniform(out.frames[0], color.RGBA{0x80, 0x80, 0x80, 0xff}) {
		t.Error("frame without a result should be untouched")
	}

	d.OnResult(camera.Result{Payload: "ABC123"})
	if got := d.Label().Text(); got != "QR Code: ABC123" {
		t.Errorf("label = %q", got)
	}

	if err := d.ConsumeFrame(grayFrame(200, 60, 0x80)); err != nil {
		t.Fatalf("ConsumeFrame: %v", err)
	}
	if uniform(out.frames[1], color.RGBA{0x80, 0x80, 0x80, 0xff}) {
		t.Error("label was not drawn")
	}

	d.SetOverlay(false)
	d.ConsumeFrame(grayFrame(200, 60, 0x80))
	if !uniform(out.frames[2], color.RGBA{0x80, 0x80, 0x80, 0xff}) {
		t.Error("overlay disabled but frame changed")
	}
}

func uniform(img *image.RGBA, c color.RGBA) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.RGBAAt(x, y) != c {
				return false
			}
		}
	}
	return true
}

func TestBlendImageClips(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 4, 4))
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}

	BlendImage(dst, src, 2, 2, 1.0)

	if dst.RGBAAt(3, 3) != (color.RGBA{0xff, 0xff, 0xff, 0xff}) {
		t.Errorf("overlapping pixel = %v", dst.RGBAAt(3, 3))
	}
	if dst.RGBAAt(1, 1) != (color.RGBA{}) {
		t.Errorf("pixel outside overlap = %v", dst.RGBAAt(1, 1))
	}
}

func TestMJPEGSnapshotAndStats(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 32, Height: 24})
	if err := m.WriteFrame(image.NewRGBA(image.Rect(0, 0, 32, 24))); err == nil {
		t.Error("WriteFrame before Start should fail")
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	rec := httptest.NewRecorder()
	m.GetSnapshotHandler()(rec, httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("snapshot before first frame = %d", rec.Code)
	}

	d := NewDisplay(true)
	d.AddOutput(m)
	d.ConsumeFrame(grayFrame(32, 24, 0x40))

	rec = httptest.NewRecorder()
	m.GetSnapshotHandler()(rec, httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot = %d", rec.Code)
	}
	img, err := jpeg.Decode(rec.Body)
	if err != nil {
		t.Fatalf("snapshot is not a JPEG: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 24 {
		t.Errorf("snapshot size = %v", img.Bounds())
	}

	st := m.Stats()
	if !st.Running || st.Frames != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestMJPEGStream(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 16, Height: 16})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := httptest.NewServer(m.GetHTTPHandler())
	defer srv.Close()
	defer m.Stop()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("content type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := m.WriteFrame(image.NewRGBA(image.Rect(0, 0, 16, 16))); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read boundary: %v", err)
	}
	if line != "--frame\r\n" {
		t.Errorf("boundary = %q", line)
	}
	header, _ := r.ReadString('\n')
	if !bytes.HasPrefix([]byte(header), []byte("Content-Type: image/jpeg")) {
		t.Errorf("part header = %q", header)
	}
}
