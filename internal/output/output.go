package output

import (
	"fmt"
	"image"
	"sync"

	"github.com/bryanchriswhite/QRInspector/internal/camera"
	"github.com/bryanchriswhite/QRInspector/internal/imaging"
	"github.com/bryanchriswhite/QRInspector/internal/logger"
)

// Output defines the interface for frame output mechanisms.
// Outputs receive display-sized RGBA frames with the overlay already drawn.
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame sends a frame to the output. The output may keep frame.
	WriteFrame(frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	Width       int
	Height      int
	JPEGQuality int
}

// Display is the display consumer of the acquisition loop. It renders each
// frame to RGBA, draws the result label and fans the frame out to outputs.
type Display struct {
	mu      sync.RWMutex
	outputs []Output
	label   *Label
	overlay bool
}

// NewDisplay creates a display; overlay controls whether the result label is drawn
func NewDisplay(overlay bool) *Display {
	return &Display{
		label:   NewResultLabel(),
		overlay: overlay,
	}
}

// AddOutput attaches an output. Outputs that are not running are skipped.
func (d *Display) AddOutput(o Output) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outputs = append(d.outputs, o)
}

// Label returns the result label drawn on every frame
func (d *Display) Label() *Label {
	return d.label
}

// SetOverlay toggles drawing of the result label
func (d *Display) SetOverlay(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overlay = enabled
}

// ConsumeFrame renders f and hands the result to every running output
func (d *Display) ConsumeFrame(f *imaging.Frame) error {
	d.mu.RLock()
	outputs := append([]Output(nil), d.outputs...)
	overlay := d.overlay
	d.mu.RUnlock()

	if len(outputs) == 0 {
		return nil
	}

	img := f.ToRGBA()
	if overlay {
		d.label.Render(img)
	}

	var failed []string
	for _, o := range outputs {
		if !o.IsRunning() {
			continue
		}
		if err := o.WriteFrame(img); err != nil {
			logger.WithComponent("display").Debug().Err(err).Str("output", o.Name()).Msg("Output rejected frame")
			failed = append(failed, o.Name())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("outputs failed: %v", failed)
	}
	return nil
}

// OnResult updates the label with a newly decoded payload
func (d *Display) OnResult(r camera.Result) {
	d.label.SetText(ResultText(r.Payload))
}

// ResultText formats a payload the way the label shows it
func ResultText(payload string) string {
	return "QR Code: " + payload
}
