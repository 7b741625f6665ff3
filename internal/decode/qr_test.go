package decode

import (
	"testing"

	"github.com/bryanchriswhite/QRInspector/internal/imaging"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// qrFrame renders payload as a size x size frame with the given channel count
func qrFrame(t *testing.T, payload string, size, channels int) *imaging.Frame {
	t.Helper()
	matrix, err := qrcode.NewQRCodeWriter().Encode(payload, gozxing.BarcodeFormat_QR_CODE, size, size, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	f := &imaging.Frame{
		Width:    matrix.GetWidth(),
		Height:   matrix.GetHeight(),
		Channels: channels,
		Pix:      make([]byte, matrix.GetWidth()*matrix.GetHeight()*channels),
	}
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			v := byte(0xff)
			if matrix.Get(x, y) {
				v = 0
			}
			for _, i := range []int{0, 1, 2}[:channels] {
				f.Pix[(y*f.Width+x)*channels+i] = v
			}
		}
	}
	return f
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		channels int
	}{
		{"mono", "ABC123", 1},
		{"color", "https://example.com/part/42", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewQRDecoder(true)
			got, err := d.Decode(qrFrame(t, tt.payload, 240, tt.channels))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.payload {
				t.Errorf("Decode = %q, want %q", got, tt.payload)
			}
		})
	}
}

func TestDecodeBlankFrame(t *testing.T) {
	f := &imaging.Frame{Width: 64, Height: 48, Channels: 1, Pix: make([]byte, 64*48)}
	for i := range f.Pix {
		f.Pix[i] = 0xff
	}

	got, err := NewQRDecoder(false).Decode(f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != "" {
		t.Errorf("Decode = %q, want empty", got)
	}
}

func TestDecodeSurvivesResize(t *testing.T) {
	src := qrFrame(t, "RESIZED", 400, 3)
	small, err := imaging.Resize(src, 200, 188)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}

	got, err := NewQRDecoder(true).Decode(small)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != "RESIZED" {
		t.Errorf("Decode = %q, want RESIZED", got)
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	if _, err := NewQRDecoder(false).Decode(&imaging.Frame{}); err == nil {
		t.Error("expected error for empty frame")
	}
}
