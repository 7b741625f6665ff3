// Package imaging turns converted camera buffers into display-sized images.
package imaging

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Frame is a height x width x channels pixel array. Channels is 1 (gray) or
// 3 (BGR, as produced by the camera ISP).
type Frame struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// Stride returns the number of bytes per row
func (f *Frame) Stride() int {
	return f.Width * f.Channels
}

// At returns the channel values of the pixel at (x, y)
func (f *Frame) At(x, y int) []byte {
	o := y*f.Stride() + x*f.Channels
	return f.Pix[o : o+f.Channels]
}

// Materialize reinterprets the first width*height*channels bytes of buf as a
// Frame. The result aliases buf; callers that keep it past the next capture
// must copy or Resize it.
func Materialize(buf []byte, width, height, channels, bytes int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	need := width * height * channels
	if bytes != 0 && bytes != need {
		return nil, fmt.Errorf("frame header reports %d bytes, %dx%dx%d needs %d", bytes, width, height, channels, need)
	}
	if need > len(buf) {
		return nil, fmt.Errorf("frame %dx%dx%d exceeds buffer capacity %d", width, height, channels, len(buf))
	}
	return &Frame{Width: width, Height: height, Channels: channels, Pix: buf[:need:need]}, nil
}

// Resize scales f to width x height with bilinear interpolation. The result
// never shares storage with f.
func Resize(f *Frame, width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}

	src := f.ToRGBA()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if f.Width == width && f.Height == height {
		copy(dst.Pix, src.Pix)
	} else {
		draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}
	return FromRGBA(dst, f.Channels), nil
}

// ToRGBA converts the frame to an RGBA image (BGR order is swapped, gray is
// replicated across R, G and B)
func (f *Frame) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		o := i * 4
		if f.Channels == 1 {
			v := f.Pix[i]
			img.Pix[o], img.Pix[o+1], img.Pix[o+2] = v, v, v
		} else {
			p := i * 3
			img.Pix[o], img.Pix[o+1], img.Pix[o+2] = f.Pix[p+2], f.Pix[p+1], f.Pix[p]
		}
		img.Pix[o+3] = 0xff
	}
	return img
}

// FromRGBA builds a Frame with the given channel count from an RGBA image.
// For one channel the red component is used; the images produced by ToRGBA
// carry identical R, G and B for gray frames.
func FromRGBA(img *image.RGBA, channels int) *Frame {
	b := img.Bounds()
	f := &Frame{
		Width:    b.Dx(),
		Height:   b.Dy(),
		Channels: channels,
		Pix:      make([]byte, b.Dx()*b.Dy()*channels),
	}
	for y := 0; y < f.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < f.Width; x++ {
			s := x * 4
			d := (y*f.Width + x) * channels
			if channels == 1 {
				f.Pix[d] = row[s]
			} else {
				f.Pix[d], f.Pix[d+1], f.Pix[d+2] = row[s+2], row[s+1], row[s]
			}
		}
	}
	return f
}

// Image returns a standard library view of the frame: *image.Gray for mono
// frames, *image.RGBA for color frames.
func (f *Frame) Image() image.Image {
	if f.Channels == 1 {
		return &image.Gray{
			Pix:    f.Pix,
			Stride: f.Width,
			Rect:   image.Rect(0, 0, f.Width, f.Height),
		}
	}
	return f.ToRGBA()
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	c := *f
	c.Pix = append([]byte(nil), f.Pix...)
	return &c
}

// Gray returns the luminance of the pixel at (x, y)
func (f *Frame) Gray(x, y int) uint8 {
	p := f.At(x, y)
	if f.Channels == 1 {
		return p[0]
	}
	return color.GrayModel.Convert(color.RGBA{R: p[2], G: p[1], B: p[0], A: 0xff}).(color.Gray).Y
}
