package output

import (
	"image"
	"image/color"
	"image/draw"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Label draws one line of text over frames
type Label struct {
	mu        sync.RWMutex
	text      string
	x, y      int
	padding   int
	opacity   float64
	textColor color.RGBA
	bgColor   *color.RGBA // nil for transparent
}

// NewResultLabel creates the decode result label: white on translucent black,
// top left, empty until the first result
func NewResultLabel() *Label {
	bg := color.RGBA{0, 0, 0, 160}
	return &Label{
		x:         10,
		y:         10,
		padding:   5,
		opacity:   1.0,
		textColor: color.RGBA{255, 255, 255, 255},
		bgColor:   &bg,
	}
}

// SetText replaces the label text
func (l *Label) SetText(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.text = text
}

// Text returns the current text
func (l *Label) Text() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.text
}

// SetPosition moves the label's top-left corner
func (l *Label) SetPosition(x, y int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.x, l.y = x, y
}

// SetColors sets text and background colors (bg nil for transparent)
func (l *Label) SetColors(text color.RGBA, bg *color.RGBA) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.textColor = text
	l.bgColor = bg
}

// Render draws the label onto img. An empty label draws nothing.
func (l *Label) Render(img *image.RGBA) {
	l.mu.RLock()
	text, x, y, padding, opacity := l.text, l.x, l.y, l.padding, l.opacity
	textColor, bgColor := l.textColor, l.bgColor
	l.mu.RUnlock()

	if text == "" {
		return
	}

	face := basicfont.Face7x13
	ascent := face.Metrics().Ascent.Ceil()
	height := face.Metrics().Height.Ceil()

	d := &font.Drawer{Face: face}
	width := d.MeasureString(text).Ceil()

	if bgColor != nil {
		bg := image.NewRGBA(image.Rect(0, 0, width+padding*2, height+padding*2))
		draw.Draw(bg, bg.Bounds(), &image.Uniform{C: *bgColor}, image.Point{}, draw.Src)
		BlendImage(img, bg, x, y, opacity)
	}

	textImg := image.NewRGBA(image.Rect(0, 0, width, height))
	td := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(textColor),
		Face: face,
		Dot:  fixed.P(0, ascent),
	}
	td.DrawString(text)
	BlendImage(img, textImg, x+padding, y+padding, opacity)
}

// BlendImage composites src over dst at (x, y), scaling src alpha by opacity.
// Pixels outside dst are clipped.
func BlendImage(dst *image.RGBA, src *image.RGBA, x, y int, opacity float64) {
	sb := src.Bounds()
	db := dst.Bounds()

	for sy := sb.Min.Y; sy < sb.Max.Y; sy++ {
		dy := y + sy - sb.Min.Y
		if dy < db.Min.Y || dy >= db.Max.Y {
			continue
		}
		for sx := sb.Min.X; sx < sb.Max.X; sx++ {
			dx := x + sx - sb.Min.X
			if dx < db.Min.X || dx >= db.Max.X {
				continue
			}

			s := src.RGBAAt(sx, sy)
			a := float64(s.A) / 255 * opacity
			if a <= 0 {
				continue
			}
			d := dst.RGBAAt(dx, dy)
			blend := func(sv, dv uint8) uint8 {
				return uint8(float64(sv)*a + float64(dv)*(1-a) + 0.5)
			}
			// src is premultiplied; undo that before blending channels
			sr, sg, sbl := unpremultiply(s)
			dst.SetRGBA(dx, dy, color.RGBA{
				R: blend(sr, d.R),
				G: blend(sg, d.G),
				B: blend(sbl, d.B),
				A: 0xff,
			})
		}
	}
}

func unpremultiply(c color.RGBA) (r, g, b uint8) {
	if c.A == 0xff || c.A == 0 {
		return c.R, c.G, c.B
	}
	f := 255 / float64(c.A)
	return uint8(float64(c.R)*f + 0.5), uint8(float64(c.G)*f + 0.5), uint8(float64(c.B)*f + 0.5)
}
