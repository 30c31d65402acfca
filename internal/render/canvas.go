package render

import (
	"image"
	"image/color"
	"io"
	"math"
)

// HAlign is the horizontal text anchor.
type HAlign int

const (
	AlignLeft HAlign = iota
	AlignCenter
	AlignRight
)

// VAlign is the vertical text anchor.
type VAlign int

const (
	AlignMiddle VAlign = iota
	AlignTop
	AlignBottom
)

// TextStyle describes one text draw. Size and Halo are in points.
type TextStyle struct {
	Size   float64
	Bold   bool
	Color  color.Color
	HAlign HAlign
	VAlign VAlign
	Halo   float64
}

// Canvas is a drawing surface measured in device pixels with the origin at
// the top left. Raster and vector backends implement it.
type Canvas interface {
	Size() (w, h float64)
	Clear(c color.Color)
	SetColor(c color.Color)
	FillCircle(x, y, r float64)
	FillPolygon(pts [][2]float64)
	FillRect(x, y, w, h float64)
	StrokeRect(x, y, w, h, lineWidth float64)
	Line(x0, y0, x1, y1, lineWidth float64)
	Text(s string, x, y float64, style TextStyle) error
	Image(img image.Image, x, y, w, h, alpha float64)
	Clip(x, y, w, h float64)
	ResetClip()
	Encode(w io.Writer) error
}

// withAlpha scales a color's opacity by a.
func withAlpha(c color.Color, a float64) color.Color {
	if a >= 1 {
		return c
	}
	if a < 0 {
		a = 0
	}
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	n.A = uint8(float64(n.A)*a + 0.5)
	return n
}

// haloOffsets returns the positions at which a text outline of radius r
// pixels is stamped.
func haloOffsets(r float64) [][2]float64 {
	if r <= 0 {
		return nil
	}
	var out [][2]float64
	steps := 16
	for ring := 1; float64(ring) <= r+0.5; ring++ {
		rr := float64(ring)
		if rr > r {
			rr = r
		}
		for i := 0; i < steps; i++ {
			a := 2 * math.Pi * float64(i) / float64(steps)
			out = append(out, [2]float64{rr * math.Cos(a), rr * math.Sin(a)})
		}
	}
	return out
}
