package render

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/vgpdf"
	"gonum.org/v1/plot/vg/vgsvg"

	"github.com/spatialplot/server/internal/figure"
)

// vectorCanvas draws SVG or PDF through gonum's vg backends. Device pixels
// are mapped to points at the figure's DPI and the y axis is flipped.
type vectorCanvas struct {
	c        vg.CanvasWriterTo
	dpi      float64
	wpx, hpx float64
	clip     *[4]float64
}

func newVectorCanvas(format Format, wpx, hpx int, dpi float64) (*vectorCanvas, error) {
	w := vg.Points(float64(wpx) * 72 / dpi)
	h := vg.Points(float64(hpx) * 72 / dpi)

	var c vg.CanvasWriterTo
	switch format {
	case FormatSVG:
		c = vgsvg.New(w, h)
	case FormatPDF:
		c = vgpdf.New(w, h)
	default:
		return nil, fmt.Errorf("format %s is not a vector format", format)
	}
	return &vectorCanvas{c: c, dpi: dpi, wpx: float64(wpx), hpx: float64(hpx)}, nil
}

func (v *vectorCanvas) length(px float64) vg.Length {
	return vg.Points(px * 72 / v.dpi)
}

func (v *vectorCanvas) point(x, y float64) vg.Point {
	return vg.Point{X: v.length(x), Y: v.length(v.hpx - y)}
}

func (v *vectorCanvas) inside(x, y float64) bool {
	if v.clip == nil {
		return true
	}
	c := v.clip
	return x >= c[0] && x <= c[0]+c[2] && y >= c[1] && y <= c[1]+c[3]
}

func (v *vectorCanvas) Size() (float64, float64) {
	return v.wpx, v.hpx
}

func (v *vectorCanvas) Clear(col color.Color) {
	v.clip = nil
	v.SetColor(col)
	v.FillRect(0, 0, v.wpx, v.hpx)
}

func (v *vectorCanvas) SetColor(col color.Color) {
	v.c.SetColor(col)
}

func (v *vectorCanvas) FillCircle(x, y, r float64) {
	if !v.inside(x, y) {
		return
	}
	var p vg.Path
	center := v.point(x, y)
	rad := v.length(r)
	p.Move(vg.Point{X: center.X + rad, Y: center.Y})
	p.Arc(center, rad, 0, 2*math.Pi)
	p.Close()
	v.c.Fill(p)
}

func (v *vectorCanvas) FillPolygon(pts [][2]float64) {
	if len(pts) < 3 {
		return
	}
	cx, cy := 0.0, 0.0
	for _, pt := range pts {
		cx += pt[0]
		cy += pt[1]
	}
	if !v.inside(cx/float64(len(pts)), cy/float64(len(pts))) {
		return
	}
	var p vg.Path
	p.Move(v.point(pts[0][0], pts[0][1]))
	for _, pt := range pts[1:] {
		p.Line(v.point(pt[0], pt[1]))
	}
	p.Close()
	v.c.Fill(p)
}

func (v *vectorCanvas) rectPath(x, y, w, h float64) vg.Path {
	var p vg.Path
	p.Move(v.point(x, y))
	p.Line(v.point(x+w, y))
	p.Line(v.point(x+w, y+h))
	p.Line(v.point(x, y+h))
	p.Close()
	return p
}

func (v *vectorCanvas) FillRect(x, y, w, h float64) {
	v.c.Fill(v.rectPath(x, y, w, h))
}

func (v *vectorCanvas) StrokeRect(x, y, w, h, lineWidth float64) {
	v.c.SetLineWidth(v.length(lineWidth))
	v.c.Stroke(v.rectPath(x, y, w, h))
}

func (v *vectorCanvas) Line(x0, y0, x1, y1, lineWidth float64) {
	if !v.inside(x0, y0) && !v.inside(x1, y1) {
		return
	}
	v.c.SetLineWidth(v.length(lineWidth))
	var p vg.Path
	p.Move(v.point(x0, y0))
	p.Line(v.point(x1, y1))
	v.c.Stroke(p)
}

func (v *vectorCanvas) Text(s string, x, y float64, style TextStyle) error {
	if s == "" {
		return nil
	}
	face, err := figure.Face(style.Size, style.Bold)
	if err != nil {
		return fmt.Errorf("failed to load font: %w", err)
	}

	width := face.Width(s).Points() * v.dpi / 72
	ext := face.Extents()
	ascent := ext.Ascent.Points() * v.dpi / 72
	descent := ext.Descent.Points() * v.dpi / 72

	switch style.HAlign {
	case AlignCenter:
		x -= width / 2
	case AlignRight:
		x -= width
	}
	baseline := y + (ascent-descent)/2
	switch style.VAlign {
	case AlignTop:
		baseline = y + ascent
	case AlignBottom:
		baseline = y - descent
	}

	if style.Halo > 0 {
		v.c.SetColor(color.White)
		for _, off := range haloOffsets(style.Halo * v.dpi / 72) {
			v.c.FillString(face, v.point(x+off[0], baseline+off[1]), s)
		}
	}
	col := style.Color
	if col == nil {
		col = color.Black
	}
	v.c.SetColor(col)
	v.c.FillString(face, v.point(x, baseline), s)
	return nil
}

func (v *vectorCanvas) Image(img image.Image, x, y, w, h, alpha float64) {
	if alpha <= 0 || w <= 0 || h <= 0 {
		return
	}
	if alpha < 1 {
		img = fadeImage(img, alpha)
	}
	rect := vg.Rectangle{Min: v.point(x, y+h), Max: v.point(x+w, y)}
	v.c.DrawImage(rect, img)
}

// fadeImage copies img with every pixel's opacity scaled by alpha.
func fadeImage(img image.Image, alpha float64) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = uint8(float64(c.A)*alpha + 0.5)
			out.SetNRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}
	return out
}

func (v *vectorCanvas) Clip(x, y, w, h float64) {
	v.clip = &[4]float64{x, y, w, h}
}

func (v *vectorCanvas) ResetClip() {
	v.clip = nil
}

func (v *vectorCanvas) Encode(w io.Writer) error {
	_, err := v.c.WriteTo(w)
	return err
}
