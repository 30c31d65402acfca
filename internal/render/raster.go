package render

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"github.com/fogleman/gg"
	xdraw "golang.org/x/image/draw"
	xfont "golang.org/x/image/font"

	"github.com/spatialplot/server/internal/figure"
)

type faceKey struct {
	size float64
	bold bool
}

// rasterCanvas draws with fogleman/gg.
type rasterCanvas struct {
	dc          *gg.Context
	dpi         float64
	format      Format
	jpegQuality int
	faces       map[faceKey]xfont.Face
}

func newRasterCanvas(dc *gg.Context, dpi float64, format Format, jpegQuality int) *rasterCanvas {
	return &rasterCanvas{
		dc:          dc,
		dpi:         dpi,
		format:      format,
		jpegQuality: jpegQuality,
		faces:       make(map[faceKey]xfont.Face),
	}
}

func (c *rasterCanvas) Size() (float64, float64) {
	return float64(c.dc.Width()), float64(c.dc.Height())
}

func (c *rasterCanvas) Clear(col color.Color) {
	c.dc.ResetClip()
	c.dc.SetColor(col)
	c.dc.Clear()
}

func (c *rasterCanvas) SetColor(col color.Color) {
	c.dc.SetColor(col)
}

func (c *rasterCanvas) FillCircle(x, y, r float64) {
	c.dc.DrawCircle(x, y, r)
	c.dc.Fill()
}

func (c *rasterCanvas) FillPolygon(pts [][2]float64) {
	if len(pts) < 3 {
		return
	}
	c.dc.NewSubPath()
	c.dc.MoveTo(pts[0][0], pts[0][1])
	for _, p := range pts[1:] {
		c.dc.LineTo(p[0], p[1])
	}
	c.dc.ClosePath()
	c.dc.Fill()
}

func (c *rasterCanvas) FillRect(x, y, w, h float64) {
	c.dc.DrawRectangle(x, y, w, h)
	c.dc.Fill()
}

func (c *rasterCanvas) StrokeRect(x, y, w, h, lineWidth float64) {
	c.dc.SetLineWidth(lineWidth)
	c.dc.DrawRectangle(x, y, w, h)
	c.dc.Stroke()
}

func (c *rasterCanvas) Line(x0, y0, x1, y1, lineWidth float64) {
	c.dc.SetLineWidth(lineWidth)
	c.dc.DrawLine(x0, y0, x1, y1)
	c.dc.Stroke()
}

func (c *rasterCanvas) face(size float64, bold bool) (xfont.Face, error) {
	key := faceKey{size: size, bold: bold}
	if f, ok := c.faces[key]; ok {
		return f, nil
	}
	ff, err := figure.Face(size, bold)
	if err != nil {
		return nil, fmt.Errorf("failed to load font: %w", err)
	}
	f := ff.FontFace(c.dpi)
	c.faces[key] = f
	return f, nil
}

func (c *rasterCanvas) Text(s string, x, y float64, style TextStyle) error {
	if s == "" {
		return nil
	}
	f, err := c.face(style.Size, style.Bold)
	if err != nil {
		return err
	}
	c.dc.SetFontFace(f)

	ax := 0.0
	switch style.HAlign {
	case AlignCenter:
		ax = 0.5
	case AlignRight:
		ax = 1
	}
	ay := 0.35
	switch style.VAlign {
	case AlignTop:
		ay = 1
	case AlignBottom:
		ay = 0
	}

	for _, off := range haloOffsets(style.Halo * c.dpi / 72) {
		c.dc.SetColor(color.White)
		c.dc.DrawStringAnchored(s, x+off[0], y+off[1], ax, ay)
	}
	col := style.Color
	if col == nil {
		col = color.Black
	}
	c.dc.SetColor(col)
	c.dc.DrawStringAnchored(s, x, y, ax, ay)
	return nil
}

// Image resamples img into the destination rectangle with Catmull-Rom and
// composites it at the given opacity.
func (c *rasterCanvas) Image(img image.Image, x, y, w, h, alpha float64) {
	dr := image.Rect(int(math.Round(x)), int(math.Round(y)), int(math.Round(x+w)), int(math.Round(y+h)))
	if dr.Empty() || alpha <= 0 {
		return
	}
	dst, ok := c.dc.Image().(*image.RGBA)
	if !ok {
		return
	}

	scaled := image.NewRGBA(image.Rect(0, 0, dr.Dx(), dr.Dy()))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	var mask image.Image
	if alpha < 1 {
		mask = image.NewUniform(color.Alpha{A: uint8(alpha*255 + 0.5)})
	}
	xdraw.DrawMask(dst, dr, scaled, image.Point{}, mask, image.Point{}, xdraw.Over)
}

func (c *rasterCanvas) Clip(x, y, w, h float64) {
	c.dc.ResetClip()
	c.dc.DrawRectangle(x, y, w, h)
	c.dc.Clip()
}

func (c *rasterCanvas) ResetClip() {
	c.dc.ResetClip()
}

func (c *rasterCanvas) Encode(w io.Writer) error {
	switch c.format {
	case FormatJPEG:
		return jpeg.Encode(w, c.dc.Image(), &jpeg.Options{Quality: c.jpegQuality})
	default:
		encoder := png.Encoder{CompressionLevel: png.BestSpeed}
		return encoder.Encode(w, c.dc.Image())
	}
}
