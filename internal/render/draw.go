package render

import (
	"image"
	"image/color"
	"math"

	"github.com/spatialplot/server/internal/figure"
)

const (
	titlePad     = 6.0 // points between axes and title
	tickLength   = 3.5
	tickPad      = 3.5
	scalebarPad  = 6.0
	scalebarLine = 2.0
)

func drawFigure(c Canvas, fig *figure.Figure) error {
	c.Clear(background(fig))
	w, h := c.Size()
	for _, p := range fig.Panels {
		if err := drawPanel(c, fig, p, int(math.Round(w)), int(math.Round(h))); err != nil {
			return err
		}
	}
	return nil
}

func drawPanel(c Canvas, fig *figure.Figure, p *figure.Panel, w, h int) error {
	px := fig.PointsToPixels
	t := p.NewTransform(w, h)
	if t.View.Empty() {
		t.View = p.DataBounds().Pad(0.05)
	}
	if t.View.Empty() {
		t.View = figure.View{X0: 0, X1: 1, Y0: 0, Y1: 1}
	}

	c.Clip(t.X0, t.Y0, t.W, t.H)
	if p.Image != nil {
		drawImageLayer(c, t, p.Image)
	}
	for _, o := range p.Overlays {
		drawImageLayer(c, t, o)
	}
	if p.Edges != nil {
		drawEdges(c, t, p.Edges, px(p.Edges.Width))
	}
	for _, s := range p.Scatters {
		drawScatter(c, fig, t, s)
	}
	c.ResetClip()

	if p.Frameon {
		c.SetColor(color.Black)
		c.StrokeRect(t.X0, t.Y0, t.W, t.H, px(figure.FrameLineWidth))
	}

	if p.Title != "" {
		err := c.Text(p.Title, t.X0+t.W/2, t.Y0-px(titlePad), TextStyle{
			Size:   figure.TitleFontSize,
			HAlign: AlignCenter,
			VAlign: AlignBottom,
		})
		if err != nil {
			return err
		}
	}

	if p.Legend != nil {
		if err := drawLegend(c, fig, t, p.Legend); err != nil {
			return err
		}
	}
	if p.Colorbar != nil {
		if err := drawColorbar(c, fig, p.Colorbar, w, h); err != nil {
			return err
		}
	}
	if p.Scalebar != nil {
		if err := drawScalebar(c, fig, t, p.Scalebar); err != nil {
			return err
		}
	}
	return nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// drawImageLayer draws the part of the layer visible in the view.
func drawImageLayer(c Canvas, t figure.Transform, l *figure.ImageLayer) {
	if l.Image == nil || l.Extent.Empty() {
		return
	}
	b := l.Image.Bounds()
	e := l.Extent
	sx := float64(b.Dx()) / (e.X1 - e.X0)
	sy := float64(b.Dy()) / (e.Y1 - e.Y0)

	// Visible region in image pixels.
	v := t.View
	x0 := int(math.Floor((math.Max(v.X0, e.X0) - e.X0) * sx))
	x1 := int(math.Ceil((math.Min(v.X1, e.X1) - e.X0) * sx))
	y0 := int(math.Floor((math.Max(v.Y0, e.Y0) - e.Y0) * sy))
	y1 := int(math.Ceil((math.Min(v.Y1, e.Y1) - e.Y0) * sy))
	src := image.Rect(b.Min.X+x0, b.Min.Y+y0, b.Min.X+x1, b.Min.Y+y1).Intersect(b)
	if src.Empty() {
		return
	}

	img := l.Image
	if si, ok := img.(subImager); ok && src != b {
		img = si.SubImage(src)
	} else {
		src = b
	}

	// Map the source rectangle back to data and then to pixels so that
	// rounding to whole image pixels keeps the layer aligned with markers.
	dx0, dy0 := t.Apply(e.X0+float64(src.Min.X-b.Min.X)/sx, e.Y0+float64(src.Min.Y-b.Min.Y)/sy)
	dx1, dy1 := t.Apply(e.X0+float64(src.Max.X-b.Min.X)/sx, e.Y0+float64(src.Max.Y-b.Min.Y)/sy)
	alpha := l.Alpha
	if alpha == 0 {
		alpha = 1
	}
	c.Image(img, dx0, dy0, dx1-dx0, dy1-dy0, alpha)
}

func drawEdges(c Canvas, t figure.Transform, e *figure.EdgeLayer, width float64) {
	col := e.Color
	if col == nil {
		col = color.Gray{Y: 128}
	}
	c.SetColor(col)
	for _, s := range e.Segments {
		x0, y0 := t.Apply(s[0], s[1])
		x1, y1 := t.Apply(s[2], s[3])
		c.Line(x0, y0, x1, y1, width)
	}
}

func drawScatter(c Canvas, fig *figure.Figure, t figure.Transform, l *figure.ScatterLayer) {
	alpha := l.Alpha
	if alpha == 0 {
		alpha = 1
	}
	scale := t.Scale()
	n := l.Marker.Sides()

	for i := range l.X {
		x, y := l.X[i], l.Y[i]
		if math.IsNaN(x) || math.IsNaN(y) {
			continue
		}
		col := l.ColorAt(i)
		if col == nil {
			continue
		}
		if _, _, _, a := col.RGBA(); a == 0 {
			continue
		}
		c.SetColor(withAlpha(col, alpha))

		size := l.SizeAt(i)
		switch l.Marker {
		case figure.MarkerPoint:
			r := fig.PointsToPixels(figure.PointDiameter(size)) / 2
			if r < 0.5 {
				r = 0.5
			}
			px, py := t.Apply(x, y)
			c.FillCircle(px, py, r)
		case figure.MarkerCircle:
			px, py := t.Apply(x, y)
			c.FillCircle(px, py, size*scale)
		default:
			verts := figure.PolygonVertices(x, y, figure.PolygonRadius(size, n), n)
			pts := make([][2]float64, len(verts))
			for k, v := range verts {
				pts[k][0], pts[k][1] = t.Apply(v[0], v[1])
			}
			c.FillPolygon(pts)
		}
	}
}

func drawLegend(c Canvas, fig *figure.Figure, t figure.Transform, l *figure.Legend) error {
	if len(l.Entries) == 0 {
		return nil
	}
	px := fig.PointsToPixels
	fs := l.FontSize
	if fs <= 0 {
		fs = figure.LegendFontSize
	}

	switch l.Loc {
	case figure.LegendOnData:
		for _, e := range l.Entries {
			if math.IsNaN(e.X) || math.IsNaN(e.Y) {
				continue
			}
			x, y := t.Apply(e.X, e.Y)
			err := c.Text(e.Label, x, y, TextStyle{
				Size:   fs,
				Bold:   l.Bold,
				HAlign: AlignCenter,
				VAlign: AlignMiddle,
				Halo:   l.FontOutline,
			})
			if err != nil {
				return err
			}
		}
	case figure.LegendRightMargin:
		lay := l.Layout()
		left := t.X0 + t.W + px(lay.Offset)
		top := t.Y0 + t.H/2 - px(lay.Height)/2
		for i, e := range l.Entries {
			col, row := i/lay.PerColumn, i%lay.PerColumn
			cy := top + px(lay.Pad) + (float64(row)+0.5)*px(lay.RowHeight)
			cx := left + px(lay.ColumnX[col])
			c.SetColor(e.Color)
			c.FillCircle(cx+px(lay.HandleWidth)/2, cy, px(lay.MarkerSize)/2)
			err := c.Text(e.Label, cx+px(lay.HandleWidth+lay.TextPad), cy, TextStyle{
				Size:   fs,
				Bold:   l.Bold,
				HAlign: AlignLeft,
				VAlign: AlignMiddle,
				Halo:   l.FontOutline,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func drawColorbar(c Canvas, fig *figure.Figure, cb *figure.Colorbar, w, h int) error {
	px := fig.PointsToPixels
	x0 := cb.Box.Left * float64(w)
	y0 := cb.Box.Top * float64(h)
	bw := cb.Box.Width() * float64(w)
	bh := cb.Box.Height() * float64(h)
	if bw <= 0 || bh <= 0 {
		return nil
	}

	steps := int(bh)
	if steps > 256 {
		steps = 256
	}
	if steps < 1 {
		steps = 1
	}
	step := bh / float64(steps)
	for i := 0; i < steps; i++ {
		frac := (float64(i) + 0.5) / float64(steps)
		c.SetColor(cb.Cmap.At(frac))
		// Slight overlap avoids seams between bands.
		c.FillRect(x0, y0+bh-float64(i+1)*step, bw, step+0.5)
	}
	c.SetColor(color.Black)
	c.StrokeRect(x0, y0, bw, bh, px(figure.FrameLineWidth))

	for _, tk := range cb.Ticks {
		f := cb.Norm.Scale(tk.Value)
		if math.IsNaN(f) || f < -1e-9 || f > 1+1e-9 {
			continue
		}
		y := y0 + bh - f*bh
		c.SetColor(color.Black)
		c.Line(x0+bw, y, x0+bw+px(tickLength), y, px(figure.FrameLineWidth))
		err := c.Text(tk.Label, x0+bw+px(tickLength+tickPad), y, TextStyle{
			Size:   figure.TickFontSize,
			HAlign: AlignLeft,
			VAlign: AlignMiddle,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func drawScalebar(c Canvas, fig *figure.Figure, t figure.Transform, sb *figure.Scalebar) error {
	px := fig.PointsToPixels
	length := sb.Length * t.Scale()
	if length <= 0 || math.IsNaN(length) {
		return nil
	}
	right := t.X0 + t.W - px(scalebarPad)
	bottom := t.Y0 + t.H - px(scalebarPad)

	c.SetColor(color.Black)
	c.FillRect(right-length, bottom-px(scalebarLine), length, px(scalebarLine))
	return c.Text(sb.Label, right-length/2, bottom-px(scalebarLine+2), TextStyle{
		Size:   figure.TickFontSize,
		HAlign: AlignCenter,
		VAlign: AlignBottom,
		Halo:   1,
	})
}
