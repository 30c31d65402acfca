// Package figure is the device-independent description of a rendered plot:
// a figure of panels, each holding image, segmentation, edge and marker layers
// plus their legend, colorbar and scale bar.
package figure

import (
	"image"
	"image/color"
	"math"

	"github.com/spatialplot/server/pkg/colormap"
)

// Matplotlib defaults, in points.
const (
	TitleFontSize    = 12
	LegendFontSize   = 10
	TickFontSize     = 10
	FrameLineWidth   = 0.8
	DefaultDPI       = 100
	DefaultFigWidth  = 4
	DefaultFigHeight = 4
)

// Figure is a full drawing surface measured in inches.
type Figure struct {
	Width, Height float64
	DPI           float64
	Background    color.Color
	Panels        []*Panel
}

// New creates an empty figure with a white background.
func New(width, height, dpi float64) *Figure {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &Figure{Width: width, Height: height, DPI: dpi, Background: color.White}
}

// PixelSize returns the raster size of the figure.
func (f *Figure) PixelSize() (int, int) {
	return int(math.Round(f.Width * f.DPI)), int(math.Round(f.Height * f.DPI))
}

// PointsToPixels converts a length in points to device pixels.
func (f *Figure) PointsToPixels(pt float64) float64 {
	return pt * f.DPI / 72
}

// Box is an axes rectangle in figure fractions with the origin at the top left.
type Box struct {
	Left, Top, Right, Bottom float64
}

// Width returns the box width as a figure fraction.
func (b Box) Width() float64 { return b.Right - b.Left }

// Height returns the box height as a figure fraction.
func (b Box) Height() float64 { return b.Bottom - b.Top }

// View is the visible data range. Y0 is drawn at the top edge so that
// image-space coordinates grow downward.
type View struct {
	X0, X1, Y0, Y1 float64
}

// Empty reports whether the view has no extent.
func (v View) Empty() bool {
	return !(v.X1 > v.X0) || !(v.Y1 > v.Y0)
}

// Union returns the smallest view containing v and o.
func (v View) Union(o View) View {
	if v.Empty() {
		return o
	}
	if o.Empty() {
		return v
	}
	return View{
		X0: math.Min(v.X0, o.X0), X1: math.Max(v.X1, o.X1),
		Y0: math.Min(v.Y0, o.Y0), Y1: math.Max(v.Y1, o.Y1),
	}
}

// Pad grows the view by frac of its extent on every side (matplotlib margins).
func (v View) Pad(frac float64) View {
	dx := (v.X1 - v.X0) * frac
	dy := (v.Y1 - v.Y0) * frac
	if dx == 0 {
		dx = 0.5
	}
	if dy == 0 {
		dy = 0.5
	}
	return View{X0: v.X0 - dx, X1: v.X1 + dx, Y0: v.Y0 - dy, Y1: v.Y1 + dy}
}

// FitAspect expands the view around its center so that one data unit has the
// same length on both axes of a box that is w by h.
func (v View) FitAspect(w, h float64) View {
	if w <= 0 || h <= 0 || v.Empty() {
		return v
	}
	dw, dh := v.X1-v.X0, v.Y1-v.Y0
	if dw/dh > w/h {
		nh := dw * h / w
		cy := (v.Y0 + v.Y1) / 2
		return View{X0: v.X0, X1: v.X1, Y0: cy - nh/2, Y1: cy + nh/2}
	}
	nw := dh * w / h
	cx := (v.X0 + v.X1) / 2
	return View{X0: cx - nw/2, X1: cx + nw/2, Y0: v.Y0, Y1: v.Y1}
}

// ImageLayer is a raster drawn under the markers, stretched over Extent.
type ImageLayer struct {
	Image  image.Image
	Alpha  float64
	Extent View
}

// Marker selects how scatter sizes are interpreted.
type Marker int

const (
	// MarkerPoint sizes are marker areas in points².
	MarkerPoint Marker = iota
	// MarkerCircle sizes are radii in data units.
	MarkerCircle
	// MarkerSquare sizes are side lengths in data units.
	MarkerSquare
	// MarkerHex sizes are side lengths in data units.
	MarkerHex
)

// ScatterLayer is one marker collection. Sizes and Colors hold either one
// entry per point or a single entry shared by all points.
type ScatterLayer struct {
	Marker Marker
	X, Y   []float64
	Sizes  []float64
	Colors []color.Color
	Alpha  float64
}

// SizeAt returns the size of point i.
func (l *ScatterLayer) SizeAt(i int) float64 {
	if len(l.Sizes) == 1 {
		return l.Sizes[0]
	}
	return l.Sizes[i]
}

// ColorAt returns the color of point i.
func (l *ScatterLayer) ColorAt(i int) color.Color {
	if len(l.Colors) == 1 {
		return l.Colors[0]
	}
	return l.Colors[i]
}

// Bounds returns the data extent of the layer including marker radii for
// data-unit shapes.
func (l *ScatterLayer) Bounds() View {
	v := View{X0: math.Inf(1), X1: math.Inf(-1), Y0: math.Inf(1), Y1: math.Inf(-1)}
	for i := range l.X {
		x, y := l.X[i], l.Y[i]
		if math.IsNaN(x) || math.IsNaN(y) {
			continue
		}
		r := 0.0
		if l.Marker != MarkerPoint {
			r = l.SizeAt(i)
			if l.Marker != MarkerCircle {
				r = PolygonRadius(r, l.Marker.Sides())
			}
		}
		v.X0 = math.Min(v.X0, x-r)
		v.X1 = math.Max(v.X1, x+r)
		v.Y0 = math.Min(v.Y0, y-r)
		v.Y1 = math.Max(v.Y1, y+r)
	}
	if math.IsInf(v.X0, 0) {
		return View{}
	}
	return v
}

// Sides returns the polygon vertex count for polygon markers.
func (m Marker) Sides() int {
	switch m {
	case MarkerSquare:
		return 4
	case MarkerHex:
		return 6
	}
	return 0
}

// EdgeLayer draws graph edges as straight segments.
type EdgeLayer struct {
	Segments [][4]float64
	Width    float64 // points
	Color    color.Color
}

// LegendLoc positions a categorical legend.
type LegendLoc string

const (
	LegendRightMargin LegendLoc = "right margin"
	LegendOnData      LegendLoc = "on data"
	LegendNone        LegendLoc = "none"
)

// LegendEntry is one category. X and Y are the label anchor for on-data legends.
type LegendEntry struct {
	Label string
	Color color.Color
	X, Y  float64
}

// Legend is a categorical legend.
type Legend struct {
	Loc         LegendLoc
	Entries     []LegendEntry
	FontSize    float64
	Bold        bool
	FontOutline float64 // halo width in points, 0 disables it
	Columns     int
}

// Colorbar maps a continuous normalization onto a colormap.
type Colorbar struct {
	Cmap  colormap.Colormap
	Norm  Normalizer
	Ticks []Tick
	Box   Box
}

// Tick is a labelled colorbar position.
type Tick struct {
	Value float64
	Label string
}

// Scalebar is a physical-length bar drawn in the lower right corner.
type Scalebar struct {
	Length float64 // data units
	Label  string
}

// Panel is one axes.
type Panel struct {
	Box      Box
	Title    string
	Frameon  bool
	View     View
	Image    *ImageLayer
	Overlays []*ImageLayer
	Edges    *EdgeLayer
	Scatters []*ScatterLayer
	Legend   *Legend
	Colorbar *Colorbar
	Scalebar *Scalebar
}

// DataBounds returns the union of every layer's extent.
func (p *Panel) DataBounds() View {
	var v View
	if p.Image != nil {
		v = v.Union(p.Image.Extent)
	}
	for _, o := range p.Overlays {
		v = v.Union(o.Extent)
	}
	for _, s := range p.Scatters {
		v = v.Union(s.Bounds())
	}
	return v
}

// Transform maps data coordinates to device pixels for a figure of w by h pixels.
type Transform struct {
	X0, Y0, W, H float64 // axes box in pixels
	View         View
}

// NewTransform builds the data-to-pixel transform for the panel.
func (p *Panel) NewTransform(w, h int) Transform {
	return Transform{
		X0:   p.Box.Left * float64(w),
		Y0:   p.Box.Top * float64(h),
		W:    p.Box.Width() * float64(w),
		H:    p.Box.Height() * float64(h),
		View: p.View,
	}
}

// Apply converts a data point to pixels.
func (t Transform) Apply(x, y float64) (float64, float64) {
	px := t.X0 + (x-t.View.X0)/(t.View.X1-t.View.X0)*t.W
	py := t.Y0 + (y-t.View.Y0)/(t.View.Y1-t.View.Y0)*t.H
	return px, py
}

// Scale returns pixels per data unit along x.
func (t Transform) Scale() float64 {
	return t.W / (t.View.X1 - t.View.X0)
}
