package figure

import "math"

// Legend geometry in units of the font size (matplotlib legend.* rc values).
const (
	legendHandleLength  = 2.0
	legendHandleTextPad = 0.8
	legendColumnSpacing = 2.0
	legendLabelSpacing  = 0.5
	legendBorderPad     = 0.4
	legendBorderAxesPad = 0.5
	legendMarkerSize    = 6.0 // points
)

// LegendColumns returns the column count used for n categories.
func LegendColumns(n int) int {
	switch {
	case n <= 14:
		return 1
	case n <= 30:
		return 2
	default:
		return 3
	}
}

// LegendLayout is the resolved geometry of a right-margin legend, in points.
type LegendLayout struct {
	Width, Height float64
	PerColumn     int
	ColumnX       []float64 // left edge of each column relative to the legend
	RowHeight     float64
	Offset        float64 // gap between the axes and the legend
	HandleWidth   float64
	TextPad       float64
	MarkerSize    float64
	Pad           float64
}

// Layout computes the right-margin legend geometry. Entries fill columns top
// to bottom.
func (l *Legend) Layout() LegendLayout {
	fs := l.FontSize
	if fs <= 0 {
		fs = LegendFontSize
	}
	cols := l.Columns
	if cols <= 0 {
		cols = LegendColumns(len(l.Entries))
	}
	per := int(math.Ceil(float64(len(l.Entries)) / float64(cols)))
	if per == 0 {
		per = 1
	}

	_, lineH := MeasureText("Ag", fs, l.Bold)
	out := LegendLayout{
		PerColumn:   per,
		RowHeight:   lineH + legendLabelSpacing*fs,
		Offset:      legendBorderAxesPad * fs,
		HandleWidth: legendHandleLength * fs,
		TextPad:     legendHandleTextPad * fs,
		MarkerSize:  legendMarkerSize,
		Pad:         legendBorderPad * fs,
	}

	x := out.Pad
	for c := 0; c < cols; c++ {
		start := c * per
		if start >= len(l.Entries) {
			break
		}
		end := start + per
		if end > len(l.Entries) {
			end = len(l.Entries)
		}
		labelW := 0.0
		for _, e := range l.Entries[start:end] {
			w, _ := MeasureText(e.Label, fs, l.Bold)
			labelW = math.Max(labelW, w)
		}
		if c > 0 {
			x += legendColumnSpacing * fs
		}
		out.ColumnX = append(out.ColumnX, x)
		x += out.HandleWidth + out.TextPad + labelW
	}
	out.Width = x + out.Pad
	out.Height = float64(per)*out.RowHeight - legendLabelSpacing*fs + 2*out.Pad
	return out
}

// colorbarLabelWidth is the room taken by the tick marks and labels right of
// a colorbar, in points.
func colorbarLabelWidth(ticks []Tick) float64 {
	w := 0.0
	for _, t := range ticks {
		tw, _ := MeasureText(t.Label, TickFontSize, false)
		w = math.Max(w, tw)
	}
	return 3.5 + 3.5 + w
}

// FitMargins widens the figure so that right-margin legends and colorbar
// labels are not clipped, keeping every panel's absolute size and position.
func (f *Figure) FitMargins() {
	extent := f.Width
	for _, p := range f.Panels {
		right := p.Box.Right * f.Width
		if p.Legend != nil && p.Legend.Loc == LegendRightMargin && len(p.Legend.Entries) > 0 {
			lay := p.Legend.Layout()
			right += (lay.Offset + lay.Width) / 72
		}
		if p.Colorbar != nil {
			right = math.Max(right, p.Colorbar.Box.Right*f.Width+colorbarLabelWidth(p.Colorbar.Ticks)/72)
		}
		extent = math.Max(extent, right+0.05)
	}
	if extent <= f.Width {
		return
	}

	scale := f.Width / extent
	for _, p := range f.Panels {
		p.Box.Left *= scale
		p.Box.Right *= scale
		if p.Colorbar != nil {
			p.Colorbar.Box.Left *= scale
			p.Colorbar.Box.Right *= scale
		}
	}
	f.Width = extent
}
