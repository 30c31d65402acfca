package figure

import "math"

// Single-subplot margins (matplotlib figure.subplot.*).
const (
	subplotLeft   = 0.125
	subplotRight  = 0.9
	subplotBottom = 0.11
	subplotTop    = 0.88
)

// SinglePanel returns the box of the only axes of a figure.
func SinglePanel() Box {
	return Box{Left: subplotLeft, Top: 1 - subplotTop, Right: subplotRight, Bottom: 1 - subplotBottom}
}

// DefaultWSpace is the horizontal gap used when none is given, scaled to the
// panel width so that a legend fits next to each panel.
func DefaultWSpace(panelWidth float64) float64 {
	return 0.75/panelWidth + 0.02
}

// PanelGrid lays out n panels of panelW by panelH inches in rows of at most
// ncols. It returns the figure size in inches and the panel boxes in row-major
// order.
func PanelGrid(n, ncols int, wspace, hspace, panelW, panelH float64) (float64, float64, []Box) {
	if n <= 0 {
		return panelW, panelH, nil
	}
	if ncols <= 0 {
		ncols = 1
	}
	nx := ncols
	if n < nx {
		nx = n
	}
	ny := int(math.Ceil(float64(n) / float64(nx)))

	width := float64(nx) * panelW * (1 + wspace)
	height := float64(ny) * panelH

	left := 0.2 / float64(nx)
	bottom := 0.13 / float64(ny)
	right := 1 - float64(nx-1)*left - 0.01/float64(nx)
	top := 1 - float64(ny-1)*bottom - 0.1/float64(ny)

	// gridspec: cells share the space with gaps of wspace/hspace times the
	// mean cell size.
	cellW := (right - left) / (float64(nx) + wspace*float64(nx-1))
	sepW := wspace * cellW
	cellH := (top - bottom) / (float64(ny) + hspace*float64(ny-1))
	sepH := hspace * cellH

	boxes := make([]Box, 0, n)
	for i := 0; i < n; i++ {
		row, col := i/nx, i%nx
		x0 := left + float64(col)*(cellW+sepW)
		y0 := (1 - top) + float64(row)*(cellH+sepH)
		boxes = append(boxes, Box{Left: x0, Top: y0, Right: x0 + cellW, Bottom: y0 + cellH})
	}
	return width, height, boxes
}

// ShrinkForColorbar splits a panel box into the axes and a colorbar box the
// way matplotlib's colorbar(pad=0.01, fraction=0.08, aspect=30) does. figW and
// figH are the figure size used to keep the bar's aspect ratio.
func ShrinkForColorbar(b Box, figW, figH float64) (Box, Box) {
	const (
		fraction = 0.08
		pad      = 0.01
		aspect   = 30.0
	)
	w := b.Width()
	axes := Box{Left: b.Left, Top: b.Top, Right: b.Left + w*(1-fraction-pad), Bottom: b.Bottom}

	cbLeft := b.Left + w*(1-fraction)
	cbWidth := w * fraction
	// The bar is as tall as the panel and 1/aspect as wide, within the
	// fraction slot.
	hInches := b.Height() * figH
	if want := hInches / aspect / figW; want < cbWidth {
		cbWidth = want
	}
	bar := Box{Left: cbLeft, Top: b.Top, Right: cbLeft + cbWidth, Bottom: b.Bottom}
	return axes, bar
}

// ShrinkForLegend narrows a panel in a multi-panel figure to leave room for
// its right-margin legend.
func ShrinkForLegend(b Box) Box {
	b.Right = b.Left + b.Width()*0.91
	return b
}
