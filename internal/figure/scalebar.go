package figure

import (
	"math"
	"strconv"
)

// NewScalebar picks a round physical length close to a fifth of the view
// width. dx is the physical size of one data unit.
func NewScalebar(view View, dx float64, units string) *Scalebar {
	if dx <= 0 || view.Empty() {
		return nil
	}
	target := 0.2 * (view.X1 - view.X0) * dx
	length := niceLength(target)
	if units == "um" {
		units = "µm"
	}
	return &Scalebar{
		Length: length / dx,
		Label:  strconv.FormatFloat(length, 'g', -1, 64) + " " + units,
	}
}

// niceLength rounds v down to 1, 2 or 5 times a power of ten.
func niceLength(v float64) float64 {
	if v <= 0 {
		return 0
	}
	exp := math.Floor(math.Log10(v))
	base := math.Pow(10, exp)
	switch m := v / base; {
	case m >= 5:
		return 5 * base
	case m >= 2:
		return 2 * base
	default:
		return base
	}
}
