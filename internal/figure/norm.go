package figure

import (
	"image/color"
	"math"

	"gonum.org/v1/plot"

	"github.com/spatialplot/server/pkg/colormap"
)

// Normalizer maps data values onto [0, 1] for colormap lookup. Unset bounds
// are NaN until Autoscale fills them from the data.
type Normalizer interface {
	Scale(v float64) float64
	Limits() (vmin, vmax float64)
	Autoscale(values []float64) Normalizer
}

// Linear is matplotlib's Normalize.
type Linear struct {
	VMin, VMax float64
}

// NewLinear creates a linear norm; pass NaN to autoscale a bound.
func NewLinear(vmin, vmax float64) *Linear {
	return &Linear{VMin: vmin, VMax: vmax}
}

// Scale maps v linearly; a degenerate range maps everything to 0.
func (n *Linear) Scale(v float64) float64 {
	if math.IsNaN(v) {
		return math.NaN()
	}
	if n.VMax == n.VMin {
		return 0
	}
	return (v - n.VMin) / (n.VMax - n.VMin)
}

// Limits returns the bounds.
func (n *Linear) Limits() (float64, float64) { return n.VMin, n.VMax }

// Autoscale fills unset bounds from the finite values.
func (n *Linear) Autoscale(values []float64) Normalizer {
	lo, hi := finiteRange(values)
	out := *n
	if math.IsNaN(out.VMin) {
		out.VMin = lo
	}
	if math.IsNaN(out.VMax) {
		out.VMax = hi
	}
	return &out
}

// TwoSlope is matplotlib's TwoSlopeNorm: VCenter maps to 0.5 and each side is
// scaled linearly.
type TwoSlope struct {
	VMin, VCenter, VMax float64
}

// NewTwoSlope creates a two-slope norm; pass NaN to autoscale a bound.
func NewTwoSlope(vmin, vcenter, vmax float64) *TwoSlope {
	return &TwoSlope{VMin: vmin, VCenter: vcenter, VMax: vmax}
}

// Scale maps v piecewise linearly around the center.
func (n *TwoSlope) Scale(v float64) float64 {
	if math.IsNaN(v) {
		return math.NaN()
	}
	if v < n.VCenter {
		if n.VCenter == n.VMin {
			return 0.5
		}
		return 0.5 * (v - n.VMin) / (n.VCenter - n.VMin)
	}
	if n.VMax == n.VCenter {
		return 0.5
	}
	return 0.5 + 0.5*(v-n.VCenter)/(n.VMax-n.VCenter)
}

// Limits returns the outer bounds.
func (n *TwoSlope) Limits() (float64, float64) { return n.VMin, n.VMax }

// Autoscale fills unset bounds from the data and keeps VCenter inside them.
func (n *TwoSlope) Autoscale(values []float64) Normalizer {
	lo, hi := finiteRange(values)
	out := *n
	if math.IsNaN(out.VMin) {
		out.VMin = lo
	}
	if math.IsNaN(out.VMax) {
		out.VMax = hi
	}
	if math.IsNaN(out.VCenter) {
		out.VCenter = (out.VMin + out.VMax) / 2
	}
	if out.VMin > out.VCenter {
		out.VMin = out.VCenter
	}
	if out.VMax < out.VCenter {
		out.VMax = out.VCenter
	}
	return &out
}

// Log is matplotlib's LogNorm. Non-positive values are masked.
type Log struct {
	VMin, VMax float64
}

// NewLog creates a log norm; pass NaN to autoscale a bound.
func NewLog(vmin, vmax float64) *Log {
	return &Log{VMin: vmin, VMax: vmax}
}

// Scale maps log(v) linearly between log(VMin) and log(VMax).
func (n *Log) Scale(v float64) float64 {
	if math.IsNaN(v) || v <= 0 || n.VMin <= 0 {
		return math.NaN()
	}
	if n.VMax == n.VMin {
		return 0
	}
	return (math.Log(v) - math.Log(n.VMin)) / (math.Log(n.VMax) - math.Log(n.VMin))
}

// Limits returns the bounds.
func (n *Log) Limits() (float64, float64) { return n.VMin, n.VMax }

// Autoscale fills unset bounds from the positive values.
func (n *Log) Autoscale(values []float64) Normalizer {
	positive := make([]float64, 0, len(values))
	for _, v := range values {
		if v > 0 {
			positive = append(positive, v)
		}
	}
	lo, hi := finiteRange(positive)
	out := *n
	if math.IsNaN(out.VMin) {
		out.VMin = lo
	}
	if math.IsNaN(out.VMax) {
		out.VMax = hi
	}
	return &out
}

func finiteRange(values []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return 0, 1
	}
	return lo, hi
}

// MapColor looks up v through the norm and colormap. Missing or masked values
// take na; out-of-range values clip to the colormap ends.
func MapColor(cm colormap.Colormap, n Normalizer, v float64, na color.Color) color.Color {
	t := n.Scale(v)
	if math.IsNaN(t) {
		return na
	}
	return cm.At(math.Max(0, math.Min(1, t)))
}

// ColorbarTicks returns the labelled major ticks inside the norm's limits.
// Log norms get decade ticks.
func ColorbarTicks(n Normalizer) []Tick {
	lo, hi := n.Limits()
	if !(hi > lo) {
		return []Tick{{Value: lo, Label: formatTick(lo)}}
	}
	var ticker plot.Ticker = plot.DefaultTicks{}
	if _, ok := n.(*Log); ok && lo > 0 {
		ticker = plot.LogTicks{Prec: -1}
	}
	var out []Tick
	for _, t := range ticker.Ticks(lo, hi) {
		if t.IsMinor() || t.Value < lo || t.Value > hi {
			continue
		}
		out = append(out, Tick{Value: t.Value, Label: t.Label})
	}
	return out
}
