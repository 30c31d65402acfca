package spatial

import (
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/spatialplot/server/internal/figure"
)

// ResolveNorm builds the normalization of panel index for values. A single
// bound or norm applies to every panel; an index past the end of a longer list
// is logged and autoscaled. A norm together with any bound is an error, and
// a center selects a two-slope norm.
func ResolveNorm(vmin, vmax, vcenter []VBound, norms []figure.Normalizer, index int, values []float64) (figure.Normalizer, error) {
	lo := pickBound("vmin", vmin, index).Resolve(values)
	hi := pickBound("vmax", vmax, index).Resolve(values)
	center := pickBound("vcenter", vcenter, index).Resolve(values)

	var norm figure.Normalizer
	switch {
	case len(norms) == 1:
		norm = norms[0]
	case index < len(norms):
		norm = norms[index]
	case len(norms) > 0:
		log.Printf("[spatial] ERROR: norm has %d entries, none for panel %d", len(norms), index)
	}

	if norm != nil {
		if !math.IsNaN(lo) || !math.IsNaN(hi) || !math.IsNaN(center) {
			return nil, fmt.Errorf("%w: passing both norm and vmin/vmax/vcenter is not allowed", ErrInvalidOption)
		}
		return norm.Autoscale(values), nil
	}
	if !math.IsNaN(center) {
		return figure.NewTwoSlope(lo, center, hi).Autoscale(values), nil
	}
	return figure.NewLinear(lo, hi).Autoscale(values), nil
}

func pickBound(name string, bounds []VBound, index int) VBound {
	switch {
	case len(bounds) == 0:
		return VBound{}
	case len(bounds) == 1:
		return bounds[0]
	case index < len(bounds):
		return bounds[index]
	}
	log.Printf("[spatial] ERROR: the parameter %s has %d entries, none for panel %d; using autoscale", name, len(bounds), index)
	return VBound{}
}

// nanPercentile is numpy's nanpercentile with linear interpolation.
func nanPercentile(values []float64, q float64) float64 {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return math.NaN()
	}
	sort.Float64s(finite)
	pos := q / 100 * float64(len(finite)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return finite[lo]
	}
	frac := pos - float64(lo)
	return finite[lo] + frac*(finite[hi]-finite[lo])
}
