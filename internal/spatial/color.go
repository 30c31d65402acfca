package spatial

import (
	"fmt"
	"image/color"
	"log"
	"math"
	"slices"

	"github.com/spatialplot/server/internal/data/annot"
	"github.com/spatialplot/server/pkg/colormap"
)

// SourceVector returns the values plotted for value: an obs column, a var
// from X, a layer or raw, or all-missing when value is empty. AltVar maps
// value through a var column first. Categories outside groups become missing.
func SourceVector(ds *annot.Dataset, value string, useRaw bool, opts Options) (annot.Vector, error) {
	if value == "" {
		vals := make([]float64, ds.NObs())
		for i := range vals {
			vals[i] = math.NaN()
		}
		return annot.Vector{Values: vals}, nil
	}

	_, isObs := ds.Obs.Column(value)
	if opts.AltVar != "" && !isObs && !ds.HasVar(value) {
		name, err := ds.VarNameWhere(opts.AltVar, value)
		if err != nil {
			return annot.Vector{}, fmt.Errorf("failed to map %q through alt_var %q: %w", value, opts.AltVar, err)
		}
		value = name
	}

	var (
		vec annot.Vector
		err error
	)
	if useRaw && !isObs {
		vec, err = ds.RawObsVector(value)
	} else {
		vec, err = ds.ObsVector(value, opts.Layer)
	}
	if err != nil {
		return annot.Vector{}, err
	}

	if vec.Categorical && len(opts.Groups) > 0 {
		codes := make([]int32, len(vec.Codes))
		for i, c := range vec.Codes {
			if c >= 0 && int(c) < len(vec.Categories) && slices.Contains(opts.Groups, vec.Categories[c]) {
				codes[i] = c
			} else {
				codes[i] = -1
			}
		}
		vec.Codes = codes
	}
	return vec, nil
}

// ColorValues is a resolved color vector.
type ColorValues struct {
	Categorical bool
	// Colors holds one color per point for categorical and uncolored panels.
	Colors []color.Color
	// Values holds the continuous values to normalize.
	Values []float64
	// Palette holds one color per category.
	Palette []color.RGBA
}

// ColorVector resolves the colors of one panel. Categorical vectors map
// through the palette with missing codes taking na; numeric vectors are
// returned as values for normalization.
func ColorVector(ds *annot.Dataset, value string, vec annot.Vector, pal Palette, na color.Color) (ColorValues, error) {
	if value == "" {
		cols := make([]color.Color, vec.Len())
		for i := range cols {
			cols[i] = na
		}
		return ColorValues{Colors: cols}, nil
	}
	if !vec.Categorical {
		return ColorValues{Values: vec.Values}, nil
	}

	palette, err := ResolvePalette(ds, value, vec.Categories, pal)
	if err != nil {
		return ColorValues{}, err
	}
	cols := make([]color.Color, len(vec.Codes))
	for i, c := range vec.Codes {
		if c < 0 || int(c) >= len(palette) {
			cols[i] = na
			continue
		}
		cols[i] = palette[c]
	}
	return ColorValues{Categorical: true, Colors: cols, Palette: palette}, nil
}

// ResolvePalette returns one color per category. An explicit palette wins,
// then uns colors for key when they are valid and cover every category, then
// the default palette for the category count. The dataset is never modified.
func ResolvePalette(ds *annot.Dataset, key string, categories []string, pal Palette) ([]color.RGBA, error) {
	n := len(categories)
	if n == 0 {
		return nil, nil
	}

	switch {
	case pal.IsZero():
		// uns colors or the default palette below
	case pal.Name != "":
		cols, err := colormap.Named(pal.Name, n)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOption, err)
		}
		return cols, nil
	case len(pal.Colors) > 0:
		cols, err := parseColors(pal.Colors)
		if err != nil {
			return nil, err
		}
		if len(cols) < n {
			log.Printf("[spatial] WARNING: palette has %d colors for %d categories of %q, some categories will share a color", len(cols), n, key)
		}
		out := make([]color.RGBA, n)
		for i := range out {
			out[i] = cols[i%len(cols)]
		}
		return out, nil
	}

	if stored, ok := ds.Uns.Colors[key]; ok && len(stored) >= n {
		cols, err := parseColors(stored[:n])
		if err == nil {
			return cols, nil
		}
		log.Printf("[spatial] WARNING: uns colors for %q are invalid, using the default palette: %v", key, err)
	}
	return colormap.DefaultPalette(n), nil
}

func parseColors(names []string) ([]color.RGBA, error) {
	out := make([]color.RGBA, len(names))
	for i, s := range names {
		c, err := colormap.ParseColor(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOption, err)
		}
		out[i] = c
	}
	return out, nil
}
