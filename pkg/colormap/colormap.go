// Package colormap provides color schemes for visualization.
package colormap

import (
	"image/color"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// NewLinear builds a colormap interpolating between the given anchor colors.
func NewLinear(colors ...color.RGBA) LinearColormap {
	if len(colors) == 0 {
		colors = []color.RGBA{{0, 0, 0, 255}, {255, 255, 255, 255}}
	}
	return LinearColormap{colors: colors}
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 || math.IsNaN(t) {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

// AtIndex returns color at index i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	if i < 0 {
		i = -i
	}
	return c.colors[i%len(c.colors)]
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// divergingColormap adapts a gonum palette.ColorMap to the Colormap interface.
type divergingColormap struct {
	cm palette.ColorMap
	n  int
}

func newSmoothBlueRed() divergingColormap {
	cm := moreland.SmoothBlueRed()
	cm.SetMax(1)
	cm.SetMin(0)
	cm.SetConvergePoint(0.5)
	return divergingColormap{cm: cm, n: 11}
}

func (c divergingColormap) At(t float64) color.Color {
	if math.IsNaN(t) || t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	col, err := c.cm.At(t)
	if err != nil {
		return color.RGBA{A: 255}
	}
	return color.RGBAModel.Convert(col)
}

func (c divergingColormap) AtIndex(i int) color.Color {
	if i < 0 {
		i = -i
	}
	return c.At(float64(i%c.n) / float64(c.n-1))
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma colormap
var Plasma = LinearColormap{
	colors: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// Inferno colormap
var Inferno = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// Seurat is the lightgrey-to-red feature plot gradient.
var Seurat = LinearColormap{
	colors: []color.RGBA{
		{211, 211, 211, 255},
		{255, 0, 0, 255},
	},
}

// Gray runs from black to white.
var Gray = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 0, 255},
		{255, 255, 255, 255},
	},
}

// Reds colormap (colorbrewer sequential reds)
var Reds = LinearColormap{
	colors: []color.RGBA{
		{255, 245, 240, 255},
		{254, 224, 210, 255},
		{252, 187, 161, 255},
		{252, 146, 114, 255},
		{251, 106, 74, 255},
		{239, 59, 44, 255},
		{203, 24, 29, 255},
		{165, 15, 21, 255},
		{103, 0, 13, 255},
	},
}

// Coolwarm is Moreland's smooth blue-red diverging map.
var Coolwarm Colormap = newSmoothBlueRed()

var registry = map[string]Colormap{
	"viridis":  Viridis,
	"plasma":   Plasma,
	"inferno":  Inferno,
	"magma":    Magma,
	"seurat":   Seurat,
	"gray":     Gray,
	"grey":     Gray,
	"reds":     Reds,
	"coolwarm": Coolwarm,
}

// Lookup returns a continuous colormap by (case-insensitive) name.
// A "_r" suffix reverses the map.
func Lookup(name string) (Colormap, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if rest, ok := strings.CutSuffix(key, "_r"); ok {
		cm, found := registry[rest]
		if !found {
			return nil, false
		}
		return reversed{cm}, true
	}
	cm, ok := registry[key]
	return cm, ok
}

// Names lists the registered continuous colormaps.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type reversed struct{ Colormap }

func (r reversed) At(t float64) color.Color { return r.Colormap.At(1 - t) }

// Sample returns n colors evenly spaced along a colormap.
func Sample(cm Colormap, n int) []color.RGBA {
	if n <= 0 {
		return nil
	}
	out := make([]color.RGBA, n)
	for i := range out {
		t := 0.0
		if n > 1 {
			t = float64(i) / float64(n-1)
		}
		out[i] = color.RGBAModel.Convert(cm.At(t)).(color.RGBA)
	}
	return out
}

// CategoricalColormap provides distinct colors for categories.
type CategoricalColormap struct {
	colors []color.RGBA
}

// At returns color at position t.
func (c CategoricalColormap) At(t float64) color.Color {
	idx := int(t * float64(len(c.colors)))
	if idx >= len(c.colors) {
		idx = len(c.colors) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return c.colors[idx]
}

// AtIndex returns color at index.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	if i < 0 {
		i = -i
	}
	return c.colors[i%len(c.colors)]
}

// Len returns the number of distinct colors.
func (c CategoricalColormap) Len() int {
	return len(c.colors)
}

// Colors returns a copy of the palette.
func (c CategoricalColormap) Colors() []color.RGBA {
	out := make([]color.RGBA, len(c.colors))
	copy(out, c.colors)
	return out
}

// Categorical colormap with 20 distinct colors
var Categorical = CategoricalColormap{
	colors: []color.RGBA{
		{31, 119, 180, 255},  // Blue
		{255, 127, 14, 255},  // Orange
		{44, 160, 44, 255},   // Green
		{214, 39, 40, 255},   // Red
		{148, 103, 189, 255}, // Purple
		{140, 86, 75, 255},   // Brown
		{227, 119, 194, 255}, // Pink
		{127, 127, 127, 255}, // Gray
		{188, 189, 34, 255},  // Olive
		{23, 190, 207, 255},  // Cyan
		{174, 199, 232, 255}, // Light blue
		{255, 187, 120, 255}, // Light orange
		{152, 223, 138, 255}, // Light green
		{255, 152, 150, 255}, // Light red
		{197, 176, 213, 255}, // Light purple
		{196, 156, 148, 255}, // Light brown
		{247, 182, 210, 255}, // Light pink
		{199, 199, 199, 255}, // Light gray
		{219, 219, 141, 255}, // Light olive
		{158, 218, 229, 255}, // Light cyan
	},
}
