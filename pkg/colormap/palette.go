package colormap

import (
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/colornames"
	"gonum.org/v1/plot/palette/brewer"
)

// Default20 is scanpy's default categorical palette (vega 20, reordered).
var Default20 = mustHexes(
	"#1f77b4", "#ff7f0e", "#279e68", "#d62728", "#aa40fc",
	"#8c564b", "#e377c2", "#b5bd61", "#17becf", "#aec7e8",
	"#ffbb78", "#98df8a", "#ff9896", "#c5b0d5", "#c49c94",
	"#f7b6d2", "#dbdb8d", "#9edae5", "#ad494a", "#8c6d31",
)

// Default28 is the Zeileis 28-color palette used above 20 categories.
var Default28 = mustHexes(
	"#023fa5", "#7d87b9", "#bec1d4", "#d6bcc0", "#bb7784",
	"#8e063b", "#4a6fe3", "#8595e1", "#b5bbe3", "#e6afb9",
	"#e07b91", "#d33f6a", "#11c638", "#8dd593", "#c6dec7",
	"#ead3c6", "#f0b98d", "#ef9708", "#0fcfc0", "#9cded6",
	"#d5eae7", "#f3e1eb", "#f6c4e1", "#f79cd4", "#7f7f7f",
	"#c7c7c7", "#1ce6ff", "#336600",
)

// Default102 is the 102-color palette used above 28 categories.
var Default102 = mustHexes(
	"#ffff00", "#1ce6ff", "#ff34ff", "#ff4a46", "#008941", "#006fa6",
	"#a30059", "#ffdbe5", "#7a4900", "#0000a6", "#63ffac", "#b79762",
	"#004d43", "#8fb0ff", "#997d87", "#5a0007", "#809693", "#6a3a4c",
	"#1b4400", "#4fc601", "#3b5dff", "#4a3b53", "#ff2f80", "#61615a",
	"#ba0900", "#6b7900", "#00c2a0", "#ffaa92", "#ff90c9", "#b903aa",
	"#d16100", "#ddefff", "#000035", "#7b4f4b", "#a1c299", "#300018",
	"#0aa6d8", "#013349", "#00846f", "#372101", "#ffb500", "#c2ffed",
	"#a079bf", "#cc0744", "#c0b9b2", "#c2ff99", "#001e09", "#00489c",
	"#6f0062", "#0cbd66", "#eec3ff", "#456d75", "#b77b68", "#7a87a1",
	"#788d66", "#885578", "#fad09f", "#ff8a9a", "#d157a0", "#bec459",
	"#456648", "#0086ed", "#886f4c", "#34362d", "#b4a8bd", "#00a6aa",
	"#452c2c", "#636375", "#a3c8c9", "#ff913f", "#938a81", "#575329",
	"#00fecf", "#b05b6f", "#8cd0ff", "#3b9700", "#04f757", "#c8a1a1",
	"#1e6e00", "#7900d7", "#a77500", "#6367a9", "#a05837", "#6b002c",
	"#772600", "#d790ff", "#9b9700", "#549e79", "#fff69f", "#201625",
	"#72418f", "#bc23ff", "#99adc0", "#3a2465", "#922329", "#5b4534",
	"#fde8dc", "#404e55", "#0089a3", "#cb7e98", "#a4e804", "#324e2a",
)

var tab10 = Categorical.colors[:10]

// DefaultPalette returns the default categorical colors for n categories:
// the tab10 color cycle up to 10, then the 20, 28 and 102 color palettes,
// then evenly spaced hues.
func DefaultPalette(n int) []color.RGBA {
	switch {
	case n <= len(tab10):
		return append([]color.RGBA(nil), tab10[:max(n, 0)]...)
	case n <= len(Default20):
		return append([]color.RGBA(nil), Default20[:max(n, 0)]...)
	case n <= len(Default28):
		return append([]color.RGBA(nil), Default28[:n]...)
	case n <= len(Default102):
		return append([]color.RGBA(nil), Default102[:n]...)
	default:
		return Hues(n)
	}
}

// Hues returns n colors evenly spaced around the HSV hue circle.
func Hues(n int) []color.RGBA {
	out := make([]color.RGBA, n)
	for i := range out {
		out[i] = hsv(float64(i)/float64(n), 0.65, 0.9)
	}
	return out
}

func hsv(h, s, v float64) color.RGBA {
	h = math.Mod(h, 1) * 6
	i := math.Floor(h)
	f := h - i
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))
	var r, g, b float64
	switch int(i) {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return color.RGBA{R: uint8(math.Round(r * 255)), G: uint8(math.Round(g * 255)), B: uint8(math.Round(b * 255)), A: 255}
}

// Named returns n colors from a named palette: scanpy defaults, tab20, a
// colorbrewer qualitative palette, or a continuous colormap sampled evenly.
func Named(name string, n int) ([]color.RGBA, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "default_20", "default":
		return cycle(Default20, n), nil
	case "default_28":
		return cycle(Default28, n), nil
	case "default_102":
		return cycle(Default102, n), nil
	case "tab20":
		return cycle(Categorical.colors, n), nil
	case "tab10":
		return cycle(tab10, n), nil
	}
	if cm, ok := Lookup(key); ok {
		return Sample(cm, n), nil
	}
	if cols, err := brewerColors(name, n); err == nil {
		return cols, nil
	}
	return nil, fmt.Errorf("unknown palette: %s", name)
}

func brewerColors(name string, n int) ([]color.RGBA, error) {
	var lastErr error
	// Brewer palettes exist only for a bounded range of sizes.
	for size := min(max(n, 3), 12); size >= 3; size-- {
		p, err := brewer.GetPalette(brewer.TypeAny, name, size)
		if err != nil {
			lastErr = err
			continue
		}
		cols := make([]color.RGBA, 0, size)
		for _, c := range p.Colors() {
			cols = append(cols, color.RGBAModel.Convert(c).(color.RGBA))
		}
		return cycle(cols, n), nil
	}
	return nil, lastErr
}

func cycle(cols []color.RGBA, n int) []color.RGBA {
	if n <= 0 || len(cols) == 0 {
		return nil
	}
	out := make([]color.RGBA, n)
	for i := range out {
		out[i] = cols[i%len(cols)]
	}
	return out
}

var shortNames = map[string]color.RGBA{
	"k":           {0, 0, 0, 255},
	"w":           {255, 255, 255, 255},
	"r":           {255, 0, 0, 255},
	"g":           {0, 128, 0, 255},
	"b":           {0, 0, 255, 255},
	"c":           {0, 191, 191, 255},
	"m":           {191, 0, 191, 255},
	"y":           {191, 191, 0, 255},
	"none":        {},
	"transparent": {},
}

// ParseColor parses hex (#rgb, #rrggbb, #rrggbbaa), CSS color names,
// matplotlib single-letter names and the C0..C9 cycle.
func ParseColor(s string) (color.RGBA, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return color.RGBA{}, fmt.Errorf("empty color")
	}
	if strings.HasPrefix(key, "#") {
		return parseHex(key[1:])
	}
	if c, ok := shortNames[key]; ok {
		return c, nil
	}
	if len(key) == 2 && key[0] == 'c' && key[1] >= '0' && key[1] <= '9' {
		return tab10[key[1]-'0'], nil
	}
	if c, ok := colornames.Map[strings.ReplaceAll(key, " ", "")]; ok {
		return c, nil
	}
	return color.RGBA{}, fmt.Errorf("invalid color: %q", s)
}

func parseHex(h string) (color.RGBA, error) {
	switch len(h) {
	case 3:
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]}) + "ff"
	case 6:
		h += "ff"
	case 8:
	default:
		return color.RGBA{}, fmt.Errorf("invalid hex color: #%s", h)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid hex color: #%s", h)
	}
	// Stored straight (non-premultiplied) alpha is converted to premultiplied RGBA.
	nc := color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
	return color.RGBAModel.Convert(nc).(color.RGBA), nil
}

// ToHex formats a color as #rrggbbaa (straight alpha).
func ToHex(c color.Color) string {
	nc := color.NRGBAModel.Convert(c).(color.NRGBA)
	return fmt.Sprintf("#%02x%02x%02x%02x", nc.R, nc.G, nc.B, nc.A)
}

// IsColor reports whether s parses as a color.
func IsColor(s string) bool {
	_, err := ParseColor(s)
	return err == nil
}

func mustHexes(hexes ...string) []color.RGBA {
	out := make([]color.RGBA, len(hexes))
	for i, h := range hexes {
		c, err := ParseColor(h)
		if err != nil {
			panic(err)
		}
		out[i] = c
	}
	return out
}
