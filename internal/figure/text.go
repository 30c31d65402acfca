package figure

import (
	"strconv"
	"sync"

	xfont "golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"

	"gonum.org/v1/plot/font"
)

// Typeface and BoldTypeface are the families registered for figure text.
// Bold is a separate family at normal weight; vgpdf resolves WeightBold to a
// "B" style that embedded fonts do not have.
const (
	Typeface     font.Typeface = "Go"
	BoldTypeface font.Typeface = "GoBold"
)

var (
	fontsOnce sync.Once
	fonts     *font.Cache
	fontsErr  error
)

// Fonts returns the font cache holding the regular and bold Go fonts.
func Fonts() (*font.Cache, error) {
	fontsOnce.Do(func() {
		regular, err := opentype.Parse(goregular.TTF)
		if err != nil {
			fontsErr = err
			return
		}
		bold, err := opentype.Parse(gobold.TTF)
		if err != nil {
			fontsErr = err
			return
		}
		fonts = font.NewCache(font.Collection{
			{Font: font.Font{Typeface: Typeface, Weight: xfont.WeightNormal}, Face: regular},
			{Font: font.Font{Typeface: BoldTypeface, Weight: xfont.WeightNormal}, Face: bold},
		})
	})
	return fonts, fontsErr
}

// Face returns the figure font at size points.
func Face(size float64, bold bool) (font.Face, error) {
	cache, err := Fonts()
	if err != nil {
		return font.Face{}, err
	}
	typeface := Typeface
	if bold {
		typeface = BoldTypeface
	}
	return cache.Lookup(font.Font{Typeface: typeface, Weight: xfont.WeightNormal}, font.Length(size)), nil
}

// MeasureText returns the advance width and line height of s in points.
func MeasureText(s string, size float64, bold bool) (float64, float64) {
	face, err := Face(size, bold)
	if err != nil || face.Face == nil {
		// Rough fallback for a sans-serif face.
		return 0.6 * size * float64(len([]rune(s))), 1.2 * size
	}
	return face.Width(s).Points(), face.Extents().Height.Points()
}

func formatTick(v float64) string {
	return strconv.FormatFloat(v, 'g', 4, 64)
}
