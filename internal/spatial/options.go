// Package spatial turns an annotated dataset and a set of plotting options
// into a figure of spatial scatter or segmentation panels.
package spatial

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"

	"github.com/spatialplot/server/internal/data/annot"
	"github.com/spatialplot/server/internal/figure"
)

var (
	// ErrInvalidOption is returned for option values that cannot be plotted.
	ErrInvalidOption = errors.New("invalid plot option")
	// ErrKeyNotFound is returned when an obs column, var name, embedding,
	// library or image key does not exist. It is the same sentinel the
	// dataset uses, so lookups failing in either package match it.
	ErrKeyNotFound = annot.ErrKeyNotFound
)

// Shapes drawn in data units.
const (
	ShapeNone   = ""
	ShapeCircle = "circle"
	ShapeSquare = "square"
	ShapeHex    = "hex"
)

// Defaults applied by Plot to unset options.
const (
	DefaultSpatialKey      = "spatial"
	DefaultSizeKey         = "spot_diameter_fullres"
	DefaultConnectivityKey = "spatial_connectivities"
	DefaultSegKey          = "segmentation"
	DefaultCmap            = "viridis"
	DefaultNAColor         = "lightgray"
	DefaultHSpace          = 0.25
	DefaultNCols           = 4
)

// Palette selects categorical colors, either by name or as an explicit list.
type Palette struct {
	Name   string   `json:"name,omitempty"`
	Colors []string `json:"colors,omitempty"`
}

// IsZero reports whether no palette was given.
func (p Palette) IsZero() bool { return p.Name == "" && len(p.Colors) == 0 }

// UnmarshalJSON accepts a palette name, a list of colors or the object form.
func (p *Palette) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		*p = Palette{Name: name}
		return nil
	}
	var colors []string
	if err := json.Unmarshal(b, &colors); err == nil {
		*p = Palette{Colors: colors}
		return nil
	}
	type plain Palette
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("%w: palette must be a name, a list of colors or an object", ErrInvalidOption)
	}
	*p = Palette(v)
	return nil
}

// List is a list-valued option. In JSON it accepts either a single value or
// an array of values.
type List[T any] []T

// UnmarshalJSON decodes a single value as a one-entry list.
func (l *List[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		*l = nil
		return nil
	}
	var listErr error
	if len(b) > 0 && b[0] == '[' {
		var values []T
		if listErr = json.Unmarshal(b, &values); listErr == nil {
			*l = values
			return nil
		}
	}
	// Arrays may still be a single value, e.g. one crop box.
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		if listErr != nil {
			return listErr
		}
		return err
	}
	*l = List[T]{v}
	return nil
}

type vboundKind int

const (
	boundUnset vboundKind = iota
	boundValue
	boundPercentile
	boundFunc
)

// VBound is one continuous color limit: a number, a percentile of the
// plotted values ("p99") or a function of them.
type VBound struct {
	kind vboundKind
	v    float64
	fn   func([]float64) float64
}

// Value returns a fixed bound.
func Value(v float64) VBound { return VBound{kind: boundValue, v: v} }

// Percentile returns a bound at the q-th percentile of the values.
func Percentile(q float64) VBound { return VBound{kind: boundPercentile, v: q} }

// BoundFunc returns a bound computed from the values.
func BoundFunc(fn func([]float64) float64) VBound { return VBound{kind: boundFunc, fn: fn} }

// ParseVBound parses "", a number or "pNN".
func ParseVBound(s string) (VBound, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" || s == "None" {
		return VBound{}, nil
	}
	if q, ok := strings.CutPrefix(s, "p"); ok {
		v, err := strconv.ParseFloat(q, 64)
		if err != nil || v < 0 || v > 100 {
			return VBound{}, fmt.Errorf("%w: invalid percentile bound %q", ErrInvalidOption, s)
		}
		return Percentile(v), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return VBound{}, fmt.Errorf("%w: invalid bound %q", ErrInvalidOption, s)
	}
	return Value(v), nil
}

// IsSet reports whether the bound was given.
func (b VBound) IsSet() bool { return b.kind != boundUnset }

// Resolve evaluates the bound against the plotted values. Unset bounds and
// bounds that cannot be computed are NaN.
func (b VBound) Resolve(values []float64) float64 {
	switch b.kind {
	case boundValue:
		return b.v
	case boundPercentile:
		return nanPercentile(values, b.v)
	case boundFunc:
		return b.fn(values)
	}
	return math.NaN()
}

// String renders the bound the way ParseVBound reads it.
func (b VBound) String() string {
	switch b.kind {
	case boundValue:
		return strconv.FormatFloat(b.v, 'g', -1, 64)
	case boundPercentile:
		return "p" + strconv.FormatFloat(b.v, 'g', -1, 64)
	case boundFunc:
		return "func"
	}
	return ""
}

// UnmarshalJSON accepts null, a number or a "pNN" string.
func (b *VBound) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = VBound{}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*b = Value(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := ParseVBound(s)
		if err != nil {
			return err
		}
		*b = v
		return nil
	}
	return fmt.Errorf("%w: bound must be a number or a percentile string", ErrInvalidOption)
}

// MarshalJSON writes numbers as numbers and everything else as strings.
func (b VBound) MarshalJSON() ([]byte, error) {
	switch b.kind {
	case boundUnset:
		return []byte("null"), nil
	case boundValue:
		return json.Marshal(b.v)
	}
	return json.Marshal(b.String())
}

// Options are the keyword parameters of a spatial plot. List-valued options
// hold one entry per library or per panel; a single entry applies to all.
type Options struct {
	SpatialKey  string        `json:"spatial_key,omitempty"`
	LibraryID   List[string]  `json:"library_id,omitempty"`
	LibraryKey  string        `json:"library_key,omitempty"`
	Images      []image.Image `json:"-"`
	NoImage     bool          `json:"no_image,omitempty"`
	ImgKey      string        `json:"img_key,omitempty"`
	ImgAlpha    *float64      `json:"img_alpha,omitempty"`
	ScaleFactor List[float64] `json:"scale_factor,omitempty"`
	Size        List[float64] `json:"size,omitempty"`
	SizeKey     string        `json:"size_key,omitempty"`
	BW          bool          `json:"bw,omitempty"`

	Color      List[string] `json:"color,omitempty"`
	Groups     List[string] `json:"groups,omitempty"`
	Shape      string       `json:"shape,omitempty"`
	UseRaw     *bool        `json:"use_raw,omitempty"`
	Layer      string       `json:"layer,omitempty"`
	AltVar     string       `json:"alt_var,omitempty"`
	Projection string       `json:"projection,omitempty"`

	Palette Palette      `json:"palette,omitempty"`
	Cmap    string       `json:"cmap,omitempty"`
	NAColor string       `json:"na_color,omitempty"`
	Frameon *bool        `json:"frameon,omitempty"`
	Title   List[string] `json:"title,omitempty"`

	WSpace *float64 `json:"wspace,omitempty"`
	HSpace *float64 `json:"hspace,omitempty"`
	NCols  int      `json:"ncols,omitempty"`

	VMin    List[VBound]        `json:"vmin,omitempty"`
	VMax    List[VBound]        `json:"vmax,omitempty"`
	VCenter List[VBound]        `json:"vcenter,omitempty"`
	Norm    []figure.Normalizer `json:"-"`

	AddOutline   bool          `json:"add_outline,omitempty"`
	OutlineWidth List[float64] `json:"outline_width,omitempty"`
	OutlineColor List[string]  `json:"outline_color,omitempty"`
	Alpha        *float64      `json:"alpha,omitempty"`

	LegendFontSize    float64 `json:"legend_fontsize,omitempty"`
	LegendFontWeight  string  `json:"legend_fontweight,omitempty"`
	LegendLoc         string  `json:"legend_loc,omitempty"`
	LegendFontOutline float64 `json:"legend_fontoutline,omitempty"`
	NAInLegend        *bool   `json:"na_in_legend,omitempty"`

	Edges           bool    `json:"edges,omitempty"`
	EdgesWidth      float64 `json:"edges_width,omitempty"`
	EdgesColor      string  `json:"edges_color,omitempty"`
	ConnectivityKey string  `json:"connectivity_key,omitempty"`

	Seg          bool   `json:"seg,omitempty"`
	SegKey       string `json:"seg_key,omitempty"`
	SegCellIDKey string `json:"seg_cell_id_key,omitempty"`
	SegOutline   bool   `json:"seg_outline,omitempty"`
	SegContourPx int    `json:"seg_contourpx,omitempty"`

	CropCoord     List[[4]float64] `json:"crop_coord,omitempty"`
	ScalebarDX    List[float64]    `json:"scalebar_dx,omitempty"`
	ScalebarUnits string           `json:"scalebar_units,omitempty"`
	LibraryFirst  bool             `json:"library_first,omitempty"`

	Figsize [2]float64 `json:"figsize,omitempty"`
	DPI     float64    `json:"dpi,omitempty"`
}

// shaped reports whether library attributes come from uns["spatial"].
func (o *Options) shaped() bool {
	return o.Shape != ShapeNone || o.Seg
}

func (o *Options) applyDefaults() {
	if o.SpatialKey == "" {
		o.SpatialKey = DefaultSpatialKey
	}
	if o.SizeKey == "" {
		o.SizeKey = DefaultSizeKey
	}
	if len(o.Color) == 0 {
		o.Color = []string{""}
	}
	if o.Projection == "" {
		o.Projection = "2d"
	}
	if o.Cmap == "" {
		o.Cmap = DefaultCmap
	}
	if o.NAColor == "" {
		o.NAColor = DefaultNAColor
	}
	if o.NCols <= 0 {
		o.NCols = DefaultNCols
	}
	if len(o.OutlineWidth) == 0 {
		o.OutlineWidth = []float64{0.3, 0.05}
	}
	if len(o.OutlineColor) == 0 {
		o.OutlineColor = []string{"black", "white"}
	}
	if o.LegendFontSize <= 0 {
		o.LegendFontSize = figure.LegendFontSize
	}
	if o.LegendFontWeight == "" {
		o.LegendFontWeight = "bold"
	}
	if o.LegendLoc == "" {
		o.LegendLoc = string(figure.LegendRightMargin)
	}
	if o.EdgesWidth <= 0 {
		o.EdgesWidth = 0.1
	}
	if o.EdgesColor == "" {
		o.EdgesColor = "grey"
	}
	if o.ConnectivityKey == "" {
		o.ConnectivityKey = DefaultConnectivityKey
	}
	if o.SegKey == "" {
		o.SegKey = DefaultSegKey
	}
	if o.SegContourPx <= 0 {
		o.SegContourPx = 1
	}
	if o.ScalebarUnits == "" {
		o.ScalebarUnits = "um"
	}
	if o.Figsize[0] <= 0 || o.Figsize[1] <= 0 {
		o.Figsize = [2]float64{figure.DefaultFigWidth, figure.DefaultFigHeight}
	}
	if o.DPI <= 0 {
		o.DPI = figure.DefaultDPI
	}
}

func (o *Options) validate() error {
	switch o.Shape {
	case ShapeNone, ShapeCircle, ShapeSquare, ShapeHex:
	default:
		return fmt.Errorf("%w: shape %q not found, available shapes are circle, square, hex", ErrInvalidOption, o.Shape)
	}
	switch o.Projection {
	case "2d", "3d":
	default:
		return fmt.Errorf("%w: projection must be 2d or 3d, got %q", ErrInvalidOption, o.Projection)
	}
	switch figure.LegendLoc(o.LegendLoc) {
	case figure.LegendRightMargin, figure.LegendOnData, figure.LegendNone:
	default:
		return fmt.Errorf("%w: legend_loc %q", ErrInvalidOption, o.LegendLoc)
	}
	if _, err := parseFontWeight(o.LegendFontWeight); err != nil {
		return err
	}
	if len(o.OutlineWidth) != 2 || len(o.OutlineColor) != 2 {
		return fmt.Errorf("%w: outline_width and outline_color take two values", ErrInvalidOption)
	}
	if o.Projection == "3d" && o.Seg {
		return fmt.Errorf("%w: segmentation cannot be drawn in 3d", ErrInvalidOption)
	}
	if o.Seg && o.SegCellIDKey == "" {
		return fmt.Errorf("%w: seg requires seg_cell_id_key", ErrInvalidOption)
	}
	if o.ImgAlpha != nil && (*o.ImgAlpha < 0 || *o.ImgAlpha > 1) {
		return fmt.Errorf("%w: img_alpha must be in [0, 1]", ErrInvalidOption)
	}
	if o.Alpha != nil && (*o.Alpha <= 0 || *o.Alpha > 1) {
		return fmt.Errorf("%w: alpha must be in (0, 1]", ErrInvalidOption)
	}
	for _, c := range o.CropCoord {
		if !(c[1] > c[0]) || !(c[3] > c[2]) {
			return fmt.Errorf("%w: crop_coord %v is empty", ErrInvalidOption, c)
		}
	}
	return nil
}

// parseFontWeight reports whether a matplotlib font weight is bold.
func parseFontWeight(w string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(w)) {
	case "bold", "heavy", "black", "extra bold", "semibold", "demibold", "demi":
		return true, nil
	case "normal", "regular", "book", "light", "ultralight", "medium", "roman":
		return false, nil
	}
	n, err := strconv.Atoi(w)
	if err != nil {
		return false, fmt.Errorf("%w: legend_fontweight %q", ErrInvalidOption, w)
	}
	return n >= 600, nil
}
