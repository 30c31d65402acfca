// Package annot holds the in-memory annotated dataset (observations x variables
// with per-observation embeddings, graphs and unstructured spatial metadata).
package annot

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
)

// ErrKeyNotFound is returned when a column, var name, embedding or library is absent.
var ErrKeyNotFound = errors.New("key not found")

// ColumnKind distinguishes categorical from numeric columns.
type ColumnKind int

const (
	Numeric ColumnKind = iota
	Categorical
)

// Column is one obs or var annotation column.
type Column struct {
	Name       string
	Kind       ColumnKind
	Values     []float64 // numeric values, NaN = missing
	Codes      []int32   // categorical codes, -1 = missing
	Categories []string
}

// Len returns the number of rows.
func (c *Column) Len() int {
	if c.Kind == Categorical {
		return len(c.Codes)
	}
	return len(c.Values)
}

// Label returns the category label at row i ("" when missing).
func (c *Column) Label(i int) string {
	code := c.Codes[i]
	if code < 0 || int(code) >= len(c.Categories) {
		return ""
	}
	return c.Categories[code]
}

// Frame is an ordered set of equally long columns.
type Frame struct {
	order   []string
	columns map[string]*Column
}

// NewFrame creates an empty frame.
func NewFrame() *Frame {
	return &Frame{columns: make(map[string]*Column)}
}

// Add appends (or replaces) a column.
func (f *Frame) Add(col *Column) {
	if _, ok := f.columns[col.Name]; !ok {
		f.order = append(f.order, col.Name)
	}
	f.columns[col.Name] = col
}

// Column returns the named column.
func (f *Frame) Column(name string) (*Column, bool) {
	if f == nil {
		return nil, false
	}
	c, ok := f.columns[name]
	return c, ok
}

// Names returns column names in insertion order.
func (f *Frame) Names() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.order...)
}

// Matrix is a dense row-major matrix.
type Matrix struct {
	Rows, Cols int
	Data       []float32
}

// NewMatrix allocates a zero matrix.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// At returns element (i, j).
func (m *Matrix) At(i, j int) float64 {
	return float64(m.Data[i*m.Cols+j])
}

// Set sets element (i, j).
func (m *Matrix) Set(i, j int, v float64) {
	m.Data[i*m.Cols+j] = float32(v)
}

// Col copies column j.
func (m *Matrix) Col(j int) []float64 {
	out := make([]float64, m.Rows)
	for i := range out {
		out[i] = float64(m.Data[i*m.Cols+j])
	}
	return out
}

// Sparse is a CSR matrix (square for obsp graphs).
type Sparse struct {
	Rows, Cols int
	Indptr     []int64
	Indices    []int32
	Data       []float32
}

// Neighbors returns the column indices stored in row i.
func (s *Sparse) Neighbors(i int) []int32 {
	if i < 0 || i+1 >= len(s.Indptr) {
		return nil
	}
	return s.Indices[s.Indptr[i]:s.Indptr[i+1]]
}

// LabelImage is an integer segmentation mask; 0 is background.
type LabelImage struct {
	Width, Height int
	Labels        []int32
}

// At returns the label at pixel (x, y).
func (l *LabelImage) At(x, y int) int32 {
	return l.Labels[y*l.Width+x]
}

// Library is the per-section spatial metadata stored under uns["spatial"].
type Library struct {
	Images        map[string]image.Image
	ScaleFactors  map[string]float64
	Segmentations map[string]*LabelImage
}

// Uns holds the unstructured metadata the plotting code consumes.
type Uns struct {
	// Spatial is keyed by spatial key, then library id.
	Spatial map[string]map[string]*Library
	// Colors holds "<key>_colors" palettes keyed by <key>.
	Colors map[string][]string
}

// Raw is the unfiltered expression matrix.
type Raw struct {
	VarNames []string
	X        *Matrix
	varIndex map[string]int
}

// GeneSource supplies var vectors that are not materialized in X.
type GeneSource interface {
	GeneVector(gene string, nObs int) ([]float64, error)
}

// Dataset is an annotated observations x variables table. It is not modified
// after loading and may be shared between goroutines.
type Dataset struct {
	Name     string
	ObsNames []string
	Obs      *Frame
	VarNames []string
	Var      *Frame
	X        *Matrix
	Layers   map[string]*Matrix
	Raw      *Raw
	Obsm     map[string]*Matrix
	Obsp     map[string]*Sparse
	Uns      Uns
	Genes    GeneSource

	varIndex map[string]int
}

// New creates an empty dataset with n observations.
func New(name string, nObs int) *Dataset {
	names := make([]string, nObs)
	for i := range names {
		names[i] = fmt.Sprint(i)
	}
	return &Dataset{
		Name:     name,
		ObsNames: names,
		Obs:      NewFrame(),
		Var:      NewFrame(),
		Layers:   make(map[string]*Matrix),
		Obsm:     make(map[string]*Matrix),
		Obsp:     make(map[string]*Sparse),
		Uns: Uns{
			Spatial: make(map[string]map[string]*Library),
			Colors:  make(map[string][]string),
		},
	}
}

// NObs returns the number of observations.
func (d *Dataset) NObs() int {
	return len(d.ObsNames)
}

// SetVar installs var names and the matching X matrix.
func (d *Dataset) SetVar(names []string, x *Matrix) {
	d.VarNames = names
	d.X = x
	d.varIndex = indexOf(names)
}

// SetRaw installs the raw representation.
func (d *Dataset) SetRaw(names []string, x *Matrix) {
	d.Raw = &Raw{VarNames: names, X: x, varIndex: indexOf(names)}
}

func indexOf(names []string) map[string]int {
	idx := make(map[string]int, len(names))
	for i, n := range names {
		if _, dup := idx[n]; !dup {
			idx[n] = i
		}
	}
	return idx
}

// VarIndex returns the column index of a var name.
func (d *Dataset) VarIndex(name string) (int, bool) {
	if d.varIndex != nil {
		i, ok := d.varIndex[name]
		return i, ok
	}
	for i, n := range d.VarNames {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// HasVar reports whether name is a var name.
func (d *Dataset) HasVar(name string) bool {
	_, ok := d.VarIndex(name)
	return ok
}

// Vector is a resolved per-observation value vector.
type Vector struct {
	Name        string
	Categorical bool
	Values      []float64
	Codes       []int32
	Categories  []string
}

// Len returns the number of observations covered.
func (v Vector) Len() int {
	if v.Categorical {
		return len(v.Codes)
	}
	return len(v.Values)
}

// HasMissing reports whether any entry is missing.
func (v Vector) HasMissing() bool {
	if v.Categorical {
		for _, c := range v.Codes {
			if c < 0 {
				return true
			}
		}
		return false
	}
	for _, x := range v.Values {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}

// Subset returns the vector restricted to the given rows.
func (v Vector) Subset(rows []int) Vector {
	out := Vector{Name: v.Name, Categorical: v.Categorical, Categories: v.Categories}
	if v.Categorical {
		out.Codes = make([]int32, len(rows))
		for i, r := range rows {
			out.Codes[i] = v.Codes[r]
		}
		return out
	}
	out.Values = make([]float64, len(rows))
	for i, r := range rows {
		out.Values[i] = v.Values[r]
	}
	return out
}

func columnVector(c *Column) Vector {
	if c.Kind == Categorical {
		return Vector{Name: c.Name, Categorical: true, Codes: c.Codes, Categories: c.Categories}
	}
	return Vector{Name: c.Name, Values: c.Values}
}

// ObsVector returns the obs column named key, or the expression of var key
// taken from the given layer ("" for X).
func (d *Dataset) ObsVector(key, layer string) (Vector, error) {
	if c, ok := d.Obs.Column(key); ok {
		return columnVector(c), nil
	}
	m := d.X
	if layer != "" {
		lm, ok := d.Layers[layer]
		if !ok {
			return Vector{}, fmt.Errorf("layer %q: %w", layer, ErrKeyNotFound)
		}
		m = lm
	}
	if j, ok := d.VarIndex(key); ok && m != nil {
		return Vector{Name: key, Values: m.Col(j)}, nil
	}
	if d.Genes != nil && layer == "" {
		vals, err := d.Genes.GeneVector(key, d.NObs())
		if err == nil {
			return Vector{Name: key, Values: vals}, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return Vector{}, fmt.Errorf("failed to read %q from gene source: %w", key, err)
		}
	}
	return Vector{}, fmt.Errorf("%q is neither an obs column nor a var name: %w", key, ErrKeyNotFound)
}

// RawObsVector returns the expression of var key from the raw matrix.
func (d *Dataset) RawObsVector(key string) (Vector, error) {
	if d.Raw == nil {
		return Vector{}, fmt.Errorf("raw: %w", ErrKeyNotFound)
	}
	j, ok := d.Raw.varIndex[key]
	if !ok {
		return Vector{}, fmt.Errorf("%q not in raw var names: %w", key, ErrKeyNotFound)
	}
	return Vector{Name: key, Values: d.Raw.X.Col(j)}, nil
}

// VarNameWhere returns the first var name whose column value equals value.
func (d *Dataset) VarNameWhere(column, value string) (string, error) {
	c, ok := d.Var.Column(column)
	if !ok {
		return "", fmt.Errorf("var column %q: %w", column, ErrKeyNotFound)
	}
	for i := 0; i < c.Len() && i < len(d.VarNames); i++ {
		if c.Kind == Categorical && c.Label(i) == value {
			return d.VarNames[i], nil
		}
	}
	return "", fmt.Errorf("no var with %s == %q: %w", column, value, ErrKeyNotFound)
}

// SpatialLibraries returns the library ids stored under uns["spatial"][key], sorted.
func (d *Dataset) SpatialLibraries(key string) ([]string, error) {
	libs, ok := d.Uns.Spatial[key]
	if !ok {
		return nil, fmt.Errorf("uns[%q]: %w", key, ErrKeyNotFound)
	}
	out := make([]string, 0, len(libs))
	for id := range libs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Library returns the spatial metadata for one library.
func (d *Dataset) Library(key, id string) (*Library, error) {
	libs, ok := d.Uns.Spatial[key]
	if !ok {
		return nil, fmt.Errorf("uns[%q]: %w", key, ErrKeyNotFound)
	}
	lib, ok := libs[id]
	if !ok || lib == nil {
		return nil, fmt.Errorf("library_id %q not in uns[%q]: %w", id, key, ErrKeyNotFound)
	}
	return lib, nil
}
