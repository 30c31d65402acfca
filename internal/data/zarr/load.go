package zarr

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"sort"

	_ "golang.org/x/image/tiff"

	"github.com/spatialplot/server/internal/data/annot"
)

// Load materializes the whole store into an annotated dataset.
func (r *Reader) Load() (*annot.Dataset, error) {
	md := r.metadata
	name := md.DatasetName
	if name == "" {
		name = filepath.Base(r.metaDir)
	}

	ds := annot.New(name, md.NObs)
	if len(md.ObsNames) == md.NObs && md.NObs > 0 {
		ds.ObsNames = append([]string(nil), md.ObsNames...)
	}

	if err := r.loadVar(ds); err != nil {
		return nil, err
	}

	for _, col := range md.ObsOrder {
		info, ok := md.Obs[col]
		if !ok {
			return nil, fmt.Errorf("obs_order names unknown column %q", col)
		}
		c, err := r.loadColumn("obs/"+col, col, info, md.NObs)
		if err != nil {
			return nil, err
		}
		ds.Obs.Add(c)
	}

	for _, key := range md.Obsm {
		m, err := r.loadMatrix("obsm/"+key, md.NObs)
		if err != nil {
			return nil, err
		}
		ds.Obsm[key] = m
	}

	for _, key := range md.Obsp {
		sp, err := r.loadSparse("obsp/"+key, md.NObs)
		if err != nil {
			return nil, err
		}
		ds.Obsp[key] = sp
	}

	for key, colors := range md.Uns.Colors {
		ds.Uns.Colors[key] = append([]string(nil), colors...)
	}

	for key, libs := range md.Uns.Spatial {
		out := make(map[string]*annot.Library, len(libs))
		for id, info := range libs {
			lib, err := r.loadLibrary(info)
			if err != nil {
				return nil, fmt.Errorf("failed to load library %q: %w", id, err)
			}
			out[id] = lib
		}
		ds.Uns.Spatial[key] = out
	}

	log.Printf("[zarr] Loaded %s: %d obs, %d vars, %d obs columns", name, ds.NObs(), len(ds.VarNames), len(md.ObsOrder))
	return ds, nil
}

func (r *Reader) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(r.basePath, filepath.FromSlash(rel), "zarr.json"))
	return err == nil
}

func (r *Reader) loadVar(ds *annot.Dataset) error {
	md := r.metadata
	nVar := len(md.VarNames)

	var x *annot.Matrix
	if r.exists("X") {
		m, err := r.loadMatrix("X", md.NObs)
		if err != nil {
			return err
		}
		if m.Cols != nVar {
			return fmt.Errorf("X has %d columns, metadata lists %d var names", m.Cols, nVar)
		}
		x = m
	}
	ds.SetVar(append([]string(nil), md.VarNames...), x)

	varCols := make([]string, 0, len(md.Var))
	for col := range md.Var {
		varCols = append(varCols, col)
	}
	sort.Strings(varCols)
	for _, col := range varCols {
		c, err := r.loadColumn("var/"+col, col, md.Var[col], nVar)
		if err != nil {
			return err
		}
		ds.Var.Add(c)
	}

	for _, layer := range md.Layers {
		m, err := r.loadMatrix("layers/"+layer, md.NObs)
		if err != nil {
			return err
		}
		if m.Cols != nVar {
			return fmt.Errorf("layer %q has %d columns, expected %d", layer, m.Cols, nVar)
		}
		ds.Layers[layer] = m
	}

	if len(md.RawVarNames) > 0 && r.exists("raw/X") {
		m, err := r.loadMatrix("raw/X", md.NObs)
		if err != nil {
			return err
		}
		if m.Cols != len(md.RawVarNames) {
			return fmt.Errorf("raw/X has %d columns, expected %d", m.Cols, len(md.RawVarNames))
		}
		ds.SetRaw(append([]string(nil), md.RawVarNames...), m)
	}
	return nil
}

func (r *Reader) loadColumn(rel, name string, info ColumnInfo, n int) (*annot.Column, error) {
	arr, err := r.ReadArray(rel)
	if err != nil {
		return nil, err
	}
	if arr.Len() != n {
		return nil, fmt.Errorf("%s has %d values, expected %d", rel, arr.Len(), n)
	}

	switch info.Type {
	case "categorical":
		codes := arr.Int32s()
		for i, c := range codes {
			if int(c) >= len(info.Categories) {
				return nil, fmt.Errorf("%s: code %d at row %d exceeds %d categories", rel, c, i, len(info.Categories))
			}
			if c < 0 {
				codes[i] = -1
			}
		}
		return &annot.Column{
			Name:       name,
			Kind:       annot.Categorical,
			Codes:      codes,
			Categories: append([]string(nil), info.Categories...),
		}, nil
	case "numeric", "":
		return &annot.Column{Name: name, Kind: annot.Numeric, Values: arr.Float64s()}, nil
	default:
		return nil, fmt.Errorf("%s: unsupported column type %q", rel, info.Type)
	}
}

func (r *Reader) loadMatrix(rel string, rows int) (*annot.Matrix, error) {
	arr, err := r.ReadArray(rel)
	if err != nil {
		return nil, err
	}
	if len(arr.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected 2-d array, got shape %v", rel, arr.Shape)
	}
	if arr.Shape[0] != rows {
		return nil, fmt.Errorf("%s has %d rows, expected %d", rel, arr.Shape[0], rows)
	}
	return &annot.Matrix{Rows: arr.Shape[0], Cols: arr.Shape[1], Data: arr.Float32s()}, nil
}

func (r *Reader) loadSparse(rel string, n int) (*annot.Sparse, error) {
	indptr, err := r.ReadArray(rel + "/indptr")
	if err != nil {
		return nil, err
	}
	indices, err := r.ReadArray(rel + "/indices")
	if err != nil {
		return nil, err
	}
	if indptr.Len() != n+1 {
		return nil, fmt.Errorf("%s/indptr has %d entries, expected %d", rel, indptr.Len(), n+1)
	}

	sp := &annot.Sparse{Rows: n, Cols: n, Indptr: indptr.Int64s()}
	if indices.Len() > 0 {
		sp.Indices = make([]int32, indices.Len())
		for i := range sp.Indices {
			v := indices.Int64At(i)
			if v < 0 || v >= int64(n) {
				return nil, fmt.Errorf("%s/indices[%d] = %d is outside [0, %d)", rel, i, v, n)
			}
			sp.Indices[i] = int32(v)
		}
	}
	if r.exists(rel + "/data") {
		data, err := r.ReadArray(rel + "/data")
		if err != nil {
			return nil, err
		}
		if data.Len() != len(sp.Indices) {
			return nil, fmt.Errorf("%s/data has %d entries but there are %d indices", rel, data.Len(), len(sp.Indices))
		}
		sp.Data = data.Float32s()
	}
	if err := checkIndptr(sp.Indptr, len(sp.Indices)); err != nil {
		return nil, fmt.Errorf("%s/indptr: %w", rel, err)
	}
	return sp, nil
}

// checkIndptr verifies a CSR row pointer: starts at 0, never decreases and
// ends at nnz.
func checkIndptr(indptr []int64, nnz int) error {
	if len(indptr) == 0 || indptr[0] != 0 {
		return errors.New("must start at 0")
	}
	for i := 1; i < len(indptr); i++ {
		if indptr[i] < indptr[i-1] {
			return fmt.Errorf("decreases at row %d (%d < %d)", i-1, indptr[i], indptr[i-1])
		}
	}
	if last := indptr[len(indptr)-1]; last != int64(nnz) {
		return fmt.Errorf("ends at %d but there are %d indices", last, nnz)
	}
	return nil
}

func (r *Reader) loadLibrary(info LibraryInfo) (*annot.Library, error) {
	lib := &annot.Library{
		Images:        make(map[string]image.Image, len(info.Images)),
		ScaleFactors:  make(map[string]float64, len(info.ScaleFactors)),
		Segmentations: make(map[string]*annot.LabelImage, len(info.Segmentations)),
	}
	for k, v := range info.ScaleFactors {
		lib.ScaleFactors[k] = v
	}
	for key, ref := range info.Images {
		img, err := r.loadImage(ref)
		if err != nil {
			return nil, fmt.Errorf("image %q: %w", key, err)
		}
		lib.Images[key] = img
	}
	for key, ref := range info.Segmentations {
		if ref.Array == "" {
			return nil, fmt.Errorf("segmentation %q must reference an array", key)
		}
		arr, err := r.ReadArray(ref.Array)
		if err != nil {
			return nil, fmt.Errorf("segmentation %q: %w", key, err)
		}
		if len(arr.Shape) != 2 && !(len(arr.Shape) == 3 && arr.Shape[2] == 1) {
			return nil, fmt.Errorf("segmentation %q: expected [H, W] labels, got shape %v", key, arr.Shape)
		}
		lib.Segmentations[key] = &annot.LabelImage{Height: arr.Shape[0], Width: arr.Shape[1], Labels: arr.Int32s()}
	}
	return lib, nil
}

func (r *Reader) loadImage(ref ImageRef) (image.Image, error) {
	if ref.File != "" {
		path := ref.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.metaDir, path)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		return img, nil
	}
	if ref.Array == "" {
		return nil, fmt.Errorf("image reference has neither array nor file")
	}

	arr, err := r.ReadArray(ref.Array)
	if err != nil {
		return nil, err
	}
	return arrayImage(arr)
}

// arrayImage converts an [H, W] or [H, W, C] array to an image. Float arrays
// are taken to be in [0, 1].
func arrayImage(arr *Array) (image.Image, error) {
	h, w, c := 0, 0, 1
	switch len(arr.Shape) {
	case 2:
		h, w = arr.Shape[0], arr.Shape[1]
	case 3:
		h, w, c = arr.Shape[0], arr.Shape[1], arr.Shape[2]
	default:
		return nil, fmt.Errorf("expected [H, W, C] image, got shape %v", arr.Shape)
	}
	if c != 1 && c != 3 && c != 4 {
		return nil, fmt.Errorf("unsupported channel count %d", c)
	}

	scale := 1.0
	if arr.DataType == "float32" || arr.DataType == "float64" {
		scale = 255
	}
	px := func(i int) uint8 {
		v := arr.Float64At(i) * scale
		if v < 0 {
			return 0
		}
		if v > 255 {
			return 255
		}
		return uint8(v + 0.5)
	}

	rect := image.Rect(0, 0, w, h)
	if c == 1 {
		img := image.NewGray(rect)
		for i := 0; i < w*h; i++ {
			img.Pix[i] = px(i)
		}
		return img, nil
	}

	img := image.NewNRGBA(rect)
	for i := 0; i < w*h; i++ {
		base := i * c
		col := color.NRGBA{R: px(base), G: px(base + 1), B: px(base + 2), A: 255}
		if c == 4 {
			col.A = px(base + 3)
		}
		img.Pix[i*4] = col.R
		img.Pix[i*4+1] = col.G
		img.Pix[i*4+2] = col.B
		img.Pix[i*4+3] = col.A
	}
	return img, nil
}
