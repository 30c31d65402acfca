package spatial

import (
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/spatialplot/server/internal/data/annot"
	"github.com/spatialplot/server/internal/figure"
	"github.com/spatialplot/server/pkg/colormap"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// newTestDataset has six cells split over libraries A and B, with a
// categorical cluster column, a numeric score, two genes and per-library
// images, scale factors and segmentation masks.
func newTestDataset() *annot.Dataset {
	ds := annot.New("test", 6)
	ds.Obs.Add(&annot.Column{Name: "library", Kind: annot.Categorical, Codes: []int32{0, 0, 0, 1, 1, 1}, Categories: []string{"A", "B"}})
	ds.Obs.Add(&annot.Column{Name: "cluster", Kind: annot.Categorical, Codes: []int32{0, 1, -1, 0, 1, 1}, Categories: []string{"x", "y"}})
	ds.Obs.Add(&annot.Column{Name: "score", Values: []float64{0, 1, 2, 3, 4, math.NaN()}})
	ds.Obs.Add(&annot.Column{Name: "cell_id", Values: []float64{1, 2, 3, 1, 2, 3}})

	coords := annot.NewMatrix(6, 3)
	for i := 0; i < 6; i++ {
		coords.Set(i, 0, float64(2*i))
		coords.Set(i, 1, float64(i))
		coords.Set(i, 2, 1)
	}
	ds.Obsm["spatial"] = coords

	x := annot.NewMatrix(6, 2)
	for i := 0; i < 6; i++ {
		x.Set(i, 0, float64(i))
		x.Set(i, 1, float64(10-i))
	}
	ds.SetVar([]string{"g1", "g2"}, x)
	ds.Var.Add(&annot.Column{Name: "symbol", Kind: annot.Categorical, Codes: []int32{0, 1}, Categories: []string{"Sox17", "Gfap"}})

	mask := &annot.LabelImage{Width: 4, Height: 4, Labels: make([]int32, 16)}
	for i := range mask.Labels {
		mask.Labels[i] = int32(i%4/2 + 1)
	}
	newLib := func(scale float64) *annot.Library {
		return &annot.Library{
			Images: map[string]image.Image{
				"hires":  image.NewRGBA(image.Rect(0, 0, 20, 20)),
				"lowres": image.NewRGBA(image.Rect(0, 0, 4, 4)),
			},
			ScaleFactors: map[string]float64{
				"tissue_hires_scalef":   scale,
				"tissue_lowres_scalef":  scale / 5,
				"spot_diameter_fullres": 4,
			},
			Segmentations: map[string]*annot.LabelImage{"segmentation": mask},
		}
	}
	ds.Uns.Spatial["spatial"] = map[string]*annot.Library{"A": newLib(0.5), "B": newLib(0.25)}
	return ds
}

func TestBroadcast(t *testing.T) {
	got, err := Broadcast("size", []float64{2}, 3)
	if err != nil || len(got) != 3 || got[2] != 2 {
		t.Fatalf("Broadcast scalar = %v, %v", got, err)
	}
	got, err = Broadcast("size", []float64{1, 2}, 2)
	if err != nil || got[1] != 2 {
		t.Fatalf("Broadcast list = %v, %v", got, err)
	}
	if got, err := Broadcast[float64]("size", nil, 2); err != nil || got != nil {
		t.Fatalf("Broadcast empty = %v, %v", got, err)
	}
	if _, err := Broadcast("size", []float64{1, 2}, 3); !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}
}

func TestResolveLibraryIDs(t *testing.T) {
	ds := newTestDataset()

	cases := []struct {
		name    string
		opts    Options
		want    []string
		wantErr error
	}{
		{"no shape, nothing given", Options{}, []string{""}, nil},
		{"no shape, explicit ids", Options{LibraryID: []string{"A"}}, []string{"A"}, nil},
		{"no shape, library key", Options{LibraryKey: "library"}, []string{"A", "B"}, nil},
		{"no shape, missing library key", Options{LibraryKey: "batch"}, nil, ErrKeyNotFound},
		{"shape, all libraries", Options{Shape: ShapeCircle}, []string{"A", "B"}, nil},
		{"shape, explicit ids", Options{Shape: ShapeCircle, LibraryID: []string{"B"}}, []string{"B"}, nil},
		{"shape, unknown id", Options{Shape: ShapeCircle, LibraryID: []string{"C"}}, nil, ErrKeyNotFound},
		{"shape, unknown spatial key", Options{Shape: ShapeCircle, SpatialKey: "other"}, nil, ErrKeyNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveLibraryIDs(ds, tc.opts)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveLibraryIDs error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestResolveSpatialAttrs(t *testing.T) {
	ds := newTestDataset()
	libs := []string{"A", "B"}

	attrs, err := ResolveSpatialAttrs(ds, Options{}, libs)
	if err != nil {
		t.Fatalf("ResolveSpatialAttrs error: %v", err)
	}
	if attrs.ImgKey != "hires" {
		t.Fatalf("default img key %q, want hires", attrs.ImgKey)
	}
	if attrs.ScaleFactor[0] != 0.5 || attrs.ScaleFactor[1] != 0.25 {
		t.Fatalf("scale factors %v", attrs.ScaleFactor)
	}
	if attrs.Size[0] != 4 || attrs.Size[1] != 4 {
		t.Fatalf("sizes %v, want spot diameter", attrs.Size)
	}
	if attrs.Images[0].Bounds().Dx() != 20 {
		t.Fatalf("expected hires image")
	}

	attrs, err = ResolveSpatialAttrs(ds, Options{ImgKey: "lowres", Size: []float64{1, 2}}, libs)
	if err != nil {
		t.Fatalf("ResolveSpatialAttrs lowres error: %v", err)
	}
	if !almostEqual(attrs.ScaleFactor[0], 0.1) || attrs.Size[1] != 8 {
		t.Fatalf("lowres attrs: scale %v size %v", attrs.ScaleFactor, attrs.Size)
	}

	if _, err := ResolveSpatialAttrs(ds, Options{ImgKey: "fullres"}, libs); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for unknown img key, got %v", err)
	}
	if _, err := ResolveSpatialAttrs(ds, Options{SizeKey: "spot"}, libs); !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption for missing size key, got %v", err)
	}
	if _, err := ResolveSpatialAttrs(ds, Options{ScaleFactor: []float64{1, 2, 3}}, libs); !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption for scale factor length, got %v", err)
	}

	attrs, err = ResolveSpatialAttrs(ds, Options{NoImage: true}, libs)
	if err != nil || attrs.Images[0] != nil {
		t.Fatalf("NoImage should drop images: %v", err)
	}
}

func TestToGray(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1, 1))
	src.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	got := toGray(src).GrayAt(0, 0).Y
	if got != 76 {
		t.Fatalf("gray of pure red = %d, want 76", got)
	}
}

func TestCoordsBatchFilter(t *testing.T) {
	ds := newTestDataset()
	coords, err := Coords(ds, "spatial", []string{"A", "B"}, []float64{1, 0.5}, "library")
	if err != nil {
		t.Fatalf("Coords error: %v", err)
	}
	if coords[0].Len() != 3 || coords[1].Len() != 3 {
		t.Fatalf("unexpected library sizes %d, %d", coords[0].Len(), coords[1].Len())
	}
	if coords[1].Rows[0] != 3 || coords[1].X[0] != 3 || coords[1].Y[0] != 1.5 {
		t.Fatalf("library B first point: row %d (%v, %v)", coords[1].Rows[0], coords[1].X[0], coords[1].Y[0])
	}
	if coords[0].Z == nil {
		t.Fatal("expected z coordinates")
	}

	cropped := coords[0].Crop([4]float64{1, 4, 0, 5})
	if cropped.Len() != 2 || cropped.Rows[0] != 1 || cropped.Rows[1] != 2 {
		t.Fatalf("crop kept rows %v", cropped.Rows)
	}

	if _, err := Coords(ds, "umap", []string{""}, []float64{1}, ""); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestSourceVector(t *testing.T) {
	ds := newTestDataset()

	vec, err := SourceVector(ds, "cluster", false, Options{Groups: []string{"y"}})
	if err != nil {
		t.Fatalf("SourceVector error: %v", err)
	}
	want := []int32{-1, 1, -1, -1, 1, 1}
	for i, c := range vec.Codes {
		if c != want[i] {
			t.Fatalf("codes %v, want %v", vec.Codes, want)
		}
	}
	if len(vec.Categories) != 2 {
		t.Fatalf("groups must keep the category list, got %v", vec.Categories)
	}

	vec, err = SourceVector(ds, "Gfap", false, Options{AltVar: "symbol"})
	if err != nil {
		t.Fatalf("SourceVector alt_var error: %v", err)
	}
	if vec.Values[0] != 10 {
		t.Fatalf("alt_var should resolve to g2, got %v", vec.Values)
	}

	vec, err = SourceVector(ds, "", false, Options{})
	if err != nil || !vec.HasMissing() || vec.Len() != 6 {
		t.Fatalf("empty value should be all missing: %v", err)
	}

	if _, err := SourceVector(ds, "g1", true, Options{}); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("raw lookup without raw should fail with ErrKeyNotFound, got %v", err)
	}
}

func TestResolvePalette(t *testing.T) {
	ds := newTestDataset()
	cats := []string{"x", "y"}

	defaults := colormap.DefaultPalette(2)
	got, err := ResolvePalette(ds, "cluster", cats, Palette{})
	if err != nil || got[0] != defaults[0] || got[1] != defaults[1] {
		t.Fatalf("default palette = %v, %v", got, err)
	}

	ds.Uns.Colors["cluster"] = []string{"#ff0000", "#00ff00"}
	got, _ = ResolvePalette(ds, "cluster", cats, Palette{})
	if got[0] != (color.RGBA{255, 0, 0, 255}) {
		t.Fatalf("uns palette not used: %v", got)
	}

	ds.Uns.Colors["cluster"] = []string{"#ff0000"}
	got, _ = ResolvePalette(ds, "cluster", cats, Palette{})
	if got[0] != defaults[0] {
		t.Fatalf("short uns palette should fall back to defaults: %v", got)
	}

	got, err = ResolvePalette(ds, "cluster", []string{"a", "b", "c"}, Palette{Colors: []string{"red", "blue"}})
	if err != nil || got[2] != got[0] {
		t.Fatalf("explicit palette should cycle: %v, %v", got, err)
	}

	got, err = ResolvePalette(ds, "cluster", cats, Palette{Name: "viridis"})
	if err != nil || got[0] != (color.RGBA{68, 1, 84, 255}) {
		t.Fatalf("named colormap palette = %v, %v", got, err)
	}

	if _, err := ResolvePalette(ds, "cluster", cats, Palette{Name: "nope"}); !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}
	if len(ds.Uns.Colors["cluster"]) != 1 {
		t.Fatal("palette resolution must not write back into the dataset")
	}
}

func TestNanPercentile(t *testing.T) {
	values := []float64{4, math.NaN(), 1, 3, 2}
	if got := nanPercentile(values, 50); got != 2.5 {
		t.Fatalf("p50 = %v, want 2.5", got)
	}
	if got := nanPercentile(values, 100); got != 4 {
		t.Fatalf("p100 = %v, want 4", got)
	}
	if got := nanPercentile(values, 10); !almostEqual(got, 1.3) {
		t.Fatalf("p10 = %v, want 1.3", got)
	}
	if got := nanPercentile([]float64{math.NaN()}, 50); !math.IsNaN(got) {
		t.Fatalf("all-NaN percentile = %v", got)
	}
}

func TestResolveNorm(t *testing.T) {
	values := []float64{0, 10, 20, 30, 40}

	n, err := ResolveNorm([]VBound{Percentile(25)}, nil, nil, nil, 0, values)
	if err != nil {
		t.Fatalf("ResolveNorm error: %v", err)
	}
	lo, hi := n.Limits()
	if lo != 10 || hi != 40 {
		t.Fatalf("limits %v..%v, want 10..40", lo, hi)
	}

	n, _ = ResolveNorm(nil, nil, []VBound{Value(10)}, nil, 0, values)
	if _, ok := n.(*figure.TwoSlope); !ok || n.Scale(10) != 0.5 {
		t.Fatalf("vcenter should give a two-slope norm, got %T", n)
	}

	// Panel 2 has no entry in a two-entry list and autoscales.
	n, _ = ResolveNorm([]VBound{Value(5), Value(6)}, nil, nil, nil, 2, values)
	if lo, _ := n.Limits(); lo != 0 {
		t.Fatalf("out of range index should autoscale, got vmin %v", lo)
	}

	n, _ = ResolveNorm(nil, []VBound{BoundFunc(func(v []float64) float64 { return 15 })}, nil, nil, 0, values)
	if _, hi := n.Limits(); hi != 15 {
		t.Fatalf("function bound vmax = %v", hi)
	}

	if _, err := ResolveNorm([]VBound{Value(0)}, nil, nil, []figure.Normalizer{figure.NewLog(math.NaN(), math.NaN())}, 0, values); !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("norm with bounds should fail, got %v", err)
	}

	n, err = ResolveNorm(nil, nil, nil, []figure.Normalizer{figure.NewLog(math.NaN(), math.NaN())}, 0, values)
	if err != nil {
		t.Fatalf("log norm error: %v", err)
	}
	if lo, hi := n.Limits(); lo != 10 || hi != 40 {
		t.Fatalf("log norm autoscale %v..%v, want 10..40", lo, hi)
	}
}

func TestVBoundJSON(t *testing.T) {
	var bounds []VBound
	if err := json.Unmarshal([]byte(`[1.5, "p99", null]`), &bounds); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if bounds[0].String() != "1.5" || bounds[1].String() != "p99" || bounds[2].IsSet() {
		t.Fatalf("unexpected bounds %v", bounds)
	}
	out, err := json.Marshal(bounds)
	if err != nil || string(out) != `[1.5,"p99",null]` {
		t.Fatalf("marshal = %s, %v", out, err)
	}
	if err := json.Unmarshal([]byte(`["q5"]`), &bounds); !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}
}

func TestPaletteJSON(t *testing.T) {
	var p Palette
	if err := json.Unmarshal([]byte(`"Set1"`), &p); err != nil || p.Name != "Set1" {
		t.Fatalf("name form: %+v, %v", p, err)
	}
	if err := json.Unmarshal([]byte(`["red","blue"]`), &p); err != nil || len(p.Colors) != 2 {
		t.Fatalf("list form: %+v, %v", p, err)
	}
	if err := json.Unmarshal([]byte(`{"name":"tab20"}`), &p); err != nil || p.Name != "tab20" {
		t.Fatalf("object form: %+v, %v", p, err)
	}
}

func TestListJSON(t *testing.T) {
	var opts Options
	body := `{"color":"cluster","library_id":"lib1","size":2,"vmin":"p1","title":"A","crop_coord":[0,10,0,10]}`
	if err := json.Unmarshal([]byte(body), &opts); err != nil {
		t.Fatalf("single values: %v", err)
	}
	if len(opts.Color) != 1 || opts.Color[0] != "cluster" {
		t.Fatalf("color %v", opts.Color)
	}
	if len(opts.LibraryID) != 1 || opts.LibraryID[0] != "lib1" {
		t.Fatalf("library_id %v", opts.LibraryID)
	}
	if len(opts.Size) != 1 || opts.Size[0] != 2 {
		t.Fatalf("size %v", opts.Size)
	}
	if len(opts.VMin) != 1 || opts.VMin[0].String() != "p1" {
		t.Fatalf("vmin %v", opts.VMin)
	}
	if len(opts.Title) != 1 || opts.Title[0] != "A" {
		t.Fatalf("title %v", opts.Title)
	}
	if len(opts.CropCoord) != 1 || opts.CropCoord[0] != [4]float64{0, 10, 0, 10} {
		t.Fatalf("crop_coord %v", opts.CropCoord)
	}

	opts = Options{}
	body = `{"color":["a","b"],"vmin":[null,"p5"],"crop_coord":[[0,1,0,1],[2,3,2,3]],"size":null}`
	if err := json.Unmarshal([]byte(body), &opts); err != nil {
		t.Fatalf("list values: %v", err)
	}
	if len(opts.Color) != 2 || len(opts.VMin) != 2 || opts.VMin[0].IsSet() || len(opts.CropCoord) != 2 || opts.Size != nil {
		t.Fatalf("unexpected options %+v", opts)
	}

	if err := json.Unmarshal([]byte(`{"vmax":"pxx"}`), &opts); !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}
	if err := json.Unmarshal([]byte(`{"size":"big"}`), &opts); err == nil {
		t.Fatal("expected an error for a non-numeric size")
	}
}

func TestSegmentationLayer(t *testing.T) {
	mask := &annot.LabelImage{Width: 4, Height: 2, Labels: []int32{1, 1, 2, 2, 1, 1, 0, 0}}
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	layer := segmentationLayer(mask, []int64{1, 2}, []int{0, 1}, []color.Color{red, blue}, 1, false, 1)

	img := layer.Image.(*image.NRGBA)
	if img.NRGBAAt(0, 0) != (color.NRGBA{R: 255, A: 255}) {
		t.Fatalf("label 1 pixel %v, want red", img.NRGBAAt(0, 0))
	}
	if img.NRGBAAt(3, 0) != (color.NRGBA{B: 255, A: 255}) {
		t.Fatalf("label 2 pixel %v, want blue", img.NRGBAAt(3, 0))
	}
	if img.NRGBAAt(3, 1).A != 0 {
		t.Fatal("background must stay transparent")
	}
	if layer.Extent.X1 != 4 || layer.Extent.Y1 != 2 {
		t.Fatalf("extent %+v", layer.Extent)
	}
}

func TestContourMask(t *testing.T) {
	// A 5x5 region inside a 7x7 background.
	mask := &annot.LabelImage{Width: 7, Height: 7, Labels: make([]int32, 49)}
	for y := 1; y <= 5; y++ {
		for x := 1; x <= 5; x++ {
			mask.Labels[y*7+x] = 7
		}
	}
	thin := contourMask(mask, 1)
	if !thin[1*7+1] || thin[3*7+3] || thin[2*7+2] {
		t.Fatal("width 1 should keep only the region border")
	}
	thick := contourMask(mask, 3)
	if !thick[3*7+3] || !thick[2*7+2] {
		t.Fatal("width 3 should reach the region center")
	}
	if thick[0] {
		t.Fatal("background is never part of a contour")
	}
}

func TestEdgeLayer(t *testing.T) {
	g := &annot.Sparse{Rows: 3, Cols: 3, Indptr: []int64{0, 1, 3, 4}, Indices: []int32{1, 0, 2, 1}}
	c := LibraryCoords{X: []float64{0, 1}, Y: []float64{0, 1}, Rows: []int{0, 1}}
	layer := edgeLayer(g, c, 0.5, color.Black)
	if len(layer.Segments) != 1 {
		t.Fatalf("expected one edge inside the panel, got %v", layer.Segments)
	}
	if layer.Segments[0] != [4]float64{0, 0, 1, 1} {
		t.Fatalf("segment %v", layer.Segments[0])
	}
}
