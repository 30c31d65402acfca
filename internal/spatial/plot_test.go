package spatial

import (
	"errors"
	"image/color"
	"math"
	"testing"

	"github.com/spatialplot/server/internal/data/annot"
	"github.com/spatialplot/server/internal/figure"
	"github.com/spatialplot/server/internal/render"
)

func legendLabels(l *figure.Legend) []string {
	if l == nil {
		return nil
	}
	out := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		out[i] = e.Label
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPlotSinglePanel(t *testing.T) {
	ds := newTestDataset()
	fig, err := Plot(ds, Options{Color: []string{"cluster"}})
	if err != nil {
		t.Fatalf("Plot error: %v", err)
	}
	if len(fig.Panels) != 1 {
		t.Fatalf("expected 1 panel, got %d", len(fig.Panels))
	}
	p := fig.Panels[0]
	if p.Title != "cluster" || !p.Frameon {
		t.Fatalf("title %q frameon %v", p.Title, p.Frameon)
	}
	if got := legendLabels(p.Legend); !equalStrings(got, []string{"x", "y", "NA"}) {
		t.Fatalf("legend %v", got)
	}
	if p.Legend.Bold {
		t.Fatal("right margin legends are not bold")
	}
	if p.Colorbar != nil {
		t.Fatal("categorical panels have no colorbar")
	}

	s := p.Scatters[0]
	if s.Marker != figure.MarkerPoint || len(s.X) != 6 {
		t.Fatalf("expected 6 point markers, got %d", len(s.X))
	}
	if !almostEqual(s.Sizes[0], 120000.0/6) {
		t.Fatalf("default size %v", s.Sizes[0])
	}
	na := color.RGBA{211, 211, 211, 255}
	if s.Colors[2] != na {
		t.Fatalf("missing value color %v, want lightgray", s.Colors[2])
	}
	// The figure only grows to fit the legend.
	if fig.Width < figure.DefaultFigWidth || fig.Height != figure.DefaultFigHeight {
		t.Fatalf("figure size %vx%v", fig.Width, fig.Height)
	}
	w := p.Box.Width() * fig.Width
	h := p.Box.Height() * fig.Height
	vw, vh := p.View.X1-p.View.X0, p.View.Y1-p.View.Y0
	if !almostEqual(vw/vh, w/h) {
		t.Fatalf("view aspect %v does not match the panel aspect %v", vw/vh, w/h)
	}
}

func TestPlotMultiPanelBatch(t *testing.T) {
	ds := newTestDataset()
	fig, err := Plot(ds, Options{Color: []string{"cluster", "score"}, LibraryKey: "library"})
	if err != nil {
		t.Fatalf("Plot error: %v", err)
	}
	if len(fig.Panels) != 4 {
		t.Fatalf("expected 4 panels, got %d", len(fig.Panels))
	}

	// Color-major order: cluster/A, cluster/B, score/A, score/B.
	a, b := fig.Panels[0], fig.Panels[1]
	if got := legendLabels(a.Legend); !equalStrings(got, []string{"x", "y", "NA"}) {
		t.Fatalf("library A legend %v", got)
	}
	if got := legendLabels(b.Legend); !equalStrings(got, []string{"x", "y"}) {
		t.Fatalf("library B legend %v", got)
	}
	if len(a.Scatters[0].X) != 3 || len(b.Scatters[0].X) != 3 {
		t.Fatal("each library panel should only hold its own cells")
	}
	// Row 3 (library B, cluster x) takes the first palette color.
	if b.Scatters[0].Colors[0] != a.Scatters[0].Colors[0] {
		t.Fatal("categories must keep their color across libraries")
	}

	c, d := fig.Panels[2], fig.Panels[3]
	if c.Title != "score" || c.Colorbar == nil || c.Legend != nil {
		t.Fatalf("score panel: title %q colorbar %v", c.Title, c.Colorbar != nil)
	}
	if lo, hi := d.Colorbar.Norm.Limits(); lo != 3 || hi != 4 {
		t.Fatalf("library B norm %v..%v, want 3..4", lo, hi)
	}
	if c.Colorbar.Box.Left < c.Box.Right {
		t.Fatal("colorbar must sit right of the axes")
	}

	fig, err = Plot(ds, Options{Color: []string{"cluster", "score"}, LibraryKey: "library", LibraryFirst: true})
	if err != nil {
		t.Fatalf("Plot library_first error: %v", err)
	}
	if fig.Panels[1].Title != "score" || fig.Panels[2].Title != "cluster" {
		t.Fatalf("library_first order: %q, %q", fig.Panels[1].Title, fig.Panels[2].Title)
	}
}

func TestPlotTitles(t *testing.T) {
	ds := newTestDataset()
	fig, err := Plot(ds, Options{Color: []string{"cluster", "score"}, Title: []string{"only one"}})
	if err != nil {
		t.Fatalf("Plot error: %v", err)
	}
	if fig.Panels[0].Title != "only one" || fig.Panels[1].Title != "score" {
		t.Fatalf("titles %q, %q", fig.Panels[0].Title, fig.Panels[1].Title)
	}

	fig, _ = Plot(ds, Options{})
	if fig.Panels[0].Title != "" || fig.Panels[0].Legend != nil || fig.Panels[0].Colorbar != nil {
		t.Fatal("an uncolored panel has no title, legend or colorbar")
	}
}

func TestPlotShapeWithImage(t *testing.T) {
	ds := newTestDataset()
	fig, err := Plot(ds, Options{Shape: ShapeCircle, LibraryID: []string{"A"}, Color: []string{"score"}})
	if err != nil {
		t.Fatalf("Plot error: %v", err)
	}
	p := fig.Panels[0]
	if p.Image == nil || p.Image.Extent.X1 != 20 {
		t.Fatalf("expected the hires image as background")
	}
	s := p.Scatters[0]
	if s.Marker != figure.MarkerCircle {
		t.Fatalf("marker %v, want circle", s.Marker)
	}
	// Spot diameter 4 at scale 0.5 is a radius of 1.
	if s.Sizes[0] != 1 {
		t.Fatalf("circle radius %v, want 1", s.Sizes[0])
	}
	if s.X[1] != 1 || s.Y[1] != 0.5 {
		t.Fatalf("coordinates not scaled: (%v, %v)", s.X[1], s.Y[1])
	}
	if p.View.X0 > 0 || p.View.X1 < 20 {
		t.Fatalf("view %+v should cover the image", p.View)
	}

	fig, err = Plot(ds, Options{Shape: ShapeHex, LibraryID: []string{"A"}, NoImage: true})
	if err != nil {
		t.Fatalf("Plot hex error: %v", err)
	}
	if fig.Panels[0].Image != nil {
		t.Fatal("no_image should drop the background")
	}
	if got := figure.PolygonRadius(fig.Panels[0].Scatters[0].Sizes[0], 6); !almostEqual(got, 1) {
		t.Fatalf("hex circumradius %v, want 1", got)
	}
}

func TestPlotOutline(t *testing.T) {
	ds := newTestDataset()
	fig, err := Plot(ds, Options{Color: []string{"cluster"}, AddOutline: true, Size: []float64{100}})
	if err != nil {
		t.Fatalf("Plot error: %v", err)
	}
	layers := fig.Panels[0].Scatters
	if len(layers) != 3 {
		t.Fatalf("expected outline, gap and marker layers, got %d", len(layers))
	}
	// point 10, gap (10+1)^2, background (11+6)^2
	if !almostEqual(layers[1].Sizes[0], 121) || !almostEqual(layers[0].Sizes[0], 289) {
		t.Fatalf("outline sizes %v, %v", layers[0].Sizes[0], layers[1].Sizes[0])
	}
	if layers[2].Alpha != 0.7 {
		t.Fatalf("marker alpha %v, want 0.7", layers[2].Alpha)
	}
	if layers[0].Colors[0] != (color.RGBA{A: 255}) {
		t.Fatalf("background ring %v, want black", layers[0].Colors[0])
	}
}

func TestPlotOnDataLegend(t *testing.T) {
	ds := newTestDataset()
	fig, err := Plot(ds, Options{Color: []string{"cluster"}, LegendLoc: "on data", NAInLegend: new(bool)})
	if err != nil {
		t.Fatalf("Plot error: %v", err)
	}
	l := fig.Panels[0].Legend
	if got := legendLabels(l); !equalStrings(got, []string{"x", "y"}) {
		t.Fatalf("legend %v", got)
	}
	if !l.Bold {
		t.Fatal("on data labels default to bold")
	}
	// x holds rows 0 and 3, placed at the median position.
	if l.Entries[0].X != 3 || l.Entries[0].Y != 1.5 {
		t.Fatalf("x label at (%v, %v)", l.Entries[0].X, l.Entries[0].Y)
	}
}

func TestPlotOnDataLegendEveryFormat(t *testing.T) {
	ds := newTestDataset()
	fig, err := Plot(ds, Options{Color: []string{"cluster"}, LegendLoc: "on data", Groups: []string{"y"}})
	if err != nil {
		t.Fatalf("Plot error: %v", err)
	}
	if !fig.Panels[0].Legend.Bold {
		t.Fatal("expected bold legend text")
	}
	r := render.NewFigureRenderer(render.Config{})
	for _, format := range []render.Format{render.FormatPNG, render.FormatSVG, render.FormatPDF} {
		data, err := r.Render(fig, format)
		if err != nil {
			t.Fatalf("%s: Render error: %v", format, err)
		}
		if len(data) == 0 {
			t.Fatalf("%s: empty output", format)
		}
	}
}

func TestPlotGroups(t *testing.T) {
	ds := newTestDataset()
	fig, err := Plot(ds, Options{Color: []string{"cluster"}, Groups: []string{"x"}})
	if err != nil {
		t.Fatalf("Plot error: %v", err)
	}
	if got := legendLabels(fig.Panels[0].Legend); !equalStrings(got, []string{"x", "NA"}) {
		t.Fatalf("legend %v", got)
	}
}

func TestPlotCropAndScalebar(t *testing.T) {
	ds := newTestDataset()
	fig, err := Plot(ds, Options{
		Color:      []string{"score"},
		CropCoord:  [][4]float64{{0, 4, 0, 4}},
		ScalebarDX: []float64{10},
	})
	if err != nil {
		t.Fatalf("Plot error: %v", err)
	}
	p := fig.Panels[0]
	if len(p.Scatters[0].X) != 3 {
		t.Fatalf("crop kept %d points, want 3", len(p.Scatters[0].X))
	}
	if p.View.X0 > 0 || p.View.X1 < 4 {
		t.Fatalf("view %+v should cover the crop box", p.View)
	}
	if p.Scalebar == nil || p.Scalebar.Label == "" {
		t.Fatal("expected a scale bar")
	}
	if lo, hi := p.Colorbar.Norm.Limits(); lo != 0 || hi != 2 {
		t.Fatalf("norm of the cropped values %v..%v, want 0..2", lo, hi)
	}
}

func TestPlotSegmentationAndEdges(t *testing.T) {
	ds := newTestDataset()
	ds.Obsp["spatial_connectivities"] = &annot.Sparse{
		Rows: 6, Cols: 6,
		Indptr:  []int64{0, 1, 2, 2, 2, 2, 2},
		Indices: []int32{1, 0},
	}
	fig, err := Plot(ds, Options{
		Seg:          true,
		SegCellIDKey: "cell_id",
		LibraryID:    []string{"A"},
		LibraryKey:   "library",
		Color:        []string{"cluster"},
		Edges:        true,
	})
	if err != nil {
		t.Fatalf("Plot error: %v", err)
	}
	p := fig.Panels[0]
	if len(p.Overlays) != 1 || len(p.Scatters) != 0 {
		t.Fatalf("segmentation replaces markers: overlays %d scatters %d", len(p.Overlays), len(p.Scatters))
	}
	if p.Edges == nil || len(p.Edges.Segments) != 1 {
		t.Fatalf("expected one edge")
	}
}

func TestPlot3D(t *testing.T) {
	ds := newTestDataset()
	fig, err := Plot(ds, Options{Color: []string{"score"}, Projection: "3d"})
	if err != nil {
		t.Fatalf("Plot error: %v", err)
	}
	s := fig.Panels[0].Scatters[0]
	x, y := figure.Project3D(2, 1, 1)
	if !almostEqual(s.X[1], x) || !almostEqual(s.Y[1], y) {
		t.Fatalf("projected point (%v, %v), want (%v, %v)", s.X[1], s.Y[1], x, y)
	}
}

func TestPlotErrors(t *testing.T) {
	ds := newTestDataset()
	ds.Obs.Add(&annot.Column{Name: "withNA", Kind: annot.Categorical, Codes: []int32{0, -1, 1, 1, 0, 0}, Categories: []string{"NA", "b"}})
	ds.Obsm["flat"] = annot.NewMatrix(6, 2)
	yes := true

	cases := []struct {
		name string
		opts Options
		want error
	}{
		{"unknown shape", Options{Shape: "triangle"}, ErrInvalidOption},
		{"unknown projection", Options{Projection: "4d"}, ErrInvalidOption},
		{"use_raw without raw", Options{Color: []string{"g1"}, UseRaw: &yes}, ErrInvalidOption},
		{"use_raw with layer", Options{Color: []string{"g1"}, UseRaw: &yes, Layer: "counts"}, ErrInvalidOption},
		{"norm with vmin", Options{Color: []string{"score"}, VMin: []VBound{Value(0)}, Norm: []figure.Normalizer{figure.NewLinear(math.NaN(), math.NaN())}}, ErrInvalidOption},
		{"NA category", Options{Color: []string{"withNA"}}, ErrInvalidOption},
		{"unknown color", Options{Color: []string{"nope"}}, ErrKeyNotFound},
		{"libraries without key", Options{LibraryID: []string{"A", "B"}}, ErrInvalidOption},
		{"library not in obs", Options{LibraryID: []string{"C"}, LibraryKey: "library"}, ErrInvalidOption},
		{"size length", Options{LibraryKey: "library", Size: []float64{1, 2, 3}}, ErrInvalidOption},
		{"unknown cmap", Options{Color: []string{"score"}, Cmap: "rainbowish"}, ErrInvalidOption},
		{"missing graph", Options{Edges: true, ConnectivityKey: "knn"}, ErrKeyNotFound},
		{"seg without cell ids", Options{Seg: true}, ErrInvalidOption},
		{"3d on 2d coords", Options{Projection: "3d", SpatialKey: "flat"}, ErrInvalidOption},
		{"unknown embedding", Options{SpatialKey: "umap"}, ErrKeyNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Plot(ds, tc.opts); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
