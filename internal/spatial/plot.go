package spatial

import (
	"fmt"
	"image"
	"image/color"
	"log"
	"math"
	"slices"
	"sort"

	"github.com/spatialplot/server/internal/data/annot"
	"github.com/spatialplot/server/internal/figure"
	"github.com/spatialplot/server/pkg/colormap"
)

// Plot draws one panel per (color, library) pair. Panels are ordered by color
// first unless LibraryFirst is set. A single panel fills a figure of Figsize;
// several panels are laid out on a grid of NCols columns.
func Plot(ds *annot.Dataset, opts Options) (*figure.Figure, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	p, err := newPlotter(ds, opts)
	if err != nil {
		return nil, err
	}

	nColors, nLibs := len(opts.Color), len(p.libs)
	nPanels := nColors * nLibs

	var (
		fig   *figure.Figure
		boxes []figure.Box
	)
	if nPanels > 1 {
		wspace := figure.DefaultWSpace(opts.Figsize[0])
		if opts.WSpace != nil {
			wspace = *opts.WSpace
		}
		hspace := DefaultHSpace
		if opts.HSpace != nil {
			hspace = *opts.HSpace
		}
		w, h, grid := figure.PanelGrid(nPanels, opts.NCols, wspace, hspace, opts.Figsize[0], opts.Figsize[1])
		fig = figure.New(w, h, opts.DPI)
		boxes = grid
	} else {
		fig = figure.New(opts.Figsize[0], opts.Figsize[1], opts.DPI)
		boxes = []figure.Box{figure.SinglePanel()}
	}

	for count := 0; count < nPanels; count++ {
		ci, li := count/nLibs, count%nLibs
		if opts.LibraryFirst {
			li, ci = count/nColors, count%nColors
		}
		panel, err := p.panel(fig, boxes[count], count, opts.Color[ci], li, nPanels > 1)
		if err != nil {
			return nil, err
		}
		fig.Panels = append(fig.Panels, panel)
	}
	fig.FitMargins()
	return fig, nil
}

// plotter holds the options resolved once per plot.
type plotter struct {
	ds   *annot.Dataset
	opts Options

	libs   []string
	scale  []float64
	size   []float64
	images []image.Image
	coords []LibraryCoords
	crops  [][4]float64
	dx     []float64
	ids    []int64

	useRaw     bool
	na         color.Color
	cmap       colormap.Colormap
	outline    [2]color.Color
	edgeColor  color.Color
	frameon    bool
	alpha      float64
	imgAlpha   float64
	bold       bool
	naInLegend bool

	titleWarned bool
}

func newPlotter(ds *annot.Dataset, opts Options) (*plotter, error) {
	libs, err := ResolveLibraryIDs(ds, opts)
	if err != nil {
		return nil, err
	}
	if len(libs) == 0 {
		return nil, fmt.Errorf("%w: no library to plot", ErrInvalidOption)
	}

	p := &plotter{ds: ds, opts: opts, libs: libs}
	if opts.shaped() {
		attrs, err := ResolveSpatialAttrs(ds, opts, libs)
		if err != nil {
			return nil, err
		}
		p.scale, p.size, p.images = attrs.ScaleFactor, attrs.Size, attrs.Images
	} else {
		if p.size, err = broadcastOr("size", opts.Size, 120000/float64(max(ds.NObs(), 1)), len(libs)); err != nil {
			return nil, err
		}
		if p.scale, err = broadcastOr("scale_factor", opts.ScaleFactor, 1.0, len(libs)); err != nil {
			return nil, err
		}
		p.images = make([]image.Image, len(libs))
		if !opts.NoImage && len(opts.Images) > 0 {
			imgs, err := Broadcast("img", opts.Images, len(libs))
			if err != nil {
				return nil, err
			}
			for i, im := range imgs {
				if opts.BW && im != nil {
					im = toGray(im)
				}
				p.images[i] = im
			}
		}
	}

	if err := checkLibraryKey(ds, opts.LibraryKey, libs); err != nil {
		return nil, err
	}
	if p.coords, err = Coords(ds, opts.SpatialKey, libs, p.scale, opts.LibraryKey); err != nil {
		return nil, err
	}
	if len(opts.CropCoord) > 0 {
		if p.crops, err = Broadcast("crop_coord", opts.CropCoord, len(libs)); err != nil {
			return nil, err
		}
		for i := range p.coords {
			p.coords[i] = p.coords[i].Crop(p.crops[i])
		}
	}
	if p.dx, err = Broadcast("scalebar_dx", opts.ScalebarDX, len(libs)); err != nil {
		return nil, err
	}
	if p.useRaw, err = resolveUseRaw(ds, opts); err != nil {
		return nil, err
	}

	if p.na, err = parseOptionColor("na_color", opts.NAColor); err != nil {
		return nil, err
	}
	for i, name := range opts.OutlineColor {
		if p.outline[i], err = parseOptionColor("outline_color", name); err != nil {
			return nil, err
		}
	}
	if p.edgeColor, err = parseOptionColor("edges_color", opts.EdgesColor); err != nil {
		return nil, err
	}
	cmap, ok := colormap.Lookup(opts.Cmap)
	if !ok {
		return nil, fmt.Errorf("%w: unknown cmap %q, available: %v", ErrInvalidOption, opts.Cmap, colormap.Names())
	}
	p.cmap = cmap

	if opts.Edges {
		if _, ok := ds.Obsp[opts.ConnectivityKey]; !ok {
			return nil, fmt.Errorf("obsp[%q]: %w", opts.ConnectivityKey, ErrKeyNotFound)
		}
	}
	if opts.Seg {
		if p.ids, err = cellIDs(ds, opts.SegCellIDKey); err != nil {
			return nil, err
		}
	}

	p.frameon = opts.Frameon == nil || *opts.Frameon
	switch {
	case opts.Alpha != nil:
		p.alpha = *opts.Alpha
	case opts.AddOutline:
		p.alpha = 0.7
	default:
		p.alpha = 1
	}
	p.imgAlpha = 1
	if opts.ImgAlpha != nil {
		p.imgAlpha = *opts.ImgAlpha
	}
	p.bold, _ = parseFontWeight(opts.LegendFontWeight)
	p.naInLegend = opts.NAInLegend == nil || *opts.NAInLegend
	return p, nil
}

// resolveUseRaw defaults to raw when no layer is given and raw exists.
func resolveUseRaw(ds *annot.Dataset, opts Options) (bool, error) {
	if opts.UseRaw == nil {
		return opts.Layer == "" && ds.Raw != nil, nil
	}
	useRaw := *opts.UseRaw
	if useRaw && opts.Layer != "" {
		return false, fmt.Errorf("%w: cannot use both a layer and the raw representation, got use_raw=true layer=%q", ErrInvalidOption, opts.Layer)
	}
	if useRaw && ds.Raw == nil {
		return false, fmt.Errorf("%w: use_raw=true but the dataset has no raw", ErrInvalidOption)
	}
	return useRaw, nil
}

func parseOptionColor(name, s string) (color.Color, error) {
	c, err := colormap.ParseColor(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOption, name, err)
	}
	return c, nil
}

func (p *plotter) title(count int, value string) string {
	if p.opts.Title == nil {
		return value
	}
	if count < len(p.opts.Title) {
		return p.opts.Title[count]
	}
	if !p.titleWarned {
		log.Printf("[spatial] WARNING: the title list is shorter than the number of panels, using the color value for the remaining panels")
		p.titleWarned = true
	}
	return value
}

func (p *plotter) panel(fig *figure.Figure, box figure.Box, count int, value string, li int, multi bool) (*figure.Panel, error) {
	src, err := SourceVector(p.ds, value, p.useRaw, p.opts)
	if err != nil {
		return nil, err
	}
	c := p.coords[li]
	vec := src.Subset(c.Rows)
	cv, err := ColorVector(p.ds, value, vec, p.opts.Palette, p.na)
	if err != nil {
		return nil, err
	}

	panel := &figure.Panel{
		Box:     box,
		Title:   p.title(count, value),
		Frameon: p.frameon,
	}

	colors := cv.Colors
	var norm figure.Normalizer
	if value != "" && !cv.Categorical {
		norm, err = ResolveNorm(p.opts.VMin, p.opts.VMax, p.opts.VCenter, p.opts.Norm, count, cv.Values)
		if err != nil {
			return nil, err
		}
		colors = make([]color.Color, len(cv.Values))
		for i, v := range cv.Values {
			colors[i] = figure.MapColor(p.cmap, norm, v, p.na)
		}
	}

	threeD := p.opts.Projection == "3d"
	xs, ys := c.X, c.Y
	if threeD {
		if c.Z == nil {
			return nil, fmt.Errorf("%w: projection 3d needs three coordinate columns in obsm[%q]", ErrInvalidOption, p.opts.SpatialKey)
		}
		xs = make([]float64, c.Len())
		ys = make([]float64, c.Len())
		for i := range xs {
			xs[i], ys[i] = figure.Project3D(c.X[i], c.Y[i], c.Z[i])
		}
	}

	if img := p.images[li]; img != nil && !threeD && p.imgAlpha > 0 {
		b := img.Bounds()
		panel.Image = &figure.ImageLayer{
			Image:  img,
			Alpha:  p.imgAlpha,
			Extent: figure.View{X0: 0, X1: float64(b.Dx()), Y0: 0, Y1: float64(b.Dy())},
		}
	}

	if p.opts.Seg {
		lib, err := p.ds.Library(p.opts.SpatialKey, p.libs[li])
		if err != nil {
			return nil, err
		}
		mask, ok := lib.Segmentations[p.opts.SegKey]
		if !ok {
			return nil, fmt.Errorf("segmentation %q in library %q: %w", p.opts.SegKey, p.libs[li], ErrKeyNotFound)
		}
		panel.Overlays = append(panel.Overlays,
			segmentationLayer(mask, p.ids, c.Rows, colors, p.alpha, p.opts.SegOutline, p.opts.SegContourPx))
	} else {
		panel.Scatters = p.scatters(xs, ys, li, colors, threeD)
	}

	if p.opts.Edges && !threeD {
		g := p.ds.Obsp[p.opts.ConnectivityKey]
		panel.Edges = edgeLayer(g, LibraryCoords{X: xs, Y: ys, Rows: c.Rows}, p.opts.EdgesWidth, p.edgeColor)
	}

	view := p.view(panel, xs, ys, li)

	if value != "" {
		if cv.Categorical {
			legend, err := p.legend(vec, cv, xs, ys)
			if err != nil {
				return nil, err
			}
			panel.Legend = legend
			if multi {
				panel.Box = figure.ShrinkForLegend(panel.Box)
			}
		} else {
			axes, bar := figure.ShrinkForColorbar(panel.Box, fig.Width, fig.Height)
			panel.Box = axes
			panel.Colorbar = &figure.Colorbar{
				Cmap:  p.cmap,
				Norm:  norm,
				Ticks: figure.ColorbarTicks(norm),
				Box:   bar,
			}
		}
	}

	panel.View = view.FitAspect(panel.Box.Width()*fig.Width, panel.Box.Height()*fig.Height)
	if p.dx != nil && !threeD {
		panel.Scalebar = figure.NewScalebar(panel.View, p.dx[li], p.opts.ScalebarUnits)
	}
	return panel, nil
}

// scatters returns the marker layers of a panel, outline rings first.
func (p *plotter) scatters(xs, ys []float64, li int, colors []color.Color, threeD bool) []*figure.ScatterLayer {
	marker := figure.MarkerPoint
	size := p.size[li]
	if !threeD && p.opts.Shape != ShapeNone {
		// Spot sizes are diameters in full-resolution pixels.
		r := size * p.scale[li] / 2
		switch p.opts.Shape {
		case ShapeCircle:
			marker, size = figure.MarkerCircle, r
		case ShapeSquare:
			marker, size = figure.MarkerSquare, 2*r*math.Sin(math.Pi/4)
		case ShapeHex:
			marker, size = figure.MarkerHex, 2*r*math.Sin(math.Pi/6)
		}
	}

	var layers []*figure.ScatterLayer
	if p.opts.AddOutline && !threeD {
		bgWidth, gapWidth := p.opts.OutlineWidth[0], p.opts.OutlineWidth[1]
		var bgSize, gapSize float64
		if marker == figure.MarkerPoint {
			point := math.Sqrt(size)
			gapSize = math.Pow(point+point*gapWidth*2, 2)
			bgSize = math.Pow(math.Sqrt(gapSize)+point*bgWidth*2, 2)
		} else {
			gapSize = size * (1 + 2*gapWidth)
			bgSize = gapSize + 2*size*bgWidth
		}
		layers = append(layers,
			&figure.ScatterLayer{Marker: marker, X: xs, Y: ys, Sizes: []float64{bgSize}, Colors: []color.Color{p.outline[0]}, Alpha: 1},
			&figure.ScatterLayer{Marker: marker, X: xs, Y: ys, Sizes: []float64{gapSize}, Colors: []color.Color{p.outline[1]}, Alpha: 1},
		)
	}
	return append(layers, &figure.ScatterLayer{
		Marker: marker,
		X:      xs,
		Y:      ys,
		Sizes:  []float64{size},
		Colors: colors,
		Alpha:  p.alpha,
	})
}

// view is the visible data range before aspect correction: the crop box when
// given, else the markers (padded by 5% when nothing else bounds them) joined
// with the background and overlay extents.
func (p *plotter) view(panel *figure.Panel, xs, ys []float64, li int) figure.View {
	if p.crops != nil {
		c := p.crops[li]
		return figure.View{X0: c[0], X1: c[1], Y0: c[2], Y1: c[3]}
	}
	var v figure.View
	for _, s := range panel.Scatters {
		v = v.Union(s.Bounds())
	}
	if len(panel.Scatters) == 0 {
		v = (&figure.ScatterLayer{X: xs, Y: ys}).Bounds()
	}
	if panel.Image == nil && len(panel.Overlays) == 0 {
		if len(xs) == 0 {
			return v
		}
		return v.Pad(0.05)
	}
	if panel.Image != nil {
		v = panel.Image.Extent.Union(v)
	}
	for _, o := range panel.Overlays {
		v = o.Extent.Union(v)
	}
	return v
}

func (p *plotter) legend(vec annot.Vector, cv ColorValues, xs, ys []float64) (*figure.Legend, error) {
	loc := figure.LegendLoc(p.opts.LegendLoc)
	if loc == figure.LegendNone {
		return nil, nil
	}

	showNA := p.naInLegend && vec.HasMissing()
	if showNA && slices.Contains(vec.Categories, "NA") {
		return nil, fmt.Errorf("%w: %q already has a category named NA, set na_in_legend=false", ErrInvalidOption, vec.Name)
	}

	legend := &figure.Legend{Loc: loc, FontSize: p.opts.LegendFontSize}
	kept := func(i int) bool {
		return len(p.opts.Groups) == 0 || slices.Contains(p.opts.Groups, vec.Categories[i])
	}

	switch loc {
	case figure.LegendRightMargin:
		for i, cat := range vec.Categories {
			if kept(i) {
				legend.Entries = append(legend.Entries, figure.LegendEntry{Label: cat, Color: cv.Palette[i]})
			}
		}
		if showNA {
			legend.Entries = append(legend.Entries, figure.LegendEntry{Label: "NA", Color: p.na})
		}
		legend.Columns = figure.LegendColumns(len(legend.Entries))

	case figure.LegendOnData:
		legend.Bold = p.bold
		legend.FontOutline = p.opts.LegendFontOutline
		byCode := make(map[int32][]int)
		for i, code := range vec.Codes {
			if code < 0 && !showNA {
				continue
			}
			if code < 0 {
				code = -1
			}
			byCode[code] = append(byCode[code], i)
		}
		add := func(code int32, label string, col color.Color) {
			rows := byCode[code]
			if len(rows) == 0 {
				return
			}
			legend.Entries = append(legend.Entries, figure.LegendEntry{
				Label: label,
				Color: col,
				X:     median(xs, rows),
				Y:     median(ys, rows),
			})
		}
		for i, cat := range vec.Categories {
			add(int32(i), cat, cv.Palette[i])
		}
		if showNA {
			add(-1, "NA", p.na)
		}
	}
	if len(legend.Entries) == 0 {
		return nil, nil
	}
	return legend, nil
}

func median(values []float64, rows []int) float64 {
	vals := make([]float64, 0, len(rows))
	for _, r := range rows {
		if !math.IsNaN(values[r]) {
			vals = append(vals, values[r])
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}
