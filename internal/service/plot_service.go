// Package service provides business logic for the figure server.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spatialplot/server/internal/cache"
	"github.com/spatialplot/server/internal/data/annot"
	"github.com/spatialplot/server/internal/data/soma"
	"github.com/spatialplot/server/internal/figure"
	"github.com/spatialplot/server/internal/render"
	"github.com/spatialplot/server/internal/spatial"
	"github.com/spatialplot/server/pkg/colormap"
)

// ErrDatasetUnavailable wraps dataset load failures.
var ErrDatasetUnavailable = errors.New("dataset unavailable")

// DatasetSource loads a dataset. zarr.Reader implements it.
type DatasetSource interface {
	Load() (*annot.Dataset, error)
}

// Defaults are server-wide plot defaults applied to requests that leave the
// corresponding option unset.
type Defaults struct {
	Cmap    string
	Frameon *bool
	Figsize [2]float64
	DPI     float64
}

// PlotServiceConfig contains plot service configuration.
type PlotServiceConfig struct {
	DatasetID  string
	Source     DatasetSource
	SomaReader *soma.Reader
	Cache      *cache.Manager
	Renderer   *render.FigureRenderer
	Defaults   Defaults
}

// PlotService renders spatial figures for one dataset.
type PlotService struct {
	datasetID string
	source    DatasetSource
	soma      *soma.Reader
	cache     *cache.Manager
	renderer  *render.FigureRenderer
	defaults  Defaults

	loadOnce sync.Once
	dataset  *annot.Dataset
	loadErr  error
	loaded   atomic.Pointer[annot.Dataset]
}

// NewPlotService creates a new plot service.
func NewPlotService(cfg PlotServiceConfig) *PlotService {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}
	return &PlotService{
		datasetID: datasetID,
		source:    cfg.Source,
		soma:      cfg.SomaReader,
		cache:     cfg.Cache,
		renderer:  cfg.Renderer,
		defaults:  cfg.Defaults,
	}
}

// PlotRequest is a plot call as submitted over HTTP. Norm names one
// normalization per panel: "linear", "log" or "twoslope", optionally with
// bounds ("log:1:100", "twoslope:-1:0:1").
type PlotRequest struct {
	spatial.Options
	Norms spatial.List[string] `json:"norm,omitempty"`
}

// DatasetID returns the dataset id.
func (s *PlotService) DatasetID() string {
	return s.datasetID
}

// DatasetStatus describes a dataset without loading it.
type DatasetStatus struct {
	Loaded bool   `json:"loaded"`
	NObs   int    `json:"n_obs,omitempty"`
	NVars  int    `json:"n_vars,omitempty"`
	Soma   string `json:"soma,omitempty"`
	// SomaEnabled is false when the binary was built without TileDB.
	SomaEnabled bool `json:"soma_enabled"`
}

// Status reports the dataset state. It never triggers a load.
func (s *PlotService) Status() DatasetStatus {
	var st DatasetStatus
	if ds := s.loaded.Load(); ds != nil {
		st.Loaded = true
		st.NObs = ds.NObs()
		st.NVars = len(ds.VarNames)
	}
	if s.soma != nil {
		st.Soma = s.soma.ExperimentURI()
		st.SomaEnabled = s.soma.Supported()
	}
	return st
}

// Dataset loads the dataset on first use.
func (s *PlotService) Dataset() (*annot.Dataset, error) {
	s.loadOnce.Do(func() {
		if s.source == nil {
			s.loadErr = fmt.Errorf("%w: no source configured for %s", ErrDatasetUnavailable, s.datasetID)
			return
		}
		ds, err := s.source.Load()
		if err != nil {
			s.loadErr = fmt.Errorf("%w: failed to load %s: %v", ErrDatasetUnavailable, s.datasetID, err)
			return
		}
		if s.soma != nil && s.soma.Supported() {
			ds.Genes = s.soma
		}
		log.Printf("[PlotService] loaded dataset %s: %d obs, %d vars", s.datasetID, ds.NObs(), len(ds.VarNames))
		s.dataset = ds
		s.loaded.Store(ds)
	})
	return s.dataset, s.loadErr
}

// Options resolves a request into plot options with the server defaults.
func (s *PlotService) Options(req PlotRequest) (spatial.Options, error) {
	opts := req.Options
	if opts.Cmap == "" {
		opts.Cmap = s.defaults.Cmap
	}
	if opts.Frameon == nil {
		opts.Frameon = s.defaults.Frameon
	}
	if opts.Figsize[0] <= 0 || opts.Figsize[1] <= 0 {
		opts.Figsize = s.defaults.Figsize
	}
	if opts.DPI <= 0 {
		opts.DPI = s.defaults.DPI
	}
	if len(req.Norms) > 0 {
		opts.Norm = make([]figure.Normalizer, len(req.Norms))
		for i, name := range req.Norms {
			n, err := ParseNorm(name)
			if err != nil {
				return spatial.Options{}, err
			}
			opts.Norm[i] = n
		}
	}
	return opts, nil
}

// Plot builds the figure for a request.
func (s *PlotService) Plot(req PlotRequest) (*figure.Figure, error) {
	ds, err := s.Dataset()
	if err != nil {
		return nil, err
	}
	opts, err := s.Options(req)
	if err != nil {
		return nil, err
	}
	return spatial.Plot(ds, opts)
}

// Render returns the encoded figure for a request. Results are cached by
// request content; the bool reports a cache hit.
func (s *PlotService) Render(req PlotRequest, format render.Format) ([]byte, bool, error) {
	key, err := cache.FigureKey(s.datasetID, string(format), req)
	if err != nil {
		return nil, false, err
	}
	if s.cache != nil {
		if data, ok := s.cache.GetFigure(key); ok {
			return data, true, nil
		}
	}

	fig, err := s.Plot(req)
	if err != nil {
		return nil, false, err
	}
	data, err := s.renderer.Render(fig, format)
	if err != nil {
		return nil, false, err
	}

	if s.cache != nil {
		if err := s.cache.SetFigure(key, data); err != nil {
			log.Printf("[PlotService] figure of %d bytes not cached: %v", len(data), err)
		}
	}
	return data, false, nil
}

// Save renders a request to a file. Relative paths land in the figure
// directory. It returns the file written.
func (s *PlotService) Save(req PlotRequest, path string) (string, error) {
	fig, err := s.Plot(req)
	if err != nil {
		return "", err
	}
	return s.renderer.Save(fig, path)
}

// ParseNorm parses a normalization name. Omitted bounds autoscale.
func ParseNorm(name string) (figure.Normalizer, error) {
	parts := strings.Split(strings.TrimSpace(name), ":")
	bounds := make([]float64, len(parts)-1)
	for i, p := range parts[1:] {
		if p == "" {
			bounds[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: norm %q has an invalid bound %q", spatial.ErrInvalidOption, name, p)
		}
		bounds[i] = v
	}
	bound := func(i int) float64 {
		if i < len(bounds) {
			return bounds[i]
		}
		return math.NaN()
	}

	switch strings.ToLower(parts[0]) {
	case "linear", "normalize":
		if len(bounds) > 2 {
			break
		}
		return figure.NewLinear(bound(0), bound(1)), nil
	case "log", "lognorm":
		if len(bounds) > 2 {
			break
		}
		return figure.NewLog(bound(0), bound(1)), nil
	case "twoslope", "twoslopenorm":
		if len(bounds) != 3 || math.IsNaN(bounds[1]) {
			return nil, fmt.Errorf("%w: norm %q needs vmin:vcenter:vmax", spatial.ErrInvalidOption, name)
		}
		return figure.NewTwoSlope(bounds[0], bounds[1], bounds[2]), nil
	default:
		return nil, fmt.Errorf("%w: unknown norm %q", spatial.ErrInvalidOption, name)
	}
	return nil, fmt.Errorf("%w: norm %q has too many bounds", spatial.ErrInvalidOption, name)
}

// ColumnInfo describes one obs column.
type ColumnInfo struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Categories []string `json:"categories,omitempty"`
}

// Metadata summarizes a dataset.
type Metadata struct {
	DatasetID   string              `json:"dataset_id"`
	Name        string              `json:"name"`
	NObs        int                 `json:"n_obs"`
	NVars       int                 `json:"n_vars"`
	Obs         []ColumnInfo        `json:"obs"`
	Obsm        []string            `json:"obsm"`
	Obsp        []string            `json:"obsp"`
	Layers      []string            `json:"layers"`
	HasRaw      bool                `json:"has_raw"`
	Spatial     map[string][]string `json:"spatial"`
	GeneSource  bool                `json:"gene_source"`
	Colormaps   []string            `json:"colormaps"`
	ColorsInUns []string            `json:"colors_in_uns"`
}

// MetadataJSON returns the encoded dataset summary.
func (s *PlotService) MetadataJSON() ([]byte, error) {
	key := cache.QueryKey(s.datasetID, "metadata", "")
	return s.cachedJSON(key, func(ds *annot.Dataset) (interface{}, error) {
		md := &Metadata{
			DatasetID:  s.datasetID,
			Name:       ds.Name,
			NObs:       ds.NObs(),
			NVars:      len(ds.VarNames),
			Obsm:       sortedKeys(ds.Obsm),
			Obsp:       sortedKeys(ds.Obsp),
			Layers:     sortedKeys(ds.Layers),
			HasRaw:     ds.Raw != nil,
			Spatial:    make(map[string][]string),
			GeneSource: ds.Genes != nil,
			Colormaps:  colormap.Names(),
		}
		for _, name := range ds.Obs.Names() {
			col, _ := ds.Obs.Column(name)
			info := ColumnInfo{Name: name, Type: "numeric"}
			if col.Kind == annot.Categorical {
				info.Type = "categorical"
				info.Categories = col.Categories
			}
			md.Obs = append(md.Obs, info)
		}
		for key := range ds.Uns.Spatial {
			libs, _ := ds.SpatialLibraries(key)
			md.Spatial[key] = libs
		}
		md.ColorsInUns = sortedKeys(ds.Uns.Colors)
		return md, nil
	})
}

// LibraryInfo describes the spatial metadata of one library.
type LibraryInfo struct {
	LibraryID     string             `json:"library_id"`
	Images        map[string][2]int  `json:"images"`
	ScaleFactors  map[string]float64 `json:"scalefactors"`
	Segmentations []string           `json:"segmentations,omitempty"`
}

// Libraries lists the libraries stored under uns[spatialKey].
func (s *PlotService) Libraries(spatialKey string) ([]LibraryInfo, error) {
	if spatialKey == "" {
		spatialKey = spatial.DefaultSpatialKey
	}
	ds, err := s.Dataset()
	if err != nil {
		return nil, err
	}
	ids, err := ds.SpatialLibraries(spatialKey)
	if err != nil {
		return nil, err
	}
	out := make([]LibraryInfo, 0, len(ids))
	for _, id := range ids {
		lib, err := ds.Library(spatialKey, id)
		if err != nil {
			return nil, err
		}
		info := LibraryInfo{
			LibraryID:     id,
			Images:        make(map[string][2]int, len(lib.Images)),
			ScaleFactors:  lib.ScaleFactors,
			Segmentations: sortedKeys(lib.Segmentations),
		}
		for k, img := range lib.Images {
			b := img.Bounds()
			info.Images[k] = [2]int{b.Dx(), b.Dy()}
		}
		out = append(out, info)
	}
	return out, nil
}

// CategoryLegendItem is one category of an obs column.
type CategoryLegendItem struct {
	Value     string `json:"value"`
	Color     string `json:"color"`
	Index     int    `json:"index"`
	CellCount int    `json:"cell_count"`
}

// CategoryLegend returns the categories of an obs column with the colors a
// plot without an explicit palette would use.
func (s *PlotService) CategoryLegend(column string) ([]CategoryLegendItem, error) {
	ds, err := s.Dataset()
	if err != nil {
		return nil, err
	}
	col, ok := ds.Obs.Column(column)
	if !ok {
		return nil, fmt.Errorf("obs column %q: %w", column, annot.ErrKeyNotFound)
	}
	if col.Kind != annot.Categorical {
		return nil, fmt.Errorf("%w: obs column %q is not categorical", spatial.ErrInvalidOption, column)
	}

	colors, err := spatial.ResolvePalette(ds, column, col.Categories, spatial.Palette{})
	if err != nil {
		return nil, err
	}

	// Calculate cell counts per category
	counts := make([]int, len(col.Categories))
	for _, code := range col.Codes {
		if code >= 0 && int(code) < len(counts) {
			counts[code]++
		}
	}

	legend := make([]CategoryLegendItem, len(col.Categories))
	for i, value := range col.Categories {
		legend[i] = CategoryLegendItem{
			Value:     value,
			Color:     colormap.ToHex(colors[i]),
			Index:     i,
			CellCount: counts[i],
		}
	}
	return legend, nil
}

func (s *PlotService) cachedJSON(key string, build func(*annot.Dataset) (interface{}, error)) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			return data, nil
		}
	}
	ds, err := s.Dataset()
	if err != nil {
		return nil, err
	}
	v, err := build(ds)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if s.cache != nil {
		s.cache.SetQuery(key, data)
	}
	return data, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
