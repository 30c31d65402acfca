// Package config handles configuration loading for the spatial plot server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Jobs   JobsConfig   `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Title       string   `yaml:"title"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatasetConfig points at one dataset on disk.
type DatasetConfig struct {
	ZarrPath string `yaml:"zarr_path"`
	SomaPath string `yaml:"soma_path"`
}

// DataConfig contains data source settings. The YAML form is either a single
// dataset (zarr_path/soma_path at the top level, registered as "default") or
// a map of dataset id to DatasetConfig. Map order is preserved and the first
// entry becomes the default.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string

	order []string
}

// DatasetIDs returns dataset ids in config order.
func (d DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// UnmarshalYAML decodes both the legacy and the multi-dataset forms.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %v", node.Tag)
	}

	legacy := false
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "zarr_path", "soma_path":
			legacy = true
		}
	}

	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil
	if legacy {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.add("default", ds)
		return nil
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		if id == "default_dataset" {
			d.DefaultDataset = node.Content[i+1].Value
			continue
		}
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.add(id, ds)
	}
	return nil
}

func (d *DataConfig) add(id string, ds DatasetConfig) {
	if _, ok := d.Datasets[id]; !ok {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	FigureSizeMB      int `yaml:"figure_size_mb"`
	FigureTTLMinutes  int `yaml:"figure_ttl_minutes"`
	MaxFigureSizeKB   int `yaml:"max_figure_size_kb"`
	QueryCacheEntries int `yaml:"query_cache_entries"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	FigDir          string     `yaml:"fig_dir"`
	DefaultColormap string     `yaml:"default_colormap"`
	Frameon         *bool      `yaml:"frameon"`
	Figsize         [2]float64 `yaml:"figsize"`
	DPI             float64    `yaml:"dpi"`
	JPEGQuality     int        `yaml:"jpeg_quality"`
	MaxPixels       int        `yaml:"max_pixels"`
}

// JobsConfig contains render job settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if cfg.Data.DefaultDataset != "" {
		if _, ok := cfg.Data.Datasets[cfg.Data.DefaultDataset]; !ok {
			return nil, fmt.Errorf("default_dataset %q is not configured", cfg.Data.DefaultDataset)
		}
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	data := DataConfig{DefaultDataset: "default"}
	data.Datasets = make(map[string]DatasetConfig)
	data.add("default", DatasetConfig{ZarrPath: "./data/spatial.zarr"})

	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: data,
		Cache: CacheConfig{
			FigureSizeMB:      256,
			FigureTTLMinutes:  10,
			MaxFigureSizeKB:   4096,
			QueryCacheEntries: 1000,
		},
		Render: RenderConfig{
			FigDir:          "./figures",
			DefaultColormap: "viridis",
			DPI:             100,
			JPEGQuality:     90,
			MaxPixels:       64_000_000,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			SQLitePath:    "./data/render_jobs.sqlite",
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Data.DefaultDataset == "" && len(cfg.Data.order) > 0 {
		cfg.Data.DefaultDataset = cfg.Data.order[0]
	}
	if cfg.Cache.FigureSizeMB == 0 {
		cfg.Cache.FigureSizeMB = defaults.Cache.FigureSizeMB
	}
	if cfg.Cache.FigureTTLMinutes == 0 {
		cfg.Cache.FigureTTLMinutes = defaults.Cache.FigureTTLMinutes
	}
	if cfg.Cache.MaxFigureSizeKB == 0 {
		cfg.Cache.MaxFigureSizeKB = defaults.Cache.MaxFigureSizeKB
	}
	if cfg.Cache.QueryCacheEntries == 0 {
		cfg.Cache.QueryCacheEntries = defaults.Cache.QueryCacheEntries
	}
	if cfg.Render.FigDir == "" {
		cfg.Render.FigDir = defaults.Render.FigDir
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.DPI == 0 {
		cfg.Render.DPI = defaults.Render.DPI
	}
	if cfg.Render.JPEGQuality == 0 {
		cfg.Render.JPEGQuality = defaults.Render.JPEGQuality
	}
	if cfg.Render.MaxPixels == 0 {
		cfg.Render.MaxPixels = defaults.Render.MaxPixels
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}
