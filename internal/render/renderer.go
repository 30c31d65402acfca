// Package render draws figures to PNG, JPEG, SVG or PDF using fogleman/gg for
// raster output and gonum's vg backends for vector output.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fogleman/gg"

	"github.com/spatialplot/server/internal/figure"
)

// Format is an output encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpg"
	FormatSVG  Format = "svg"
	FormatPDF  Format = "pdf"
)

var (
	// ErrUnsupportedFormat is returned for unknown output formats.
	ErrUnsupportedFormat = errors.New("unsupported figure format")
	// ErrFigureTooLarge is returned when a figure exceeds Config.MaxPixels.
	ErrFigureTooLarge = errors.New("figure too large")
)

// ParseFormat accepts a format name or file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "svg":
		return FormatSVG, nil
	case "pdf":
		return FormatPDF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatSVG:
		return "image/svg+xml"
	case FormatPDF:
		return "application/pdf"
	default:
		return "image/png"
	}
}

// IsVector reports whether the format is drawn with the vector backend.
func (f Format) IsVector() bool {
	return f == FormatSVG || f == FormatPDF
}

// Config contains renderer configuration.
type Config struct {
	// FigDir is where relative save paths are resolved.
	FigDir      string
	JPEGQuality int
	// MaxPixels bounds the raster size of one figure.
	MaxPixels int
}

// FigureRenderer renders figures.
type FigureRenderer struct {
	config       Config
	contextPools sync.Map // [2]int -> *sync.Pool of *gg.Context
	bufferPool   sync.Pool
}

// NewFigureRenderer creates a new figure renderer.
func NewFigureRenderer(cfg Config) *FigureRenderer {
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = 64 * 1024 * 1024
	}
	return &FigureRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

func (r *FigureRenderer) context(w, h int) (*gg.Context, func()) {
	key := [2]int{w, h}
	p, _ := r.contextPools.LoadOrStore(key, &sync.Pool{
		New: func() interface{} {
			return gg.NewContext(w, h)
		},
	})
	pool := p.(*sync.Pool)
	dc := pool.Get().(*gg.Context)
	return dc, func() { pool.Put(dc) }
}

// Render draws the figure and returns the encoded bytes.
func (r *FigureRenderer) Render(fig *figure.Figure, format Format) ([]byte, error) {
	w, h := fig.PixelSize()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid figure size %dx%d", w, h)
	}
	if w*h > r.config.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d pixels exceeds the limit of %d", ErrFigureTooLarge, w, h, r.config.MaxPixels)
	}

	var c Canvas
	switch format {
	case FormatPNG, FormatJPEG:
		dc, release := r.context(w, h)
		defer release()
		c = newRasterCanvas(dc, fig.DPI, format, r.config.JPEGQuality)
	case FormatSVG, FormatPDF:
		vc, err := newVectorCanvas(format, w, h, fig.DPI)
		if err != nil {
			return nil, err
		}
		c = vc
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	if err := drawFigure(c, fig); err != nil {
		return nil, err
	}
	return r.encode(c)
}

func (r *FigureRenderer) encode(c Canvas) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	if err := c.Encode(buf); err != nil {
		return nil, fmt.Errorf("failed to encode figure: %w", err)
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// ResolvePath maps a save path to its location on disk. Relative paths are
// placed under the figure directory and a missing extension defaults to png.
func (r *FigureRenderer) ResolvePath(path string) (string, Format, error) {
	if strings.TrimSpace(path) == "" {
		return "", "", errors.New("empty save path")
	}
	ext := filepath.Ext(path)
	if ext == "" {
		path += ".png"
		ext = ".png"
	}
	format, err := ParseFormat(ext)
	if err != nil {
		return "", "", err
	}
	if !filepath.IsAbs(path) {
		if strings.Contains(filepath.ToSlash(filepath.Clean(path)), "../") || filepath.Clean(path) == ".." {
			return "", "", fmt.Errorf("save path %q escapes the figure directory", path)
		}
		path = filepath.Join(r.config.FigDir, path)
	}
	return path, format, nil
}

// Save renders the figure and writes it to path. It returns the file written.
func (r *FigureRenderer) Save(fig *figure.Figure, path string) (string, error) {
	resolved, format, err := r.ResolvePath(path)
	if err != nil {
		return "", err
	}
	data, err := r.Render(fig, format)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("failed to create figure directory: %w", err)
	}
	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write figure: %w", err)
	}
	return resolved, nil
}

// Rasterize returns the figure as an RGBA image.
func (r *FigureRenderer) Rasterize(fig *figure.Figure) (*image.RGBA, error) {
	w, h := fig.PixelSize()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid figure size %dx%d", w, h)
	}
	dc := gg.NewContext(w, h)
	if err := drawFigure(newRasterCanvas(dc, fig.DPI, FormatPNG, 0), fig); err != nil {
		return nil, err
	}
	img, ok := dc.Image().(*image.RGBA)
	if !ok {
		return nil, errors.New("unexpected raster image type")
	}
	return img, nil
}

func background(fig *figure.Figure) color.Color {
	if fig.Background == nil {
		return color.White
	}
	return fig.Background
}
