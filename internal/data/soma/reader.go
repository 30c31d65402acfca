// Package soma provides minimal, read-only access to a TileDB-SOMA experiment using TileDB arrays.
//
// It serves as a fallback expression source for var names that are not materialized
// in a dataset's X matrix:
//   - map gene_id -> gene soma_joinid (from ms/RNA/var)
//   - read sparse X for (all cells) x (one gene) (from ms/RNA/X/data)
//
// Cell soma_joinids are expected to equal the dataset's observation rows.
package soma

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spatialplot/server/internal/data/annot"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build server with: go build -tags soma)")
)

var _ annot.GeneSource = (*Reader)(nil)

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}

// openExperiment resolves somaPath and checks that the experiment exists.
func openExperiment(somaPath string) (string, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(uri); err != nil {
		return "", fmt.Errorf("soma experiment not found at %s: %w", uri, err)
	}
	return uri, nil
}

// densify expands sparse (cell -> value) entries into a dense vector of n rows.
// Cells outside [0, n) are ignored.
func densify(n int, cells []int64, values []float32) []float64 {
	out := make([]float64, n)
	for i, c := range cells {
		if c < 0 || c >= int64(n) || i >= len(values) {
			continue
		}
		out[c] = float64(values[i])
	}
	return out
}
