//go:build !soma

package soma

import "fmt"

// Reader stands in for the TileDB reader in builds without the soma tag.
// The experiment path is still checked so config errors surface at startup;
// genes are never served, so datasets plot from X alone.
type Reader struct {
	experimentURI string
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := openExperiment(somaPath)
	if err != nil {
		return nil, err
	}
	return &Reader{experimentURI: uri}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

func (r *Reader) GeneVector(gene string, nObs int) ([]float64, error) {
	return nil, fmt.Errorf("failed to read %s from %s: %w", gene, r.experimentURI, ErrUnsupported)
}
