//go:build !soma

package soma

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStubReaderChecksPathButServesNoGenes(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "experiment.soma"), 0o755); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.Supported() {
		t.Fatal("stub reader should not be supported")
	}
	if r.ExperimentURI() != filepath.Join(dir, "experiment.soma") {
		t.Fatalf("ExperimentURI=%q", r.ExperimentURI())
	}
	if _, err := r.GeneVector("Sox17", 3); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("GeneVector err=%v, want ErrUnsupported", err)
	}
}
