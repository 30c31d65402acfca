package soma

import (
	"path/filepath"
	"testing"
)

func TestResolveExperimentURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/data/soma/experiment.soma", "/data/soma/experiment.soma"},
		{"/data/soma", "/data/soma/experiment.soma"},
		{"/data/soma/", "/data/soma/experiment.soma"},
	}
	for _, tt := range tests {
		got, err := ResolveExperimentURI(tt.in)
		if err != nil {
			t.Fatalf("ResolveExperimentURI(%q) error: %v", tt.in, err)
		}
		if got != filepath.FromSlash(tt.want) {
			t.Fatalf("ResolveExperimentURI(%q)=%q want %q", tt.in, got, tt.want)
		}
	}

	if _, err := ResolveExperimentURI("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestNewReaderMissingExperiment(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing experiment")
	}
}

func TestDensify(t *testing.T) {
	got := densify(4, []int64{2, 0, 9, -1}, []float32{1.5, 3, 7, 8})
	want := []float64{3, 0, 1.5, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("densify=%v want %v", got, want)
		}
	}
}
