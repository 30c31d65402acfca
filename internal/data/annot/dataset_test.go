package annot

import (
	"errors"
	"math"
	"testing"
)

type fakeGenes map[string][]float64

func (f fakeGenes) GeneVector(gene string, nObs int) ([]float64, error) {
	v, ok := f[gene]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

func testDataset() *Dataset {
	ds := New("test", 3)
	ds.Obs.Add(&Column{Name: "cluster", Kind: Categorical, Codes: []int32{0, 1, -1}, Categories: []string{"a", "b"}})
	ds.Obs.Add(&Column{Name: "n_counts", Kind: Numeric, Values: []float64{1, 2, math.NaN()}})
	x := NewMatrix(3, 2)
	x.Set(0, 1, 5)
	x.Set(2, 1, 7)
	ds.SetVar([]string{"Gene1", "Gene2"}, x)
	ds.Var.Add(&Column{Name: "symbol", Kind: Categorical, Codes: []int32{0, 1}, Categories: []string{"S1", "S2"}})
	return ds
}

func TestObsVector(t *testing.T) {
	ds := testDataset()

	v, err := ds.ObsVector("cluster", "")
	if err != nil {
		t.Fatalf("ObsVector(cluster) error: %v", err)
	}
	if !v.Categorical || !v.HasMissing() {
		t.Fatalf("expected categorical vector with missing values: %+v", v)
	}

	v, err = ds.ObsVector("Gene2", "")
	if err != nil {
		t.Fatalf("ObsVector(Gene2) error: %v", err)
	}
	if v.Categorical || v.Values[0] != 5 || v.Values[2] != 7 {
		t.Fatalf("unexpected Gene2 vector: %+v", v)
	}

	if _, err := ds.ObsVector("missing", ""); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if _, err := ds.ObsVector("Gene2", "counts"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected missing layer error, got %v", err)
	}
}

func TestObsVectorGeneSourceFallback(t *testing.T) {
	ds := testDataset()
	ds.Genes = fakeGenes{"Extra": {9, 8, 7}}

	v, err := ds.ObsVector("Extra", "")
	if err != nil {
		t.Fatalf("ObsVector(Extra) error: %v", err)
	}
	if v.Values[0] != 9 {
		t.Fatalf("unexpected fallback vector: %v", v.Values)
	}
}

func TestVarNameWhere(t *testing.T) {
	ds := testDataset()

	name, err := ds.VarNameWhere("symbol", "S2")
	if err != nil {
		t.Fatalf("VarNameWhere error: %v", err)
	}
	if name != "Gene2" {
		t.Fatalf("expected Gene2, got %q", name)
	}
}

func TestVectorSubset(t *testing.T) {
	ds := testDataset()
	v, _ := ds.ObsVector("cluster", "")

	sub := v.Subset([]int{2, 0})
	if sub.Len() != 2 || sub.Codes[0] != -1 || sub.Codes[1] != 0 {
		t.Fatalf("unexpected subset: %+v", sub)
	}
}

func TestSpatialLibrariesMissing(t *testing.T) {
	ds := testDataset()
	if _, err := ds.SpatialLibraries("spatial"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	ds.Uns.Spatial["spatial"] = map[string]*Library{"b": {}, "a": {}}
	libs, err := ds.SpatialLibraries("spatial")
	if err != nil {
		t.Fatal(err)
	}
	if len(libs) != 2 || libs[0] != "a" {
		t.Fatalf("expected sorted libraries, got %v", libs)
	}
}
