//go:build soma

package soma

import (
	"fmt"
	"math"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/spatialplot/server/internal/data/annot"
)

// Reader provides minimal SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context

	geneOnce sync.Once
	geneMap  map[string]int64 // gene_id -> gene soma_joinid
	geneErr  error
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := openExperiment(somaPath)
	if err != nil {
		return nil, err
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

func (r *Reader) geneJoinID(gene string) (int64, error) {
	r.geneOnce.Do(func() { r.geneErr = r.loadGeneMap() })
	if r.geneErr != nil {
		return 0, r.geneErr
	}
	id, ok := r.geneMap[gene]
	if !ok {
		return 0, fmt.Errorf("gene %s not found in SOMA var: %w", gene, annot.ErrKeyNotFound)
	}
	return id, nil
}

// GeneVector reads one gene's expression for cells 0..nObs-1.
// Absent entries of the sparse X are zero.
func (r *Reader) GeneVector(gene string, nObs int) ([]float64, error) {
	geneJoinID, err := r.geneJoinID(gene)
	if err != nil {
		return nil, err
	}
	if nObs <= 0 {
		return []float64{}, nil
	}

	xURI := r.experimentURI + "/ms/RNA/X/data"
	arr, err := tiledb.NewArray(r.ctx, xURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open X array (%s): %w", xURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open X array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()

	if err := sub.AddRangeByName("soma_dim_0", tiledb.MakeRange[int64](0, int64(nObs-1))); err != nil {
		return nil, fmt.Errorf("failed to add cell range: %w", err)
	}
	if err := sub.AddRangeByName("soma_dim_1", tiledb.MakeRange[int64](geneJoinID, geneJoinID)); err != nil {
		return nil, fmt.Errorf("failed to add gene range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()

	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	// Worst-case nnz for (all cells) x (one gene) is nObs; stream in batches.
	bufSize := nObs
	if bufSize > 1024*1024 {
		bufSize = 1024 * 1024
	}
	outCell := make([]int64, bufSize)
	outGene := make([]int64, bufSize)
	outVal := make([]float32, bufSize)
	valNullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return nil, fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}
	var outValValid []uint8
	if valNullable {
		outValValid = make([]uint8, bufSize)
	}

	values := make([]float64, nObs)
	for {
		if _, err := q.SetDataBuffer("soma_dim_0", outCell); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", outGene); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		// If soma_data is nullable, validity buffer is required.
		if valNullable {
			if _, err := q.SetValidityBuffer("soma_data", outValValid); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed: %w", err)
		}

		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("failed to get result buffer elements: %w", err)
		}
		got := int(elems["soma_data"][1])
		if got > len(outVal) {
			got = len(outVal)
		}
		gotValid := 0
		if valNullable {
			gotValid = int(elems["soma_data"][2])
			if gotValid > len(outValValid) {
				gotValid = len(outValValid)
			}
		}

		cells := outCell[:got]
		vals := outVal[:got]
		if valNullable {
			// Null entries read as zero.
			for i := 0; i < got && i < gotValid; i++ {
				if outValValid[i] == 0 {
					vals[i] = 0
				}
			}
		}
		for i, v := range densify(nObs, cells, vals) {
			if v != 0 {
				values[i] = v
			}
		}

		if status == tiledb.TILEDB_COMPLETED {
			return values, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected query status: %v", status)
		}
	}
}

func (r *Reader) loadGeneMap() error {
	varURI := r.experimentURI + "/ms/RNA/var"
	arr, err := tiledb.NewArray(r.ctx, varURI)
	if err != nil {
		return fmt.Errorf("failed to open var array (%s): %w", varURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open var array for read: %w", err)
	}
	defer arr.Close()

	// Use non-empty domain to avoid relying on potentially unbounded dimension domains.
	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return fmt.Errorf("failed to get var non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		r.geneMap = map[string]int64{}
		return nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return fmt.Errorf("failed to parse var non-empty domain bounds: %w", err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create var subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return fmt.Errorf("failed to set var range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create var query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set var subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return fmt.Errorf("failed to set var query layout: %w", err)
	}

	// Stream in chunks to avoid huge allocations and to handle unbounded domains safely.
	const chunkRows = 4096
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	geneNullable, err := attributeNullable(arr, "gene_id")
	if err != nil {
		return fmt.Errorf("failed to inspect gene_id nullable: %w", err)
	}
	var validity []uint8
	if geneNullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 1024*1024) // 1MB for var-length gene_id bytes

	m := make(map[string]int64, 32768)
	for {
		// Reset buffers each submit so TileDB sees full capacities (buffer sizes are in/out params).
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer("gene_id", offsets); err != nil {
			return fmt.Errorf("failed to set offsets buffer gene_id: %w", err)
		}
		if _, err := q.SetDataBuffer("gene_id", dataBytes); err != nil {
			return fmt.Errorf("failed to set data buffer gene_id: %w", err)
		}
		if geneNullable {
			if _, err := q.SetValidityBuffer("gene_id", validity); err != nil {
				return fmt.Errorf("failed to set validity buffer gene_id: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("var query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("var query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("var query ResultBufferElements failed: %w", err)
		}

		usedJoin := int(elems["soma_joinid"][1])
		usedOffsets := int(elems["gene_id"][0])
		usedBytes := int(elems["gene_id"][1])
		usedValid := 0
		if geneNullable {
			usedValid = int(elems["gene_id"][2])
		}
		if usedJoin > len(joinIDs) {
			usedJoin = len(joinIDs)
		}
		if usedOffsets > len(offsets) {
			usedOffsets = len(offsets)
		}
		if usedBytes > len(dataBytes) {
			usedBytes = len(dataBytes)
		}
		if geneNullable {
			if usedValid > len(validity) {
				usedValid = len(validity)
			}
		}

		// If buffers are too small to return even a single row, grow and retry.
		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return fmt.Errorf("var query buffers too small (gene_id); grew to %d bytes and still no progress", len(dataBytes))
		}

		join := joinIDs[:usedJoin]
		off := offsets[:usedOffsets]
		data := dataBytes[:usedBytes]
		var val []uint8
		if geneNullable {
			val = validity[:usedValid]
		}

		lim := usedJoin
		if usedOffsets < lim {
			lim = usedOffsets
		}
		if geneNullable && usedValid > 0 && usedValid < lim {
			lim = usedValid
		}
		for i := 0; i < lim; i++ {
			if geneNullable && usedValid > 0 && val[i] == 0 {
				continue
			}
			start := int(off[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(off[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			g := string(data[start:end])
			if g != "" {
				m[g] = join[i]
			}
		}

		if status == tiledb.TILEDB_COMPLETED {
			r.geneMap = m
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected TileDB query status for var: %v", status)
		}
	}
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}
