// Package zarr provides a reader for annotated datasets stored as Zarr v3 arrays
// with a metadata.json sidecar holding the string-valued annotations.
package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Reader provides access to a dataset store.
type Reader struct {
	basePath string
	metaDir  string
	metadata *StoreMetadata
	mu       sync.RWMutex
	decoder  *zstd.Decoder
}

// StoreMetadata contains metadata about the dataset store.
type StoreMetadata struct {
	FormatVersion string                `json:"format_version"`
	DatasetName   string                `json:"dataset_name"`
	NObs          int                   `json:"n_obs"`
	ObsNames      []string              `json:"obs_names"`
	VarNames      []string              `json:"var_names"`
	RawVarNames   []string              `json:"raw_var_names,omitempty"`
	Obs           map[string]ColumnInfo `json:"obs"`
	ObsOrder      []string              `json:"obs_order,omitempty"`
	Var           map[string]ColumnInfo `json:"var,omitempty"`
	Layers        []string              `json:"layers,omitempty"`
	Obsm          []string              `json:"obsm"`
	Obsp          []string              `json:"obsp,omitempty"`
	Uns           UnsInfo               `json:"uns"`
}

// ColumnInfo describes one annotation column.
type ColumnInfo struct {
	Type       string   `json:"type"`
	Categories []string `json:"categories,omitempty"`
}

// UnsInfo describes unstructured metadata.
type UnsInfo struct {
	Colors  map[string][]string                       `json:"colors,omitempty"`
	Spatial map[string]map[string]LibraryInfo         `json:"spatial,omitempty"`
}

// LibraryInfo describes one tissue section / library.
type LibraryInfo struct {
	ScaleFactors  map[string]float64  `json:"scalefactors"`
	Images        map[string]ImageRef `json:"images,omitempty"`
	Segmentations map[string]ImageRef `json:"segmentations,omitempty"`
}

// ImageRef points at either an array inside the store or an image file
// relative to the metadata directory.
type ImageRef struct {
	Array string `json:"array,omitempty"`
	File  string `json:"file,omitempty"`
}

// ZarrV3ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ZarrV3ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// Array is a fully materialized array in row-major order.
type Array struct {
	Shape    []int
	DataType string
	Data     []byte
	order    binary.ByteOrder
}

// NewReader creates a new store reader. metadata.json is looked up next to the
// store directory.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		metaDir:  filepath.Dir(filepath.Clean(basePath)),
		decoder:  decoder,
	}

	if err := r.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	return r, nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *StoreMetadata {
	return r.metadata
}

// Path returns the store root.
func (r *Reader) Path() string {
	return r.basePath
}

func (r *Reader) loadMetadata() error {
	metadataPath := filepath.Join(r.metaDir, "metadata.json")
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var metadata StoreMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}

	if metadata.NObs == 0 {
		metadata.NObs = len(metadata.ObsNames)
	}
	if len(metadata.ObsNames) != 0 && len(metadata.ObsNames) != metadata.NObs {
		return fmt.Errorf("obs_names has %d entries, n_obs is %d", len(metadata.ObsNames), metadata.NObs)
	}
	if len(metadata.ObsOrder) == 0 {
		for name := range metadata.Obs {
			metadata.ObsOrder = append(metadata.ObsOrder, name)
		}
		sort.Strings(metadata.ObsOrder)
	}

	r.metadata = &metadata
	return nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func (r *Reader) loadArrayMeta(arrayPath string) (*ZarrV3ArrayMeta, error) {
	metaPath := filepath.Join(arrayPath, "zarr.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta ZarrV3ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.NodeType != "" && meta.NodeType != "array" {
		return nil, fmt.Errorf("%s is a %s, not an array", arrayPath, meta.NodeType)
	}

	return &meta, nil
}

// byteOrder returns the endianness declared by the bytes codec.
func byteOrder(meta *ZarrV3ArrayMeta) (binary.ByteOrder, error) {
	for _, c := range meta.Codecs {
		switch c.Name {
		case "bytes", "endian":
			if e, ok := c.Configuration["endian"].(string); ok && e == "big" {
				return binary.BigEndian, nil
			}
		case "zstd", "gzip", "crc32c":
		default:
			return nil, fmt.Errorf("unsupported zarr codec: %s", c.Name)
		}
	}
	return binary.LittleEndian, nil
}

// readChunk reads and decompresses a chunk from Zarr v3 format.
func (r *Reader) readChunk(arrayPath string, meta *ZarrV3ArrayMeta, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	chunkPath := filepath.Join(arrayPath, "c", filepath.FromSlash(chunkKey))

	data, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, err
	}

	// bytes-to-bytes codecs are applied in reverse on read.
	for i := len(meta.Codecs) - 1; i >= 0; i-- {
		switch meta.Codecs[i].Name {
		case "zstd":
			data, err = r.decoder.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "gzip":
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
			data, err = io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
		case "crc32c":
			if len(data) < 4 {
				return nil, fmt.Errorf("chunk %s too short for crc32c", chunkKey)
			}
			data = data[:len(data)-4]
		}
	}

	return data, nil
}

func (r *Reader) encodeChunkKey(meta *ZarrV3ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func (r *Reader) chunkShapeAt(meta *ZarrV3ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(meta.Shape) == 0 || len(meta.ChunkGrid.Configuration.ChunkShape) == 0 {
		return nil, fmt.Errorf("invalid zarr metadata: missing shape/chunk_shape")
	}
	if len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return nil, fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(meta.Shape), len(meta.ChunkGrid.Configuration.ChunkShape))
	}
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		if chunkLen <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, chunkLen)
		}
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		remaining := meta.Shape[d] - start
		if remaining < chunkLen {
			chunkLen = remaining
		}
		actual[d] = chunkLen
	}

	return actual, nil
}

func zarrDTypeSize(dataType string) (int, error) {
	switch dataType {
	case "uint8", "int8", "bool":
		return 1, nil
	case "uint16", "int16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "int64", "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

func zarrFillValueBytes(meta *ZarrV3ArrayMeta, order binary.ByteOrder) ([]byte, error) {
	size, err := zarrDTypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}

	// Default fill to 0 if unspecified.
	fill := meta.FillValue
	if fill == nil {
		return make([]byte, size), nil
	}

	var v float64
	switch t := fill.(type) {
	case float64:
		v = t
	case bool:
		if t {
			v = 1
		}
	case string:
		switch t {
		case "NaN":
			v = math.NaN()
		case "Infinity":
			v = math.Inf(1)
		case "-Infinity":
			v = math.Inf(-1)
		default:
			return nil, fmt.Errorf("unsupported fill_value %q for %s", t, meta.DataType)
		}
	default:
		return nil, fmt.Errorf("unsupported fill_value type for %s: %T", meta.DataType, fill)
	}

	out := make([]byte, size)
	switch meta.DataType {
	case "float32":
		order.PutUint32(out, math.Float32bits(float32(v)))
	case "float64":
		order.PutUint64(out, math.Float64bits(v))
	case "int8", "uint8", "bool":
		out[0] = byte(int64(v))
	case "int16", "uint16":
		order.PutUint16(out, uint16(int64(v)))
	case "int32", "uint32":
		order.PutUint32(out, uint32(int64(v)))
	case "int64", "uint64":
		order.PutUint64(out, uint64(int64(v)))
	}
	return out, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	if len(fill) == 0 {
		return make([]byte, n)
	}
	// Fast path: fill is all zeros; make() already zero-initializes.
	allZero := true
	for _, b := range fill {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return make([]byte, len(fill)*n)
	}

	out := make([]byte, len(fill)*n)
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):(i+1)*len(fill)], fill)
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func (r *Reader) readChunkAt(arrayPath string, meta *ZarrV3ArrayMeta, chunkIndices []int, order binary.ByteOrder) ([]byte, error) {
	key := r.encodeChunkKey(meta, chunkIndices)
	data, err := r.readChunk(arrayPath, meta, key)
	if err == nil {
		return data, nil
	}

	// Backwards-compatible fallback: some writers may drop trailing singleton chunk dims
	// (e.g. store [N,2] chunks as c/<rowChunk> instead of c/<rowChunk>/0).
	var altErr error
	if len(chunkIndices) > 1 {
		trailingAllZero := true
		for _, v := range chunkIndices[1:] {
			if v != 0 {
				trailingAllZero = false
				break
			}
		}
		if trailingAllZero {
			altKey := strconv.Itoa(chunkIndices[0])
			altData, altReadErr := r.readChunk(arrayPath, meta, altKey)
			if altReadErr == nil {
				return altData, nil
			}
			altErr = altReadErr
		}
	}

	// If the chunk is not present on disk, it represents an all-fill-value chunk.
	if os.IsNotExist(err) && (altErr == nil || os.IsNotExist(altErr)) {
		fillBytes, fillErr := zarrFillValueBytes(meta, order)
		if fillErr != nil {
			return nil, fillErr
		}
		return repeatFillBytes(fillBytes, product(meta.ChunkGrid.Configuration.ChunkShape)), nil
	}

	return nil, err
}

// ReadArray materializes the array at rel (relative to the store root).
func (r *Reader) ReadArray(rel string) (*Array, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	arrayPath := filepath.Join(r.basePath, filepath.FromSlash(rel))
	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s metadata: %w", rel, err)
	}
	order, err := byteOrder(meta)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rel, err)
	}
	elemSize, err := zarrDTypeSize(meta.DataType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rel, err)
	}

	shape := meta.Shape
	chunkShape := meta.ChunkGrid.Configuration.ChunkShape
	if len(shape) == 0 || len(chunkShape) != len(shape) {
		return nil, fmt.Errorf("unexpected %s shape %v / chunk shape %v", rel, shape, chunkShape)
	}

	out := &Array{Shape: append([]int(nil), shape...), DataType: meta.DataType, order: order}
	out.Data = make([]byte, product(shape)*elemSize)
	if product(shape) == 0 {
		return out, nil
	}

	grid := make([]int, len(shape))
	for d := range shape {
		grid[d] = ceilDiv(shape[d], chunkShape[d])
	}
	strides := rowMajorStrides(shape)

	idx := make([]int, len(shape))
	for {
		actual, err := r.chunkShapeAt(meta, idx)
		if err != nil {
			return nil, err
		}
		chunkData, err := r.readChunkAt(arrayPath, meta, idx, order)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s chunk %v: %w", rel, idx, err)
		}

		// Edge chunks are normally padded to the full chunk shape; accept
		// writers that trim them too.
		layout := chunkShape
		if len(chunkData) < product(chunkShape)*elemSize {
			if len(chunkData) < product(actual)*elemSize {
				return nil, fmt.Errorf("%s chunk %v too short: got %d bytes, expected %d", rel, idx, len(chunkData), product(actual)*elemSize)
			}
			layout = actual
		}

		origin := make([]int, len(shape))
		for d := range shape {
			origin[d] = idx[d] * chunkShape[d]
		}
		copyChunk(out.Data, chunkData, elemSize, strides, rowMajorStrides(layout), origin, actual)

		if !advance(idx, grid) {
			break
		}
	}

	return out, nil
}

// copyChunk copies the valid region of one chunk into the output buffer,
// one contiguous last-dimension run at a time.
func copyChunk(dst, src []byte, elemSize int, dstStrides, srcStrides, origin, actual []int) {
	last := len(actual) - 1
	run := actual[last] * elemSize
	pos := make([]int, last)
	for {
		dstOff, srcOff := origin[last]*dstStrides[last], 0
		for d := 0; d < last; d++ {
			dstOff += (origin[d] + pos[d]) * dstStrides[d]
			srcOff += pos[d] * srcStrides[d]
		}
		copy(dst[dstOff*elemSize:dstOff*elemSize+run], src[srcOff*elemSize:srcOff*elemSize+run])
		if !advance(pos, actual[:last]) {
			return
		}
	}
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for d := len(shape) - 1; d >= 0; d-- {
		strides[d] = s
		s *= shape[d]
	}
	return strides
}

// advance increments a multi-dimensional counter; false once it wraps.
func advance(idx, limits []int) bool {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < limits[d] {
			return true
		}
		idx[d] = 0
	}
	return false
}

// Len returns the number of elements.
func (a *Array) Len() int {
	return product(a.Shape)
}

// Float64At decodes element i as float64.
func (a *Array) Float64At(i int) float64 {
	switch a.DataType {
	case "float32":
		return float64(math.Float32frombits(a.order.Uint32(a.Data[i*4:])))
	case "float64":
		return math.Float64frombits(a.order.Uint64(a.Data[i*8:]))
	case "int8":
		return float64(int8(a.Data[i]))
	case "uint8", "bool":
		return float64(a.Data[i])
	case "int16":
		return float64(int16(a.order.Uint16(a.Data[i*2:])))
	case "uint16":
		return float64(a.order.Uint16(a.Data[i*2:]))
	case "int32":
		return float64(int32(a.order.Uint32(a.Data[i*4:])))
	case "uint32":
		return float64(a.order.Uint32(a.Data[i*4:]))
	case "int64":
		return float64(int64(a.order.Uint64(a.Data[i*8:])))
	case "uint64":
		return float64(a.order.Uint64(a.Data[i*8:]))
	}
	return math.NaN()
}

// Float64s decodes all elements.
func (a *Array) Float64s() []float64 {
	out := make([]float64, a.Len())
	for i := range out {
		out[i] = a.Float64At(i)
	}
	return out
}

// Float32s decodes all elements as float32.
func (a *Array) Float32s() []float32 {
	out := make([]float32, a.Len())
	for i := range out {
		out[i] = float32(a.Float64At(i))
	}
	return out
}

// Int64At decodes element i as int64. Integer dtypes are read directly so
// 64-bit values keep full precision.
func (a *Array) Int64At(i int) int64 {
	switch a.DataType {
	case "int8":
		return int64(int8(a.Data[i]))
	case "uint8", "bool":
		return int64(a.Data[i])
	case "int16":
		return int64(int16(a.order.Uint16(a.Data[i*2:])))
	case "uint16":
		return int64(a.order.Uint16(a.Data[i*2:]))
	case "int32":
		return int64(int32(a.order.Uint32(a.Data[i*4:])))
	case "uint32":
		return int64(a.order.Uint32(a.Data[i*4:]))
	case "int64", "uint64":
		return int64(a.order.Uint64(a.Data[i*8:]))
	}
	return int64(a.Float64At(i))
}

// Int64s decodes all elements as int64.
func (a *Array) Int64s() []int64 {
	out := make([]int64, a.Len())
	for i := range out {
		out[i] = a.Int64At(i)
	}
	return out
}

// Int32s decodes all elements as int32.
func (a *Array) Int32s() []int32 {
	out := make([]int32, a.Len())
	for i := range out {
		out[i] = int32(a.Int64At(i))
	}
	return out
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
