// Package zarr reads cell-level Zarr v3 stores: an expression matrix X, one
// embedding under obsm/ and per-cell annotations under obs/.
package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Reader provides access to one cell-level store.
type Reader struct {
	basePath string
	metadata *Metadata
	decoder  *zstd.Decoder
}

// Metadata is the store's metadata.json.
type Metadata struct {
	FormatVersion string                  `json:"format_version"`
	DatasetName   string                  `json:"dataset_name"`
	NCells        int                     `json:"n_cells"`
	Genes         []string                `json:"genes"`
	CellIDs       []string                `json:"cell_ids"`
	EmbeddingKey  string                  `json:"embedding_key"`
	Categories    map[string]CategoryInfo `json:"categories"`
	Continuous    []string                `json:"continuous"`
}

// CategoryInfo lists the values of a categorical annotation; obs codes index
// into Values.
type CategoryInfo struct {
	Values []string `json:"values"`
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

func (m *ZarrV3ArrayMeta) compressed() bool {
	for _, c := range m.Codecs {
		if c.Name == "zstd" {
			return true
		}
	}
	return false
}

// NewReader opens the store at basePath.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
	}
	if err := r.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return r, nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	if md.EmbeddingKey == "" {
		md.EmbeddingKey = "X_umap"
	}
	if md.CellIDs != nil && md.NCells != 0 && len(md.CellIDs) != md.NCells {
		return fmt.Errorf("cell_ids has %d entries, n_cells is %d", len(md.CellIDs), md.NCells)
	}
	if md.NCells == 0 {
		md.NCells = len(md.CellIDs)
	}

	r.metadata = &md
	return nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func (r *Reader) loadArrayMeta(arrayPath string) (*ZarrV3ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}

	var meta ZarrV3ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// readChunk reads and, if the array is compressed, decompresses one chunk.
func (r *Reader) readChunk(arrayPath string, meta *ZarrV3ArrayMeta, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	raw, err := os.ReadFile(filepath.Join(arrayPath, "c", chunkKey))
	if err != nil {
		return nil, err
	}
	if !meta.compressed() {
		return raw, nil
	}

	decompressed, err := r.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return decompressed, nil
}

func encodeChunkKey(meta *ZarrV3ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, filepath.FromSlash(sep))
}

func chunkShapeAt(meta *ZarrV3ArrayMeta, chunkIndices []int) ([]int, error) {
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
		actual[d] = min(chunkLen, meta.Shape[d]-start)
	}
	return actual, nil
}

// fillWord returns the array's fill value as a little-endian 32-bit word.
func fillWord(meta *ZarrV3ArrayMeta) (uint32, error) {
	fill := meta.FillValue
	if fill == nil {
		return 0, nil
	}

	switch meta.DataType {
	case "float32":
		var v float32
		switch t := fill.(type) {
		case float64:
			v = float32(t)
		case string:
			switch t {
			case "NaN":
				v = float32(math.NaN())
			case "Infinity":
				v = float32(math.Inf(1))
			case "-Infinity":
				v = float32(math.Inf(-1))
			default:
				return 0, fmt.Errorf("unsupported fill_value for float32: %q", t)
			}
		default:
			return 0, fmt.Errorf("unsupported fill_value type for float32: %T", fill)
		}
		return math.Float32bits(v), nil
	case "int32":
		t, ok := fill.(float64)
		if !ok {
			return 0, fmt.Errorf("unsupported fill_value type for int32: %T", fill)
		}
		return uint32(int32(t)), nil
	case "uint32":
		t, ok := fill.(float64)
		if !ok {
			return 0, fmt.Errorf("unsupported fill_value type for uint32: %T", fill)
		}
		return uint32(t), nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", meta.DataType)
	}
}

// readChunkWords returns the chunk at chunkIndices as 32-bit words. A chunk
// that is not present on disk is all fill value.
func (r *Reader) readChunkWords(arrayPath string, meta *ZarrV3ArrayMeta, chunkIndices []int) ([]uint32, error) {
	shape, err := chunkShapeAt(meta, chunkIndices)
	if err != nil {
		return nil, err
	}
	n := 1
	for _, v := range shape {
		n *= v
	}

	data, err := r.readChunk(arrayPath, meta, encodeChunkKey(meta, chunkIndices))
	if os.IsNotExist(err) {
		fill, fillErr := fillWord(meta)
		if fillErr != nil {
			return nil, fillErr
		}
		words := make([]uint32, n)
		if fill != 0 {
			for i := range words {
				words[i] = fill
			}
		}
		return words, nil
	}
	if err != nil {
		return nil, err
	}

	// Edge chunks may be stored either trimmed or padded to the full chunk
	// shape; padded chunks are laid out with the full row width.
	full := meta.ChunkGrid.Configuration.ChunkShape
	fullN := 1
	for _, v := range full {
		fullN *= v
	}
	stride := shape[len(shape)-1]
	switch len(data) {
	case n * 4:
	case fullN * 4:
		stride = full[len(full)-1]
	default:
		return nil, fmt.Errorf("chunk %v has %d bytes, expected %d or %d", chunkIndices, len(data), n*4, fullN*4)
	}

	words := make([]uint32, n)
	cols := shape[len(shape)-1]
	for i := range words {
		row, col := i/cols, i%cols
		off := (row*stride + col) * 4
		words[i] = uint32(data[off]) |
			uint32(data[off+1])<<8 |
			uint32(data[off+2])<<16 |
			uint32(data[off+3])<<24
	}
	return words, nil
}

// readWords reads a whole 1-D or 2-D array of 4-byte elements in row-major
// order, returning the words and the (rows, cols) shape. 1-D arrays have one
// column.
func (r *Reader) readWords(name, dtype string) ([]uint32, int, int, error) {
	arrayPath := filepath.Join(r.basePath, filepath.FromSlash(name))
	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to load %s metadata: %w", name, err)
	}
	if meta.DataType != dtype {
		return nil, 0, 0, fmt.Errorf("%s: data_type %s, expected %s", name, meta.DataType, dtype)
	}
	chunkShape := meta.ChunkGrid.Configuration.ChunkShape
	if len(meta.Shape) != len(chunkShape) || len(meta.Shape) < 1 || len(meta.Shape) > 2 {
		return nil, 0, 0, fmt.Errorf("%s: unsupported shape %v (chunks %v)", name, meta.Shape, chunkShape)
	}

	rows, cols := meta.Shape[0], 1
	rowChunk, colChunk := chunkShape[0], 1
	if len(meta.Shape) == 2 {
		cols, colChunk = meta.Shape[1], chunkShape[1]
	}
	if rowChunk <= 0 || colChunk <= 0 {
		return nil, 0, 0, fmt.Errorf("%s: invalid chunk shape %v", name, chunkShape)
	}

	out := make([]uint32, rows*cols)
	for rc := 0; rc < ceilDiv(rows, rowChunk); rc++ {
		for cc := 0; cc < ceilDiv(cols, colChunk); cc++ {
			idx := []int{rc}
			if len(meta.Shape) == 2 {
				idx = append(idx, cc)
			}
			words, err := r.readChunkWords(arrayPath, meta, idx)
			if err != nil {
				return nil, 0, 0, fmt.Errorf("failed to load %s chunk %v: %w", name, idx, err)
			}

			rowStart, colStart := rc*rowChunk, cc*colChunk
			rowLen := min(rowChunk, rows-rowStart)
			colLen := min(colChunk, cols-colStart)
			for i := 0; i < rowLen; i++ {
				copy(out[(rowStart+i)*cols+colStart:(rowStart+i)*cols+colStart+colLen], words[i*colLen:(i+1)*colLen])
			}
		}
	}
	return out, rows, cols, nil
}

// ReadFloat2D reads a float32 array as float64 rows.
func (r *Reader) ReadFloat2D(name string) ([][]float64, error) {
	words, rows, cols, err := r.readWords(name, "float32")
	if err != nil {
		return nil, err
	}
	flat := make([]float64, len(words))
	for i, w := range words {
		flat[i] = float64(math.Float32frombits(w))
	}
	out := make([][]float64, rows)
	for i := range out {
		out[i] = flat[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return out, nil
}

// ReadMatrix reads the expression matrix X as [n_cells][n_genes].
func (r *Reader) ReadMatrix() ([][]float64, error) {
	rows, err := r.ReadFloat2D("X")
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 && len(rows[0]) != len(r.metadata.Genes) {
		return nil, fmt.Errorf("X has %d columns, metadata lists %d genes", len(rows[0]), len(r.metadata.Genes))
	}
	return rows, nil
}

// ReadEmbedding reads obsm/<key> for the configured embedding key.
func (r *Reader) ReadEmbedding() ([][]float64, error) {
	return r.ReadFloat2D("obsm/" + r.metadata.EmbeddingKey)
}

// ReadCategoryCodes reads obs/<column> as int32 codes; -1 is missing.
func (r *Reader) ReadCategoryCodes(column string) ([]int32, error) {
	if _, ok := r.metadata.Categories[column]; !ok {
		return nil, fmt.Errorf("category not found: %s", column)
	}
	words, _, cols, err := r.readWords("obs/"+column, "int32")
	if err != nil {
		return nil, err
	}
	if cols != 1 {
		return nil, fmt.Errorf("obs/%s: expected 1-D array", column)
	}
	codes := make([]int32, len(words))
	for i, w := range words {
		codes[i] = int32(w)
	}
	return codes, nil
}

// ReadContinuous reads obs/<column> as float32 values; NaN is missing.
func (r *Reader) ReadContinuous(column string) ([]float64, error) {
	rows, err := r.ReadFloat2D("obs/" + column)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(rows))
	for i, row := range rows {
		if len(row) != 1 {
			return nil, fmt.Errorf("obs/%s: expected 1-D array", column)
		}
		out[i] = row[0]
	}
	return out, nil
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
