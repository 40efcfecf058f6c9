package zarr

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/atlasmap-sc/cellview/internal/store"
)

// Source loads a whole store as a store.Payload.
type Source struct {
	path string
}

// NewSource returns a source reading the store at path.
func NewSource(path string) *Source {
	return &Source{path: path}
}

// Name returns the store path.
func (s *Source) Name() string { return "zarr:" + s.path }

// Fetch opens the store and reads every array. Cancellation is checked
// between arrays.
func (s *Source) Fetch(ctx context.Context) (*store.Payload, error) {
	r, err := NewReader(s.path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	md := r.Metadata()
	matrix, err := r.ReadMatrix()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(matrix)
	if md.NCells > 0 && n != md.NCells {
		return nil, fmt.Errorf("X has %d rows, metadata lists %d cells", n, md.NCells)
	}

	embedding, err := r.ReadEmbedding()
	if err != nil {
		return nil, err
	}
	if len(embedding) != n {
		return nil, fmt.Errorf("embedding has %d rows, X has %d", len(embedding), n)
	}

	p := &store.Payload{
		Genes: md.Genes,
		Cells: make([]store.CellPayload, n),
	}
	for i := range p.Cells {
		id := strconv.Itoa(i)
		if i < len(md.CellIDs) {
			id = md.CellIDs[i]
		}
		p.Cells[i] = store.CellPayload{ID: id, Expression: matrix[i], Embedding: embedding[i]}
	}

	columns := make([]string, 0, len(md.Categories))
	for name := range md.Categories {
		columns = append(columns, name)
	}
	sort.Strings(columns)
	for _, name := range columns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		codes, err := r.ReadCategoryCodes(name)
		if err != nil {
			return nil, err
		}
		values := md.Categories[name].Values
		for i := 0; i < n && i < len(codes); i++ {
			c := int(codes[i])
			if c < 0 || c >= len(values) {
				continue
			}
			if p.Cells[i].Categorical == nil {
				p.Cells[i].Categorical = make(map[string]string, len(columns))
			}
			p.Cells[i].Categorical[name] = values[c]
		}
	}

	for _, name := range md.Continuous {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vals, err := r.ReadContinuous(name)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n && i < len(vals); i++ {
			if math.IsNaN(vals[i]) {
				continue
			}
			if p.Cells[i].Continuous == nil {
				p.Cells[i].Continuous = make(map[string]float64, len(md.Continuous))
			}
			p.Cells[i].Continuous[name] = vals[i]
		}
	}
	return p, nil
}
