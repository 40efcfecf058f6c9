// Package expression projects one gene column of the expression matrix into a
// per-cell scalar for color scaling.
package expression

import (
	"fmt"
	"math"

	"github.com/atlasmap-sc/cellview/internal/shard"
	"github.com/atlasmap-sc/cellview/internal/store"
)

// Projection is one gene's value for every cell, aligned with the dataset's
// cell order, plus the column maximum.
type Projection struct {
	Gene      string
	GeneIndex int
	Values    []float64
	MaxValue  float64
}

// Empty returns the projection used when no gene is projected.
func Empty() Projection {
	return Projection{GeneIndex: -1}
}

// Value returns the scalar for the cell at position i, or 0 if absent.
func (p Projection) Value(i int) float64 {
	if i < 0 || i >= len(p.Values) {
		return 0
	}
	return p.Values[i]
}

// ByID keys the projection by cell id.
func (p Projection) ByID(cells []store.CellRecord) map[store.CellID]float64 {
	out := make(map[store.CellID]float64, len(cells))
	for i, c := range cells {
		out[c.ID] = p.Value(i)
	}
	return out
}

// Project extracts column geneIndex for every cell in ds. An index outside
// [0, NumGenes) yields the empty projection together with an error wrapping
// store.ErrIndexOutOfRange. Project has no state: the same inputs always give
// the same projection.
func Project(ds *store.Dataset, geneIndex int, opts shard.Options) (Projection, error) {
	name, err := ds.GeneName(geneIndex)
	if err != nil {
		return Empty(), fmt.Errorf("project: %w", err)
	}

	m := ds.Matrix()
	n := m.NumCells()
	values := make([]float64, n)
	maxima := make([]float64, opts.Count(n))

	shard.Do(n, opts, func(i, lo, hi int) {
		localMax := math.Inf(-1)
		for c := lo; c < hi; c++ {
			v := m.At(c, geneIndex)
			values[c] = v
			if v > localMax {
				localMax = v
			}
		}
		maxima[i] = localMax
	})

	maxValue := 0.0
	if n > 0 {
		maxValue = math.Inf(-1)
		for _, v := range maxima {
			maxValue = math.Max(maxValue, v)
		}
	}

	return Projection{
		Gene:      name,
		GeneIndex: geneIndex,
		Values:    values,
		MaxValue:  maxValue,
	}, nil
}
