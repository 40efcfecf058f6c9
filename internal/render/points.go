package render

import (
	"github.com/atlasmap-sc/cellview/internal/expression"
	"github.com/atlasmap-sc/cellview/internal/filter"
	"github.com/atlasmap-sc/cellview/internal/shard"
	"github.com/atlasmap-sc/cellview/internal/store"
)

// Point is one drawable cell.
type Point struct {
	ID      store.CellID `json:"id"`
	Coords  []float64    `json:"coords"`
	Color   float64      `json:"color"`
	Visible bool         `json:"visible"`
}

// Normalize returns v/maxValue clamped to [0, 1]. A zero or NaN maxValue
// normalizes everything to 0. A negative maxValue still divides, so every
// cell of an all-negative projection normalizes to 1.
func Normalize(v, maxValue float64) float64 {
	if maxValue == 0 || maxValue != maxValue {
		return 0
	}
	t := v / maxValue
	if t < 0 || t != t {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// Points joins embedding coordinates, the expression projection and the
// visibility mask into one point per cell, in cell order.
func Points(ds *store.Dataset, proj expression.Projection, mask filter.Mask, opts shard.Options) []Point {
	return PointsInto(nil, ds, proj, mask, opts)
}

// PointsInto is Points writing into dst, reusing its backing array when it
// is large enough. Coords alias the dataset's embedding slices.
func PointsInto(dst []Point, ds *store.Dataset, proj expression.Projection, mask filter.Mask, opts shard.Options) []Point {
	cells := ds.Cells()
	n := len(cells)
	if cap(dst) >= n {
		dst = dst[:n]
	} else {
		dst = make([]Point, n)
	}

	allVisible := mask == nil
	shard.Do(n, opts, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			c := &cells[i]
			dst[i] = Point{
				ID:      c.ID,
				Coords:  c.Embedding,
				Color:   Normalize(proj.Value(i), proj.MaxValue),
				Visible: allVisible || mask.Visible(i),
			}
		}
	})
	return dst
}
