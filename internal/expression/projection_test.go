package expression

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/cellview/internal/shard"
	"github.com/atlasmap-sc/cellview/internal/store"
)

func build(t *testing.T, genes []string, rows [][]float64) *store.Dataset {
	t.Helper()
	p := &store.Payload{Genes: genes}
	for i, r := range rows {
		p.Cells = append(p.Cells, store.CellPayload{
			ID:         fmt.Sprint(i + 1),
			Expression: r,
			Embedding:  []float64{float64(i), 0},
		})
	}
	ds, err := store.Build(p)
	require.NoError(t, err)
	return ds
}

func TestProject_Example(t *testing.T) {
	ds := build(t, []string{"g0", "g1"}, [][]float64{{5, 2}, {1, 9}})

	p, err := Project(ds, 1, shard.Options{})
	require.NoError(t, err)

	assert.Equal(t, "g1", p.Gene)
	assert.Equal(t, 9.0, p.MaxValue)
	assert.Equal(t, map[store.CellID]float64{"1": 2, "2": 9}, p.ByID(ds.Cells()))
}

func TestProject_OutOfRange(t *testing.T) {
	ds := build(t, []string{"g0"}, [][]float64{{1}})

	for _, idx := range []int{-1, 1, 100} {
		p, err := Project(ds, idx, shard.Options{})
		assert.ErrorIs(t, err, store.ErrIndexOutOfRange)
		assert.Equal(t, Empty(), p)
		assert.Equal(t, 0.0, p.MaxValue)
	}
}

func TestProject_EmptyCellSet(t *testing.T) {
	ds := build(t, []string{"g0"}, nil)

	p, err := Project(ds, 0, shard.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.MaxValue)
	assert.Empty(t, p.Values)
}

func TestProject_MissingEntriesAreZero(t *testing.T) {
	ds := build(t, []string{"g0", "g1"}, [][]float64{{3}, {math.NaN(), 2}})

	p, err := Project(ds, 0, shard.Options{})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 0}, p.Values)

	p, err = Project(ds, 1, shard.Options{})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2}, p.Values)
	assert.Equal(t, 2.0, p.MaxValue)
}

func TestProject_MaxMatchesColumnMaximum(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	rows := make([][]float64, 1000)
	for i := range rows {
		rows[i] = []float64{rng.Float64() * 100, -rng.Float64() - 1}
	}
	ds := build(t, []string{"pos", "neg"}, rows)

	for g := 0; g < 2; g++ {
		want := math.Inf(-1)
		for _, r := range rows {
			want = math.Max(want, r[g])
		}
		p, err := Project(ds, g, shard.Options{Size: 64, Workers: 4})
		require.NoError(t, err)
		assert.Equal(t, want, p.MaxValue, "gene %d", g)
	}
}

func TestProject_PureAcrossShardings(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rows := make([][]float64, 777)
	for i := range rows {
		rows[i] = []float64{rng.Float64()}
	}
	ds := build(t, []string{"g"}, rows)

	serial, err := Project(ds, 0, shard.Options{Size: 1 << 20})
	require.NoError(t, err)
	parallel, err := Project(ds, 0, shard.Options{Size: 10, Workers: 8})
	require.NoError(t, err)
	again, err := Project(ds, 0, shard.Options{Size: 10, Workers: 8})
	require.NoError(t, err)

	assert.Equal(t, serial, parallel)
	assert.Equal(t, parallel, again)
}
