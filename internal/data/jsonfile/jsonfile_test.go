package jsonfile

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/cellview/internal/store"
)

const doc = `{
  "genes": ["g0", "g1"],
  "cells": [
    {"cellname": 1, "e": [5, 2], "categorical": {"cellType": "T-cell", "batch": 2, "flag": null},
     "continuous": {"nGenes": 50}, "embedding": [0, 0]},
    {"id": "2", "e": [1, null], "continuous": {"nGenes": null}, "embedding": [1, 1]},
    {"e": [0, 0], "embedding": [2, 2]}
  ]
}`

func TestDecode(t *testing.T) {
	p, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, []string{"g0", "g1"}, p.Genes)
	require.Len(t, p.Cells, 3)

	first := p.Cells[0]
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, []float64{5, 2}, first.Expression)
	assert.Equal(t, map[string]string{"cellType": "T-cell", "batch": "2"}, first.Categorical)
	assert.Equal(t, map[string]float64{"nGenes": 50}, first.Continuous)

	second := p.Cells[1]
	assert.Equal(t, "2", second.ID)
	assert.True(t, math.IsNaN(second.Expression[1]))
	assert.Empty(t, second.Continuous)

	assert.Equal(t, "", p.Cells[2].ID)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"cells": [`))
	assert.Error(t, err)

	_, err = Decode(strings.NewReader(`{"cells": {"id": 1}}`))
	assert.Error(t, err)
}

func TestDecode_BadCellIsSkippedNotFatal(t *testing.T) {
	good := `{"id": "ok", "e": [1], "embedding": [0, 0]}`
	tests := []struct {
		name   string
		bad    string
		id     string
		reason string
	}{
		{"object id", `{"id": {"x": 1}, "e": [1], "embedding": [1, 1]}`, "", "id must be a string or number"},
		{"string in expression", `{"id": "b", "e": ["high"], "embedding": [1, 1]}`, "b", "unreadable record"},
		{"null embedding coordinate", `{"id": "b", "e": [1], "embedding": [1, null]}`, "b", "embedding coordinate 1 is null"},
		{"string continuous value", `{"cellname": 7, "continuous": {"nGenes": "many"}, "embedding": [1, 1]}`, "7", "unreadable record"},
		{"not an object", `42`, "", "unreadable record"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(strings.NewReader(`{"genes": ["g0"], "cells": [` + good + `, ` + tt.bad + `]}`))
			require.NoError(t, err)
			require.Len(t, p.Cells, 2)
			assert.Empty(t, p.Cells[0].Malformed)
			assert.Contains(t, p.Cells[1].Malformed, tt.reason)

			ds, err := store.Build(p)
			require.NoError(t, err)
			assert.Equal(t, 1, ds.NumCells())
			require.Len(t, ds.Skipped(), 1)
			assert.Equal(t, 1, ds.Skipped()[0].Index)
			assert.Equal(t, tt.id, ds.Skipped()[0].ID)
			assert.Contains(t, ds.Skipped()[0].Reason, tt.reason)
		})
	}
}

func TestSource_Fetch(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "cells.json")
	require.NoError(t, os.WriteFile(plain, []byte(doc), 0o644))

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := filepath.Join(dir, "cells.json.zst")
	require.NoError(t, os.WriteFile(compressed, enc.EncodeAll([]byte(doc), nil), 0o644))
	require.NoError(t, enc.Close())

	for _, path := range []string{plain, compressed} {
		p, err := NewSource(path).Fetch(context.Background())
		require.NoError(t, err, path)
		assert.Len(t, p.Cells, 3)
	}

	_, err = NewSource(filepath.Join(dir, "missing.json")).Fetch(context.Background())
	assert.Error(t, err)
}
