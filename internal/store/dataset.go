// Package store owns the loaded expression matrix, gene index and per-cell
// records. A Dataset is immutable once built and safe for concurrent reads.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// CellID identifies one cell in a dataset.
type CellID string

// CellRecord is one cell's metadata and embedding coordinates.
type CellRecord struct {
	ID          CellID
	Categorical map[string]string
	Continuous  map[string]float64
	Embedding   []float64
}

// Matrix holds expression counts, one row per cell aligned to the gene list.
type Matrix struct {
	nGenes int
	rows   [][]float64
}

// At returns the count for (cell, gene). Missing and non-finite entries read
// as 0.
func (m *Matrix) At(cell, gene int) float64 {
	if cell < 0 || cell >= len(m.rows) || gene < 0 || gene >= m.nGenes {
		return 0
	}
	row := m.rows[cell]
	if gene >= len(row) {
		return 0
	}
	v := row[gene]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// NumCells returns the number of rows.
func (m *Matrix) NumCells() int { return len(m.rows) }

// NumGenes returns the number of columns.
func (m *Matrix) NumGenes() int { return m.nGenes }

// CategoricalField lists the distinct values of one categorical annotation in
// first-seen order.
type CategoricalField struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// ContinuousField is the finite extent of one continuous annotation.
type ContinuousField struct {
	Name  string  `json:"name"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Schema describes the annotations present in a dataset.
type Schema struct {
	Categorical []CategoricalField `json:"categorical"`
	Continuous  []ContinuousField  `json:"continuous"`
}

// Dataset is a fully loaded, read-only view of one data service payload.
type Dataset struct {
	generation uint64
	genes      []string
	geneIndex  map[string]int
	cells      []CellRecord
	matrix     Matrix
	dims       int
	schema     Schema
	skipped    []MalformedRecordError
}

var generations atomic.Uint64

// Build validates a payload and assembles a Dataset. Records missing an id or
// a usable embedding, or repeating an earlier id, are skipped and reported
// through Skipped. Build never modifies p, and the Dataset shares p's
// expression rows, so p must not be mutated afterwards.
func Build(p *Payload) (*Dataset, error) {
	if p == nil {
		return nil, errors.New("empty payload")
	}

	ds := &Dataset{
		generation: generations.Add(1),
		genes:      p.Genes,
		geneIndex:  make(map[string]int, len(p.Genes)),
		cells:      make([]CellRecord, 0, len(p.Cells)),
	}
	for i, g := range p.Genes {
		if _, dup := ds.geneIndex[g]; !dup {
			ds.geneIndex[g] = i
		}
	}

	rows := make([][]float64, 0, len(p.Cells))
	seen := make(map[CellID]struct{}, len(p.Cells))
	for i, c := range p.Cells {
		if reason := ds.validate(c, seen); reason != "" {
			ds.skipped = append(ds.skipped, MalformedRecordError{Index: i, ID: c.ID, Reason: reason})
			continue
		}
		if ds.dims == 0 {
			ds.dims = len(c.Embedding)
		}
		id := CellID(c.ID)
		seen[id] = struct{}{}
		ds.cells = append(ds.cells, CellRecord{
			ID:          id,
			Categorical: c.Categorical,
			Continuous:  finiteOnly(c.Continuous),
			Embedding:   c.Embedding,
		})
		rows = append(rows, c.Expression)
	}
	ds.matrix = Matrix{nGenes: len(p.Genes), rows: rows}
	ds.schema = buildSchema(ds.cells)
	return ds, nil
}

func (ds *Dataset) validate(c CellPayload, seen map[CellID]struct{}) string {
	if c.Malformed != "" {
		return c.Malformed
	}
	if c.ID == "" {
		return "missing id"
	}
	if _, dup := seen[CellID(c.ID)]; dup {
		return "duplicate id"
	}
	if len(c.Embedding) == 0 {
		return "missing embedding"
	}
	if ds.dims != 0 && len(c.Embedding) != ds.dims {
		return fmt.Sprintf("embedding has %d dimensions, expected %d", len(c.Embedding), ds.dims)
	}
	for _, v := range c.Embedding {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "non-finite embedding coordinate"
		}
	}
	return ""
}

// finiteOnly drops NaN and infinite values; they count as missing.
func finiteOnly(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	clean := true
	for _, v := range in {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			clean = false
			break
		}
	}
	if clean {
		return in
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[k] = v
	}
	return out
}

func buildSchema(cells []CellRecord) Schema {
	catValues := make(map[string][]string)
	catSeen := make(map[string]map[string]struct{})
	cont := make(map[string]*ContinuousField)

	for _, c := range cells {
		for name, v := range c.Categorical {
			set, ok := catSeen[name]
			if !ok {
				set = make(map[string]struct{})
				catSeen[name] = set
			}
			if _, ok := set[v]; !ok {
				set[v] = struct{}{}
				catValues[name] = append(catValues[name], v)
			}
		}
		for name, v := range c.Continuous {
			f, ok := cont[name]
			if !ok {
				cont[name] = &ContinuousField{Name: name, Min: v, Max: v, Count: 1}
				continue
			}
			f.Min = math.Min(f.Min, v)
			f.Max = math.Max(f.Max, v)
			f.Count++
		}
	}

	var s Schema
	for name, values := range catValues {
		s.Categorical = append(s.Categorical, CategoricalField{Name: name, Values: values})
	}
	for _, f := range cont {
		s.Continuous = append(s.Continuous, *f)
	}
	sort.Slice(s.Categorical, func(i, j int) bool { return s.Categorical[i].Name < s.Categorical[j].Name })
	sort.Slice(s.Continuous, func(i, j int) bool { return s.Continuous[i].Name < s.Continuous[j].Name })
	return s
}

// Generation is a process-wide unique number identifying this build.
func (ds *Dataset) Generation() uint64 { return ds.generation }

// Genes returns the ordered gene list. Callers must not modify it.
func (ds *Dataset) Genes() []string { return ds.genes }

// NumGenes returns the gene count.
func (ds *Dataset) NumGenes() int { return len(ds.genes) }

// GeneIndex resolves a gene name to its column.
func (ds *Dataset) GeneIndex(name string) (int, error) {
	idx, ok := ds.geneIndex[name]
	if !ok {
		return -1, fmt.Errorf("gene %q: %w", name, ErrIndexOutOfRange)
	}
	return idx, nil
}

// GeneName returns the name of the gene at idx.
func (ds *Dataset) GeneName(idx int) (string, error) {
	if idx < 0 || idx >= len(ds.genes) {
		return "", fmt.Errorf("gene index %d (n_genes=%d): %w", idx, len(ds.genes), ErrIndexOutOfRange)
	}
	return ds.genes[idx], nil
}

// Cells returns the records in load order. Callers must not modify them.
func (ds *Dataset) Cells() []CellRecord { return ds.cells }

// NumCells returns the number of accepted records.
func (ds *Dataset) NumCells() int { return len(ds.cells) }

// Matrix returns the expression matrix.
func (ds *Dataset) Matrix() *Matrix { return &ds.matrix }

// Dims returns the embedding dimensionality (0 when there are no cells).
func (ds *Dataset) Dims() int { return ds.dims }

// Schema returns the annotation schema.
func (ds *Dataset) Schema() Schema { return ds.schema }

// Skipped returns the records rejected during Build.
func (ds *Dataset) Skipped() []MalformedRecordError { return ds.skipped }

// Load fetches a payload from src and builds a Dataset. Any failure is
// reported as a *FetchError.
func Load(ctx context.Context, src Source) (*Dataset, error) {
	p, err := src.Fetch(ctx)
	if err != nil {
		return nil, &FetchError{Source: src.Name(), Err: err}
	}
	ds, err := Build(p)
	if err != nil {
		return nil, &FetchError{Source: src.Name(), Err: err}
	}
	return ds, nil
}

// Store holds the dataset currently installed for a dispatcher.
type Store struct {
	mu sync.RWMutex
	ds *Dataset
}

// Current returns the installed dataset, or nil before the first load.
func (s *Store) Current() *Dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ds
}

// Replace installs ds and returns the dataset it replaced.
func (s *Store) Replace(ds *Dataset) *Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.ds
	s.ds = ds
	return prev
}
