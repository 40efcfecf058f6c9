// Package selection holds the user's gene choice and filter predicates, and
// converts the shareable part of that state to and from a URL.
package selection

import (
	"github.com/atlasmap-sc/cellview/internal/filter"
	"github.com/atlasmap-sc/cellview/internal/store"
)

// NoGene is the GeneIndex when no gene is selected or the selected name does
// not resolve in the current dataset.
const NoGene = -1

// Selection is the current gene and filter state. Values are never modified
// in place; every With method returns a new Selection.
type Selection struct {
	GeneName  string            `json:"gene,omitempty"`
	GeneIndex int               `json:"geneIndex"`
	Filters   filter.Predicates `json:"-"`
	Path      string            `json:"path"`
}

// Default returns the startup selection: no gene, no filters.
func Default() Selection {
	return Selection{GeneIndex: NoGene}
}

// HasGene reports whether a gene is selected and resolved.
func (s Selection) HasGene() bool {
	return s.GeneIndex != NoGene
}

// WithGene selects name at index idx.
func (s Selection) WithGene(name string, idx int) Selection {
	s.GeneName = name
	s.GeneIndex = idx
	return s.sync()
}

// WithCategorical replaces the accepted values for category. A nil slice
// clears the predicate; an empty non-nil slice accepts nothing.
func (s Selection) WithCategorical(category string, values []string) Selection {
	s.Filters = s.Filters.Clone()
	if values == nil {
		delete(s.Filters.Categorical, category)
	} else {
		if s.Filters.Categorical == nil {
			s.Filters.Categorical = make(map[string]filter.ValueSet)
		}
		s.Filters.Categorical[category] = filter.NewValueSet(values...)
	}
	return s.sync()
}

// WithContinuous replaces the range for metric. A nil range clears it.
func (s Selection) WithContinuous(metric string, r *filter.Range) Selection {
	s.Filters = s.Filters.Clone()
	if r == nil {
		delete(s.Filters.Continuous, metric)
	} else {
		if s.Filters.Continuous == nil {
			s.Filters.Continuous = make(map[string]filter.Range)
		}
		s.Filters.Continuous[metric] = *r
	}
	return s.sync()
}

// WithShareable replaces the whole shareable subset with sh. The gene index
// is resolved against ds when it is non-nil.
func (s Selection) WithShareable(sh Shareable, ds *store.Dataset) Selection {
	s.GeneName = sh.Gene
	s.GeneIndex = NoGene
	s.Filters = sh.Filters.Clone()
	return s.Resolve(ds)
}

// Resolve recomputes GeneIndex for GeneName against ds. Without a dataset the
// index is left as is.
func (s Selection) Resolve(ds *store.Dataset) Selection {
	if ds != nil {
		s.GeneIndex = NoGene
		if s.GeneName != "" {
			if idx, err := ds.GeneIndex(s.GeneName); err == nil {
				s.GeneIndex = idx
			}
		}
	}
	return s.sync()
}

// Shareable returns the deep-linkable subset of s.
func (s Selection) Shareable() Shareable {
	return Shareable{Gene: s.GeneName, Filters: s.Filters.Clone()}
}

func (s Selection) sync() Selection {
	s.Path = Serialize(Shareable{Gene: s.GeneName, Filters: s.Filters})
	return s
}
