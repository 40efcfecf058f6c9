// Package filter evaluates categorical and continuous predicates against cell
// metadata into a visibility mask.
package filter

import (
	"math"
	"sort"

	"github.com/atlasmap-sc/cellview/internal/shard"
	"github.com/atlasmap-sc/cellview/internal/store"
)

// Range is an inclusive numeric interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v lies within [Min, Max].
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// ValueSet is a set of accepted categorical values. An empty set accepts
// nothing.
type ValueSet map[string]struct{}

// NewValueSet returns a non-nil set holding values.
func NewValueSet(values ...string) ValueSet {
	s := make(ValueSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s ValueSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Values returns the members in sorted order.
func (s ValueSet) Values() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Predicates are the active filters. A category or metric without an entry
// is unrestricted.
type Predicates struct {
	Categorical map[string]ValueSet
	Continuous  map[string]Range
}

// Active returns the number of active predicates.
func (p Predicates) Active() int {
	return len(p.Categorical) + len(p.Continuous)
}

// Clone returns a deep copy.
func (p Predicates) Clone() Predicates {
	out := Predicates{}
	if p.Categorical != nil {
		out.Categorical = make(map[string]ValueSet, len(p.Categorical))
		for k, set := range p.Categorical {
			cp := make(ValueSet, len(set))
			for v := range set {
				cp[v] = struct{}{}
			}
			out.Categorical[k] = cp
		}
	}
	if p.Continuous != nil {
		out.Continuous = make(map[string]Range, len(p.Continuous))
		for k, r := range p.Continuous {
			out.Continuous[k] = r
		}
	}
	return out
}

// Equal reports whether p and q restrict exactly the same cells. Nil and empty
// maps are equal.
func (p Predicates) Equal(q Predicates) bool {
	if len(p.Categorical) != len(q.Categorical) || len(p.Continuous) != len(q.Continuous) {
		return false
	}
	for k, a := range p.Categorical {
		b, ok := q.Categorical[k]
		if !ok || len(a) != len(b) {
			return false
		}
		for v := range a {
			if !b.Has(v) {
				return false
			}
		}
	}
	for k, a := range p.Continuous {
		b, ok := q.Continuous[k]
		if !ok || !sameFloat(a.Min, b.Min) || !sameFloat(a.Max, b.Max) {
			return false
		}
	}
	return true
}

func sameFloat(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

type categorical struct {
	name     string
	accepted ValueSet
}

type continuous struct {
	name string
	r    Range
}

// compiled is the predicate set in slice form for the per-cell loop.
type compiled struct {
	cats  []categorical
	conts []continuous
}

func compile(p Predicates) compiled {
	var c compiled
	for name, set := range p.Categorical {
		c.cats = append(c.cats, categorical{name: name, accepted: set})
	}
	for name, r := range p.Continuous {
		c.conts = append(c.conts, continuous{name: name, r: r})
	}
	// Empty sets reject everything; test them first.
	sort.Slice(c.cats, func(i, j int) bool { return len(c.cats[i].accepted) < len(c.cats[j].accepted) })
	return c
}

func (c compiled) matches(cell store.CellRecord) bool {
	for _, p := range c.cats {
		v, ok := cell.Categorical[p.name]
		if !ok || !p.accepted.Has(v) {
			return false
		}
	}
	for _, p := range c.conts {
		v, ok := cell.Continuous[p.name]
		if !ok || math.IsNaN(v) || !p.r.Contains(v) {
			return false
		}
	}
	return true
}

// Matches reports whether one cell passes every predicate. A cell without a
// value for a restricted category or metric does not pass.
func Matches(cell store.CellRecord, p Predicates) bool {
	return compile(p).matches(cell)
}

// Mask holds one visibility flag per cell, aligned with the cell order.
type Mask []bool

// Visible reports the flag for cell i; positions outside the mask are hidden.
func (m Mask) Visible(i int) bool {
	return i >= 0 && i < len(m) && m[i]
}

// Count returns the number of visible cells.
func (m Mask) Count() int {
	n := 0
	for _, v := range m {
		if v {
			n++
		}
	}
	return n
}

// ByID keys the mask by cell id.
func (m Mask) ByID(cells []store.CellRecord) map[store.CellID]bool {
	out := make(map[store.CellID]bool, len(cells))
	for i, c := range cells {
		out[c.ID] = m.Visible(i)
	}
	return out
}

// Evaluate computes the visibility of every cell under p.
func Evaluate(cells []store.CellRecord, p Predicates, opts shard.Options) Mask {
	mask := make(Mask, len(cells))
	if p.Active() == 0 {
		for i := range mask {
			mask[i] = true
		}
		return mask
	}

	c := compile(p)
	shard.Do(len(cells), opts, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			mask[i] = c.matches(cells[i])
		}
	})
	return mask
}
