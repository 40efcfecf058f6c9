package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/atlasmap-sc/cellview/internal/filter"
	"github.com/atlasmap-sc/cellview/internal/store"
)

// Action is an input to the Dispatcher.
type Action interface {
	Kind() string
}

// URLChanged replaces the shareable selection with the state encoded in URL.
type URLChanged struct {
	URL string
}

// RequestCells starts a new load from the data source.
type RequestCells struct{}

// SelectGene selects a gene by name. An empty name clears the selection.
type SelectGene struct {
	Gene string
}

// SetCategoricalFilter replaces the accepted values of one category. Nil
// Values clears the predicate; an empty non-nil slice hides every cell.
type SetCategoricalFilter struct {
	Category string
	Values   []string
}

// SetContinuousFilter replaces the range of one metric. A nil Range clears it.
type SetContinuousFilter struct {
	Metric string
	Range  *filter.Range
}

// cellsLoaded carries the result of the fetch started for token.
type cellsLoaded struct {
	token   uint64
	dataset *store.Dataset
	err     error
}

func (URLChanged) Kind() string           { return "url_changed" }
func (RequestCells) Kind() string         { return "request_cells" }
func (SelectGene) Kind() string           { return "select_gene" }
func (SetCategoricalFilter) Kind() string { return "set_categorical_filter" }
func (SetContinuousFilter) Kind() string  { return "set_continuous_filter" }
func (cellsLoaded) Kind() string          { return "cells_loaded" }

// envelope is the JSON form of an action.
type envelope struct {
	Type     string          `json:"type"`
	URL      string          `json:"url,omitempty"`
	Gene     string          `json:"gene,omitempty"`
	Category string          `json:"category,omitempty"`
	Values   json.RawMessage `json:"values,omitempty"`
	Metric   string          `json:"metric,omitempty"`
	Range    json.RawMessage `json:"range,omitempty"`
}

// DecodeAction parses one JSON action, for example
//
//	{"type":"select_gene","gene":"CD3D"}
//	{"type":"set_categorical_filter","category":"cellType","values":["B-cell"]}
//	{"type":"set_continuous_filter","metric":"nGenes","range":[100,500]}
//
// A null or absent "values" or "range" clears the filter.
func DecodeAction(data []byte) (Action, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}

	switch env.Type {
	case "url_changed":
		return URLChanged{URL: env.URL}, nil
	case "request_cells":
		return RequestCells{}, nil
	case "select_gene":
		return SelectGene{Gene: env.Gene}, nil
	case "set_categorical_filter":
		if env.Category == "" {
			return nil, fmt.Errorf("decode action: %s requires category", env.Type)
		}
		a := SetCategoricalFilter{Category: env.Category}
		if !isNull(env.Values) {
			if err := json.Unmarshal(env.Values, &a.Values); err != nil {
				return nil, fmt.Errorf("decode action: values: %w", err)
			}
			if a.Values == nil {
				a.Values = []string{}
			}
		}
		return a, nil
	case "set_continuous_filter":
		if env.Metric == "" {
			return nil, fmt.Errorf("decode action: %s requires metric", env.Type)
		}
		a := SetContinuousFilter{Metric: env.Metric}
		if !isNull(env.Range) {
			r, err := decodeRange(env.Range)
			if err != nil {
				return nil, fmt.Errorf("decode action: range: %w", err)
			}
			a.Range = &r
		}
		return a, nil
	case "":
		return nil, fmt.Errorf("decode action: missing type")
	default:
		return nil, fmt.Errorf("decode action: unknown type %q", env.Type)
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// decodeRange accepts [min, max] or {"min": .., "max": ..}.
func decodeRange(raw json.RawMessage) (filter.Range, error) {
	var pair []float64
	if err := json.Unmarshal(raw, &pair); err == nil {
		if len(pair) != 2 {
			return filter.Range{}, fmt.Errorf("expected [min, max], got %d values", len(pair))
		}
		return filter.Range{Min: pair[0], Max: pair[1]}, nil
	}
	var obj struct {
		Min *float64 `json:"min"`
		Max *float64 `json:"max"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return filter.Range{}, err
	}
	if obj.Min == nil || obj.Max == nil {
		return filter.Range{}, fmt.Errorf("min and max are required")
	}
	return filter.Range{Min: *obj.Min, Max: *obj.Max}, nil
}

// EncodeAction is the inverse of DecodeAction.
func EncodeAction(a Action) ([]byte, error) {
	env := envelope{Type: a.Kind()}
	switch a := a.(type) {
	case URLChanged:
		env.URL = a.URL
	case RequestCells:
	case SelectGene:
		env.Gene = a.Gene
	case SetCategoricalFilter:
		env.Category = a.Category
		if a.Values != nil {
			b, err := json.Marshal(a.Values)
			if err != nil {
				return nil, err
			}
			env.Values = b
		}
	case SetContinuousFilter:
		env.Metric = a.Metric
		if a.Range != nil {
			b, err := json.Marshal([]float64{a.Range.Min, a.Range.Max})
			if err != nil {
				return nil, err
			}
			env.Range = b
		}
	default:
		return nil, fmt.Errorf("encode action: unsupported %T", a)
	}
	return json.Marshal(env)
}
