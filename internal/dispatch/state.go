// Package dispatch serializes every action that changes the selection or the
// loaded dataset, and guards against out-of-order load responses.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/atlasmap-sc/cellview/internal/selection"
	"github.com/atlasmap-sc/cellview/internal/store"
)

// ErrStaleResponse is returned for a load result whose token is not the
// latest issued.
var ErrStaleResponse = errors.New("stale response")

// Lifecycle is the load state of a Dispatcher.
type Lifecycle int

const (
	Uninitialized Lifecycle = iota
	Loading
	Ready
	LoadError
)

func (l Lifecycle) String() string {
	switch l {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case LoadError:
		return "load_error"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

// MarshalText encodes the lifecycle by name.
func (l Lifecycle) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// State is everything the Dispatcher owns. It is treated as a value: Reduce
// never modifies its argument.
type State struct {
	Lifecycle Lifecycle
	Selection selection.Selection
	Dataset   *store.Dataset
	// Token is the latest request token issued by RequestCells.
	Token uint64
	// Err is the error of the latest failed load.
	Err error
	// Version increases with every accepted action.
	Version uint64
}

// Initial returns the startup state.
func Initial() State {
	return State{Lifecycle: Uninitialized, Selection: selection.Default()}
}

// Reduce applies a to s. On error the returned state is s unchanged.
func Reduce(s State, a Action) (State, error) {
	next := s
	switch a := a.(type) {
	case URLChanged:
		sh, err := selection.Parse(a.URL)
		if err != nil {
			return s, err
		}
		next.Selection = s.Selection.WithShareable(sh, s.Dataset)

	case RequestCells:
		next.Token = s.Token + 1
		next.Lifecycle = Loading

	case SelectGene:
		switch {
		case a.Gene == "":
			next.Selection = s.Selection.WithGene("", selection.NoGene)
		case s.Dataset == nil:
			// Resolved once a dataset is installed.
			next.Selection = s.Selection.WithGene(a.Gene, selection.NoGene)
		default:
			idx, err := s.Dataset.GeneIndex(a.Gene)
			if err != nil {
				return s, err
			}
			next.Selection = s.Selection.WithGene(a.Gene, idx)
		}

	case SetCategoricalFilter:
		next.Selection = s.Selection.WithCategorical(a.Category, a.Values)

	case SetContinuousFilter:
		next.Selection = s.Selection.WithContinuous(a.Metric, a.Range)

	case cellsLoaded:
		if a.token != s.Token {
			return s, fmt.Errorf("token %d (latest %d): %w", a.token, s.Token, ErrStaleResponse)
		}
		if a.err != nil {
			next.Lifecycle = LoadError
			next.Err = a.err
			break
		}
		next.Lifecycle = Ready
		next.Err = nil
		next.Dataset = a.dataset
		next.Selection = s.Selection.Resolve(a.dataset)

	default:
		return s, fmt.Errorf("unsupported action %T", a)
	}

	next.Version = s.Version + 1
	return next, nil
}
