package store

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Payload is what a cell data service delivers: an ordered gene list and an
// ordered list of cells whose expression rows are aligned to Genes.
//
// Expression entries that are NaN, or missing because a row is shorter than
// Genes, count as zero.
type Payload struct {
	Genes []string
	Cells []CellPayload
}

// CellPayload is one cell as delivered by a data service.
//
// A decoder that cannot read a record sets Malformed to the reason; Build
// then skips the record and reports it.
type CellPayload struct {
	ID          string
	Expression  []float64
	Categorical map[string]string
	Continuous  map[string]float64
	Embedding   []float64
	Malformed   string
}

// Source fetches a Payload. Implementations own transport and timeouts.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (*Payload, error)
}

// Shared wraps src so that concurrent fetches from different callers are
// coalesced into one call. Each caller may still give up early through its own
// context.
//
// A caller tagged with WithCaller never joins a flight it is already waiting
// on: its second fetch starts a new flight, and later arrivals share that one.
// Untagged callers always join the current flight.
func Shared(src Source) Source {
	return &sharedSource{src: src}
}

type callerKey struct{}

// WithCaller tags ctx with the identity of the caller fetching through a
// Shared source.
func WithCaller(ctx context.Context, caller interface{}) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

type sharedSource struct {
	src   Source
	group singleflight.Group

	mu     sync.Mutex
	flight uint64
	joined map[interface{}]struct{}
}

func (s *sharedSource) Name() string { return s.src.Name() }

func (s *sharedSource) Fetch(ctx context.Context) (*Payload, error) {
	flight := s.join(ctx.Value(callerKey{}))
	ch := s.group.DoChan(strconv.FormatUint(flight, 10), func() (interface{}, error) {
		p, err := s.src.Fetch(context.WithoutCancel(ctx))
		s.finish(flight)
		return p, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Payload), nil
	}
}

// join returns the flight caller should wait on.
func (s *sharedSource) join(caller interface{}) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller == nil {
		return s.flight
	}
	if _, again := s.joined[caller]; again {
		s.flight++
		s.joined = nil
	}
	if s.joined == nil {
		s.joined = make(map[interface{}]struct{})
	}
	s.joined[caller] = struct{}{}
	return s.flight
}

// finish retires flight so that later callers start a new one.
func (s *sharedSource) finish(flight uint64) {
	s.mu.Lock()
	if s.flight == flight {
		s.flight++
		s.joined = nil
	}
	s.mu.Unlock()
}
