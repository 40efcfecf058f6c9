package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/atlasmap-sc/cellview/internal/store"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher closed")

// LoadEvent reports the outcome of one fetch.
type LoadEvent struct {
	Token   uint64
	Latest  uint64
	Applied bool
	Err     error
}

// Dispatcher applies actions one at a time in the order they are issued.
// The only asynchronous step is the fetch started by RequestCells; its result
// re-enters through the same serialized path and is dropped if a newer
// request has been issued since.
type Dispatcher struct {
	src   store.Source
	store *store.Store

	mu     sync.Mutex
	state  State
	closed bool
	onLoad func(LoadEvent)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher loading from src into st. A nil st gets a private
// store.
func New(src store.Source, st *store.Store) *Dispatcher {
	if st == nil {
		st = &store.Store{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		src:    src,
		store:  st,
		state:  Initial(),
		cancel: cancel,
	}
	// A shared source must not hand a newer request the result of an older
	// fetch from this dispatcher.
	d.ctx = store.WithCaller(ctx, d)
	return d
}

// OnLoad registers fn to be called after every fetch completes, applied or
// not. fn runs outside the dispatcher lock.
func (d *Dispatcher) OnLoad(fn func(LoadEvent)) {
	d.mu.Lock()
	d.onLoad = fn
	d.mu.Unlock()
}

// Store returns the store holding the latest accepted dataset.
func (d *Dispatcher) Store() *store.Store {
	return d.store
}

// State returns a snapshot of the current state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Dispatch applies a. On error the state is left unchanged.
func (d *Dispatcher) Dispatch(a Action) error {
	if _, ok := a.(cellsLoaded); ok {
		return errors.New("dispatch: load results are internal")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	next, err := Reduce(d.state, a)
	if err != nil {
		log.Printf("[Dispatcher] %s rejected: %v", a.Kind(), err)
		return err
	}
	d.state = next

	if _, ok := a.(RequestCells); ok {
		d.startFetch(next.Token)
	}
	return nil
}

// startFetch must be called with d.mu held.
func (d *Dispatcher) startFetch(token uint64) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ds, err := store.Load(d.ctx, d.src)
		d.deliver(token, ds, err)
	}()
}

func (d *Dispatcher) deliver(token uint64, ds *store.Dataset, loadErr error) {
	d.mu.Lock()
	next, err := Reduce(d.state, cellsLoaded{token: token, dataset: ds, err: loadErr})
	applied := err == nil && !d.closed
	if applied {
		d.state = next
		if loadErr == nil {
			d.store.Replace(ds)
		}
	}
	latest := d.state.Token
	hook := d.onLoad
	d.mu.Unlock()

	switch {
	case !applied:
		log.Printf("[Dispatcher] discarded response for token %d (latest %d)", token, latest)
	case loadErr != nil:
		log.Printf("[Dispatcher] load %d failed: %v", token, loadErr)
	default:
		log.Printf("[Dispatcher] load %d ready: %d cells, %d genes, %d skipped",
			token, ds.NumCells(), ds.NumGenes(), len(ds.Skipped()))
	}

	if hook != nil {
		hook(LoadEvent{Token: token, Latest: latest, Applied: applied, Err: loadErr})
	}
}

// Listen dispatches actions from ch until ch is closed or ctx is done.
// Rejected actions are logged and skipped.
func (d *Dispatcher) Listen(ctx context.Context, ch <-chan Action) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-ch:
			if !ok {
				return nil
			}
			if err := d.Dispatch(a); errors.Is(err, ErrClosed) {
				return err
			}
		}
	}
}

// Wait blocks until every fetch started so far has been delivered.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels in-flight fetches and rejects further actions.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
