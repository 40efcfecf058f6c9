// Package shard splits per-cell work into contiguous ranges and runs them in
// parallel.
package shard

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultSize is the number of cells per shard when Options.Size is unset.
const DefaultSize = 16384

// Options controls sharding.
type Options struct {
	Size    int // cells per shard
	Workers int // max concurrent shards
}

func (o Options) normalized() Options {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	return o
}

// Count returns how many shards Do would use for n items.
func (o Options) Count(n int) int {
	o = o.normalized()
	if n <= 0 {
		return 0
	}
	return (n + o.Size - 1) / o.Size
}

// Do calls fn(i, lo, hi) for every shard i covering [lo, hi) of [0, n).
// A single shard runs on the calling goroutine. fn must only write to
// state owned by its shard.
func Do(n int, opts Options, fn func(i, lo, hi int)) {
	opts = opts.normalized()
	count := opts.Count(n)
	if count == 0 {
		return
	}
	if count == 1 || opts.Workers == 1 {
		for i := 0; i < count; i++ {
			lo, hi := bounds(i, n, opts.Size)
			fn(i, lo, hi)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(opts.Workers)
	for i := 0; i < count; i++ {
		i := i
		lo, hi := bounds(i, n, opts.Size)
		g.Go(func() error {
			fn(i, lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

func bounds(i, n, size int) (int, int) {
	lo := i * size
	return lo, min(lo+size, n)
}
