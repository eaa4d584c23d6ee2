// Package pool provides typed object pooling on top of sync.Pool.
//
// Pool[T] pools arbitrary objects with an optional reset hook. SlicePool[T]
// pools slices used as per-batch scratch space: Get returns an empty slice
// with at least the requested capacity, Put truncates it and keeps it unless
// it grew past the pool's cap.
//
//	rows := upserts.Get(len(records))
//	defer upserts.Put(rows)
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool represents a generic object pool with type safety.
// It wraps sync.Pool with statistics tracking and an optional reset
// function. The pool is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	newFn func() T
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		hits      int64
		misses    int64
	}
}

// New creates a typed pool. newFn is called when the pool is empty; reset,
// when non-nil, runs before an object is returned to the pool.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	return &Pool[T]{newFn: newFn, reset: reset}
}

// Get retrieves an object from the pool, allocating one if it is empty
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	if obj, ok := p.pool.Get().(T); ok {
		atomic.AddInt64(&p.stats.hits, 1)
		return obj
	}
	atomic.AddInt64(&p.stats.misses, 1)
	atomic.AddInt64(&p.stats.allocated, 1)
	return p.newFn()
}

// Put returns an object to the pool for reuse
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats returns allocation count, objects currently checked out, and
// hit/miss counts
func (p *Pool[T]) Stats() (allocated, inUse, hits, misses int64) {
	return atomic.LoadInt64(&p.stats.allocated),
		atomic.LoadInt64(&p.stats.inUse),
		atomic.LoadInt64(&p.stats.hits),
		atomic.LoadInt64(&p.stats.misses)
}

// SlicePool pools slices of T
type SlicePool[T any] struct {
	p      *Pool[*[]T]
	maxCap int
}

// NewSlicePool creates a slice pool. Slices are allocated with defaultCap
// and dropped on Put once their capacity exceeds maxCap (0 = no limit).
func NewSlicePool[T any](defaultCap, maxCap int) *SlicePool[T] {
	return &SlicePool[T]{
		p: New(
			func() *[]T { s := make([]T, 0, defaultCap); return &s },
			func(s *[]T) {
				clear((*s)[:cap(*s)])
				*s = (*s)[:0]
			},
		),
		maxCap: maxCap,
	}
}

// Get returns an empty slice with capacity of at least n
func (sp *SlicePool[T]) Get(n int) []T {
	s := *sp.p.Get()
	if cap(s) < n {
		s = make([]T, 0, n)
	}
	return s[:0]
}

// Put returns s to the pool. The caller must not use s afterwards.
func (sp *SlicePool[T]) Put(s []T) {
	if s == nil || (sp.maxCap > 0 && cap(s) > sp.maxCap) {
		atomic.AddInt64(&sp.p.stats.inUse, -1)
		return
	}
	sp.p.Put(&s)
}

// Stats reports the underlying pool statistics
func (sp *SlicePool[T]) Stats() (allocated, inUse, hits, misses int64) {
	return sp.p.Stats()
}
