package cache

import "sync/atomic"

// Snapshot is a lock-free, read-optimized container
// holding any immutable structure.
type Snapshot[T any] struct{ v atomic.Pointer[T] }

// NewSnapshot returns a Snapshot already holding v.
func NewSnapshot[T any](v T) *Snapshot[T] {
	s := &Snapshot[T]{}
	s.Store(v)
	return s
}

// Load returns the stored value, or the zero value if none is stored yet.
func (s *Snapshot[T]) Load() T {
	p := s.v.Load()
	if p == nil {
		var z T
		return z
	}
	return *p
}

// Store atomically swaps in the new value.
func (s *Snapshot[T]) Store(v T) {
	s.v.Store(&v)
}

// Update applies fn to the current value and stores the result. Concurrent
// updates retry until one wins; fn must be free of side effects.
func (s *Snapshot[T]) Update(fn func(T) T) T {
	for {
		old := s.v.Load()
		var cur T
		if old != nil {
			cur = *old
		}
		next := fn(cur)
		if s.v.CompareAndSwap(old, &next) {
			return next
		}
	}
}
