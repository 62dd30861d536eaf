package engine

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type ttlEntry[V any] struct {
	val     V
	expires time.Time // zero means no expiry
}

func (e ttlEntry[V]) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// TTLStore is a concurrent keyed store whose entries expire. Expired entries
// are invisible to readers and removed by Sweep.
type TTLStore[K comparable, V any] struct {
	m *xsync.Map[K, ttlEntry[V]]
}

func NewTTLStore[K comparable, V any]() *TTLStore[K, V] {
	return &TTLStore[K, V]{m: xsync.NewMap[K, ttlEntry[V]]()}
}

// Get returns the live value for key.
func (s *TTLStore[K, V]) Get(key K, now time.Time) (V, bool) {
	e, ok := s.m.Load(key)
	if !ok || !e.live(now) {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Put stores v under key, replacing any previous entry. ttl <= 0 never expires.
func (s *TTLStore[K, V]) Put(key K, v V, ttl time.Duration, now time.Time) {
	e := ttlEntry[V]{val: v}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	s.m.Store(key, e)
}

// Delete removes key and returns what was stored, live or not.
func (s *TTLStore[K, V]) Delete(key K) (V, bool) {
	e, ok := s.m.LoadAndDelete(key)
	return e.val, ok
}

// Update rewrites a live entry in place, keeping its expiry.
func (s *TTLStore[K, V]) Update(key K, now time.Time, fn func(V) V) bool {
	updated := false
	s.m.Compute(key, func(old ttlEntry[V], loaded bool) (ttlEntry[V], xsync.ComputeOp) {
		if !loaded || !old.live(now) {
			return old, xsync.CancelOp
		}
		old.val = fn(old.val)
		updated = true
		return old, xsync.UpdateOp
	})
	return updated
}

// Range visits live entries until fn returns false.
func (s *TTLStore[K, V]) Range(now time.Time, fn func(K, V) bool) {
	s.m.Range(func(k K, e ttlEntry[V]) bool {
		if !e.live(now) {
			return true
		}
		return fn(k, e.val)
	})
}

// Sweep removes entries expired at now and returns how many were removed.
// onExpire, if set, sees each removed entry.
func (s *TTLStore[K, V]) Sweep(now time.Time, onExpire func(K, V)) int {
	removed := 0
	s.m.Range(func(k K, e ttlEntry[V]) bool {
		if e.live(now) {
			return true
		}
		s.m.Compute(k, func(cur ttlEntry[V], loaded bool) (ttlEntry[V], xsync.ComputeOp) {
			// re-check: the entry may have been renewed since Range saw it
			if !loaded || cur.live(now) {
				return cur, xsync.CancelOp
			}
			removed++
			if onExpire != nil {
				onExpire(k, cur.val)
			}
			return cur, xsync.DeleteOp
		})
		return true
	})
	return removed
}

func (s *TTLStore[K, V]) Len() int { return s.m.Size() }
