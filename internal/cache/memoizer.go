// Package cache provides a time-windowed memoizer used to collapse repeated
// notifications into a single delivery.
package cache

import (
	"sync"
	"time"
)

// Options configures a Memoizer.
type Options struct {
	// Clock defaults to SystemClock.
	Clock Clock
	// MaxEntries bounds the number of remembered keys. Zero keeps every key
	// for the life of the process.
	MaxEntries int
}

// Memoizer remembers the result of a computation per key for a caller-chosen
// time window. It knows nothing about what it stores.
type Memoizer[K comparable, V any] struct {
	mu    sync.Mutex
	clock Clock
	store store[K, V]
}

// New creates a Memoizer.
func New[K comparable, V any](opts Options) (*Memoizer[K, V], error) {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	var st store[K, V] = mapStore[K, V]{}
	if opts.MaxEntries > 0 {
		l, err := newLRUStore[K, V](opts.MaxEntries)
		if err != nil {
			return nil, err
		}
		st = l
	}

	return &Memoizer[K, V]{clock: clock, store: st}, nil
}

// Memoize returns the stored result for key if it was computed less than ttl
// ago. Otherwise it calls compute, stores the result stamped with the time
// the call started, and returns it. The boolean reports a cache hit.
//
// A failed compute is returned as is and leaves any previous entry in place.
func (m *Memoizer[K, V]) Memoize(key K, ttl time.Duration, compute func() (V, error)) (V, bool, error) {
	m.mu.Lock()
	now := m.clock.Now()
	if e, ok := m.store.get(key); ok && now.Sub(e.timestamp) < ttl {
		m.mu.Unlock()
		return e.result, true, nil
	}
	m.mu.Unlock()

	// compute may block on network I/O; the lock is not held across it.
	result, err := compute()
	if err != nil {
		var zero V
		return zero, false, err
	}

	m.mu.Lock()
	m.store.put(key, entry[V]{timestamp: now, result: result})
	m.mu.Unlock()

	return result, false, nil
}

// Sweep drops entries stamped at least olderThan ago and returns how many
// were removed.
func (m *Memoizer[K, V]) Sweep(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for _, k := range m.store.keys() {
		e, ok := m.store.peek(k)
		if ok && now.Sub(e.timestamp) >= olderThan {
			m.store.remove(k)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered keys.
func (m *Memoizer[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.len()
}
