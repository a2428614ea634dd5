package cache

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type entry[V any] struct {
	timestamp time.Time
	result    V
}

// store is the backing map of a Memoizer. Callers hold the Memoizer lock.
type store[K comparable, V any] interface {
	get(key K) (entry[V], bool)
	put(key K, e entry[V])
	remove(key K)
	keys() []K
	peek(key K) (entry[V], bool)
	len() int
}

type mapStore[K comparable, V any] map[K]entry[V]

func (s mapStore[K, V]) get(key K) (entry[V], bool) {
	e, ok := s[key]
	return e, ok
}

func (s mapStore[K, V]) peek(key K) (entry[V], bool) { return s.get(key) }
func (s mapStore[K, V]) put(key K, e entry[V])       { s[key] = e }
func (s mapStore[K, V]) remove(key K)                { delete(s, key) }
func (s mapStore[K, V]) len() int                    { return len(s) }

func (s mapStore[K, V]) keys() []K {
	out := make([]K, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// lruStore drops the least recently used key once full.
type lruStore[K comparable, V any] struct {
	lru *simplelru.LRU[K, entry[V]]
}

func newLRUStore[K comparable, V any](size int) (*lruStore[K, V], error) {
	l, err := simplelru.NewLRU[K, entry[V]](size, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru store: %w", err)
	}
	return &lruStore[K, V]{lru: l}, nil
}

func (s *lruStore[K, V]) get(key K) (entry[V], bool)  { return s.lru.Get(key) }
func (s *lruStore[K, V]) peek(key K) (entry[V], bool) { return s.lru.Peek(key) }
func (s *lruStore[K, V]) put(key K, e entry[V])       { s.lru.Add(key, e) }
func (s *lruStore[K, V]) remove(key K)                { s.lru.Remove(key) }
func (s *lruStore[K, V]) keys() []K                   { return s.lru.Keys() }
func (s *lruStore[K, V]) len() int                    { return s.lru.Len() }
