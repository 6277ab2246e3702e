// Package shardmap provides a string-keyed concurrent map split across a
// fixed number of locked shards, so mutations on unrelated keys never
// contend. The per-device and per-alert state of the engine lives in these
// maps; a single global mutex here would serialize cross-device polling.
package shardmap

import (
	"hash/fnv"
	"sync"
)

const shardCount = 16

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a sharded concurrent map. The zero value is not usable; call New.
type Map[V any] struct {
	shards [shardCount]*shard[V]
}

// New returns an empty sharded map.
func New[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Get returns the value stored under key.
func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Store sets the value for key.
func (m *Map[V]) Store(key string, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Update runs fn for key under the shard's write lock and stores the result.
// fn receives the current value (zero value when absent). This is the
// check-and-act primitive: no other goroutine can interleave on the same key.
func (m *Map[V]) Update(key string, fn func(cur V, ok bool) V) {
	s := m.shardFor(key)
	s.mu.Lock()
	cur, ok := s.items[key]
	s.items[key] = fn(cur, ok)
	s.mu.Unlock()
}

// Mutate runs fn under the shard's write lock only when key exists, storing
// the result. Returns false when key is absent; nothing is inserted.
func (m *Map[V]) Mutate(key string, fn func(cur V) V) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	if !ok {
		return false
	}
	s.items[key] = fn(cur)
	return true
}

// View runs fn for key under the shard's read lock. Useful when V is a
// pointer and the caller needs a consistent read of what it points at.
func (m *Map[V]) View(key string, fn func(cur V, ok bool)) {
	s := m.shardFor(key)
	s.mu.RLock()
	cur, ok := s.items[key]
	fn(cur, ok)
	s.mu.RUnlock()
}

// Range calls fn for every entry, one shard at a time under its read lock.
// fn must not call back into the map. Returning false stops iteration.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Len reports the total number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
