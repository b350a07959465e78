// README: Lock-striped map used for every shared in-memory table (rooms, windows, samples, keys).
package shard

import (
	"hash/fnv"
	"sync"
)

const DefaultShards = 32

// Map spreads keys over independently locked shards so unrelated drivers,
// orders and rooms never contend on one global lock.
type Map[V any] struct {
	shards []*bucket[V]
}

type bucket[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[V]{shards: make([]*bucket[V], n)}
	for i := range m.shards {
		m.shards[i] = &bucket[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucket(key string) *bucket[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok
}

func (m *Map[V]) Set(key string, v V) {
	b := m.bucket(key)
	b.mu.Lock()
	b.items[key] = v
	b.mu.Unlock()
}

func (m *Map[V]) Delete(key string) {
	b := m.bucket(key)
	b.mu.Lock()
	delete(b.items, key)
	b.mu.Unlock()
}

// Update runs fn with the shard write lock held. fn receives the current value
// (and whether it exists) and returns the value to store; keep=false deletes
// the key. fn must not block or perform I/O.
func (m *Map[V]) Update(key string, fn func(cur V, ok bool) (next V, keep bool)) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.items[key]
	next, keep := fn(cur, ok)
	if keep {
		b.items[key] = next
		return
	}
	delete(b.items, key)
}

// View runs fn with the shard read lock held.
func (m *Map[V]) View(key string, fn func(cur V, ok bool)) {
	b := m.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	cur, ok := b.items[key]
	fn(cur, ok)
}

// Sweep deletes every entry for which expired returns true and reports how many were removed.
func (m *Map[V]) Sweep(expired func(key string, v V) bool) int {
	removed := 0
	for _, b := range m.shards {
		b.mu.Lock()
		for k, v := range b.items {
			if expired(k, v) {
				delete(b.items, k)
				removed++
			}
		}
		b.mu.Unlock()
	}
	return removed
}

func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.shards {
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry under each shard's read lock until fn returns false.
// fn must not block or touch the map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.shards {
		b.mu.RLock()
		for k, v := range b.items {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}
