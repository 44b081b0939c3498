// Package keyed provides per-key synchronization primitives used by the shared
// registries: a sharded map whose entries are mutated under their shard's lock, and
// a refcounted per-key mutex for serializing work on a single conversation.
package keyed

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

type shard[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

// Map is a concurrent map split into independently locked shards so that
// operations on unrelated keys do not contend.
type Map[V any] struct {
	shards [shardCount]*shard[V]
}

// NewMap creates an empty sharded map.
func NewMap[V any]() *Map[V] {
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

// Update runs fn with the current value for key while holding the key's shard
// lock. fn returns the value to store and whether to keep it; returning false
// deletes the key.
func (m *Map[V]) Update(key string, fn func(v V, ok bool) (V, bool)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	next, keep := fn(cur, ok)
	if keep {
		s.items[key] = next
	} else if ok {
		delete(s.items, key)
	}
}

// View runs fn with the current value for key under the shard lock without
// modifying the map.
func (m *Map[V]) View(key string, fn func(v V, ok bool)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	fn(v, ok)
}

// Get returns the value stored for key.
func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok
}

// Sweep visits every entry shard by shard; entries for which fn returns false
// are removed.
func (m *Map[V]) Sweep(fn func(key string, v V) bool) {
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if !fn(k, v) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

// Len returns the number of entries across all shards.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Locker hands out one mutex per key. Entries are created on first use and
// released when no goroutine holds or waits for them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns the function that releases it.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Held returns the number of keys currently locked or awaited.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
