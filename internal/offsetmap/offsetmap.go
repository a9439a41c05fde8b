// Package offsetmap implements the in-memory index-to-store-offset
// map: an entry is created when a product is handed to the multicast
// transport and removed when the transport reports it done, pinning
// the product in the store for exactly that long.
package offsetmap

import "sync"

// Map is a concurrency-safe index -> store-offset map. It does not
// support per-entry iteration; besides insert-by-dispatch and
// remove-by-callback it only reports its size and drains wholesale.
type Map struct {
	mu sync.Mutex
	m  map[uint32]int64
}

func New() *Map {
	return &Map{m: make(map[uint32]int64)}
}

// Put records that index pins the store at offset. Called by the
// dispatch loop before handing the product to the transport.
func (m *Map) Put(index uint32, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[index] = offset
}

// GetAndRemove returns the offset for index and removes the entry,
// reporting false if index was not present (already removed, or never
// inserted). Called from the transport's done callback.
func (m *Map) GetAndRemove(index uint32) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.m[index]
	if ok {
		delete(m.m, index)
	}
	return off, ok
}

// Len reports the number of in-flight indices, exported as a gauge by
// internal/metrics.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

// Drain removes and returns every remaining entry, used when the
// transport is asked to drain on shutdown so every pinned offset gets
// released before the store closes.
func (m *Map) Drain() map[uint32]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.m
	m.m = make(map[uint32]int64)
	return out
}
