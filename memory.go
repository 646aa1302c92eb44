package blobcache

import "sync"

// memoryTable is the fast path: key -> Entry, no capacity bound, no expiry.
// Metadata maps are copied in and out so stored rows stay immutable.
type memoryTable struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func newMemoryTable() *memoryTable {
	return &memoryTable{entries: make(map[string]Entry)}
}

func (t *memoryTable) get(key string) (Entry, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	e.Metadata = e.Metadata.Clone()
	return e, true
}

func (t *memoryTable) location(key string) (string, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	return e.Location, ok
}

func (t *memoryTable) has(key string) bool {
	_, ok := t.location(key)
	return ok
}

// set unconditionally overwrites.
func (t *memoryTable) set(key string, e Entry) {
	e.Metadata = e.Metadata.Clone()
	t.mu.Lock()
	t.entries[key] = e
	t.mu.Unlock()
}

func (t *memoryTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
