package memory

import (
	"sort"
	"sync"
)

// InMemoryStore is a process-local core.WorkingMemory.
//
// Concurrency: protected by RWMutex. Values are stored by reference; callers
// that share a value across goroutines must synchronize access themselves.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewInMemoryStore creates a new in-memory working memory.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]any)}
}

// Put stores value under key, replacing any previous value.
func (m *InMemoryStore) Put(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
}

// Get returns the value stored under key.
func (m *InMemoryStore) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

// Delete removes key and reports whether it existed.
func (m *InMemoryStore) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok
}

// Keys returns the stored keys, sorted.
func (m *InMemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored entries.
func (m *InMemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
