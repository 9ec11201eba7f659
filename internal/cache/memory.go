package cache

import (
	"strings"
	"sync"
)

type memoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory returns an unbounded map backend. Entries live until they are
// invalidated or the store is cleared.
func NewMemory() Backend {
	return &memoryBackend{entries: make(map[string]Entry)}
}

func (m *memoryBackend) Load(key string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(entry), true
}

func (m *memoryBackend) Save(key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = cloneEntry(entry)
	return nil
}

func (m *memoryBackend) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *memoryBackend) DeletePrefix(prefix string) {
	if prefix == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
}

func (m *memoryBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]Entry)
}

func (m *memoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *memoryBackend) Close() error {
	return nil
}
