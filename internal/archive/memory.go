package archive

import (
	"context"
	"sync"
)

// Memory keeps documents in a map. Test and development use only.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Put stores a copy of data under key and returns a memory:// URI.
func (m *Memory) Put(_ context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return "memory://" + key, nil
}

// Object returns the stored document for key.
func (m *Memory) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len reports how many documents are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
