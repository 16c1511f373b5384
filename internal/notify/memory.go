package notify

import (
	"context"
	"sync"
)

// Memory records published messages for inspection. Test use only.
type Memory struct {
	mu       sync.RWMutex
	messages []Message
}

// NewMemory returns an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish records the message.
func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a copy of everything published so far.
func (m *Memory) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Close implements Publisher and does nothing.
func (m *Memory) Close() error { return nil }
