package binding

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps bindings in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[string]Binding)}
}

func (m *MemoryStore) Get(_ context.Context, threadID string) (Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[threadID]
	if !ok {
		return Binding{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) Put(_ context.Context, b Binding) (Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.bindings[b.ThreadID]; ok {
		return existing, nil
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.bindings[b.ThreadID] = b
	return b, nil
}
