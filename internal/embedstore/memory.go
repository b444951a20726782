package embedstore

import (
	"context"
	"sync"

	"github.com/23skdu/longbow-sam/internal/engine"
)

// MemoryStore keeps up to capacity embeddings, evicting the oldest insert.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	items    map[string]*engine.Embedding
}

func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{capacity: max(capacity, 1), items: make(map[string]*engine.Embedding)}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Get(_ context.Context, key string) (*engine.Embedding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, e *engine.Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		m.order = append(m.order, key)
	}
	m.items[key] = e
	for len(m.order) > m.capacity {
		delete(m.items, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *MemoryStore) Close() error { return nil }
