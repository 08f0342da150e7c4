package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps documents in process memory
type MemoryBackend struct {
	mu        sync.RWMutex
	documents map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{documents: make(map[string][]byte)}
}

func (m *MemoryBackend) Read(ctx context.Context, collection string) ([]byte, error) {
	if err := validateName(collection); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.documents[collection]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

func (m *MemoryBackend) Write(ctx context.Context, collection string, document []byte) error {
	if err := validateName(collection); err != nil {
		return err
	}

	doc := make([]byte, len(document))
	copy(doc, document)

	m.mu.Lock()
	m.documents[collection] = doc
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}
