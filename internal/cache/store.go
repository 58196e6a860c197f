package cache

import (
	"sync"

	"github.com/nfrund/chatsync/internal/domain"
)

// Store is a whole-value blob store keyed by scope. Get returns
// domain.ErrNotFound when nothing has been written for the key.
// Put must be atomic: a concurrent Get sees the old or the new blob, never
// a partial one.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, blob []byte) error
	Close() error
}

// MemoryStore keeps blobs in process memory. Used when no durable backend
// is configured and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Put(key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), blob...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
