package store

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryStore keeps blobs in a locked map. It is the default backend and
// the one tests use.
type MemoryStore struct {
	logger *zap.Logger
	mu     sync.RWMutex
	blobs  map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger: logger.Named("atrest.store.memory"),
		blobs:  make(map[string]string),
	}
}

func (s *MemoryStore) Put(_ context.Context, entityID string, blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[entityID] = blob
	return nil
}

func (s *MemoryStore) Get(_ context.Context, entityID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[entityID]
	if !ok {
		return "", ErrNotFound
	}
	return blob, nil
}

func (s *MemoryStore) Delete(_ context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, entityID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.blobs))
	for id := range s.blobs {
		ids = append(ids, id)
	}
	return ids, nil
}
