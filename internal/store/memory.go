package store

import (
	"context"
	"sync"

	"preview-gate/internal/model"
)

// MemoryStore is a process-local store. It is the fail-open fallback when
// durable storage is unavailable.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]model.ContentItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]model.ContentItem)}
}

func (s *MemoryStore) Load(ctx context.Context) []model.ContentItem {
	items, _ := s.All(ctx)
	return items
}

func (s *MemoryStore) All(ctx context.Context) ([]model.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]model.ContentItem, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item.Clone())
	}
	sortByCreated(items)
	return items, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, item model.ContentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
