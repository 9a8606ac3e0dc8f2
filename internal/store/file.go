package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"preview-gate/internal/model"

	"go.uber.org/zap"
)

// FileStore keeps every item in a single JSON document and rewrites the
// whole document on each change. Records that fail validation on load are
// hidden from callers but written back untouched until their id is reused.
type FileStore struct {
	mu      sync.Mutex
	path    string
	items   map[string]model.ContentItem
	invalid map[string]model.ContentItem
	logger  *zap.Logger
}

func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{
		path:    path,
		items:   make(map[string]model.ContentItem),
		invalid: make(map[string]model.ContentItem),
		logger:  logger,
	}
}

// Load reads the document; a missing or corrupt file yields an empty set.
func (s *FileStore) Load(ctx context.Context) []model.ContentItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]model.ContentItem)
	s.invalid = make(map[string]model.ContentItem)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to read content document, starting empty", zap.String("path", s.path), zap.Error(err))
		}
		return nil
	}

	items, err := DecodeDocument(data)
	if err != nil {
		s.logger.Warn("Corrupt content document, starting empty", zap.String("path", s.path), zap.Error(err))
		return nil
	}

	valid, invalid := splitValid(items, s.logger)
	for _, item := range valid {
		s.items[item.ID] = item
	}
	for _, item := range invalid {
		s.invalid[item.ID] = item
	}
	return valid
}

func (s *FileStore) All(ctx context.Context) ([]model.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

func (s *FileStore) Upsert(ctx context.Context, item model.ContentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item.Clone()
	delete(s.invalid, item.ID)
	return s.flush()
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return s.flush()
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) snapshot() []model.ContentItem {
	items := make([]model.ContentItem, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item.Clone())
	}
	sortByCreated(items)
	return items
}

// flush writes the document through a temp file so readers never see a
// half-written file.
func (s *FileStore) flush() error {
	items := s.snapshot()
	for _, item := range s.invalid {
		items = append(items, item)
	}
	data, err := EncodeDocument(items)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
