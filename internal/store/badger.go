package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"preview-gate/internal/model"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const contentPrefix = "content:"

// BadgerStore keeps one JSON record per item under "content:<id>".
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens (or creates) the database at path.
// Pass path="" to run fully in memory.
func NewBadgerStore(path string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Silence default logger
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func contentKey(id string) []byte {
	return []byte(contentPrefix + id)
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CollectGarbage rewrites value log files until none is worth rewriting.
func (s *BadgerStore) CollectGarbage() error {
	for {
		err := s.db.RunValueLogGC(0.7)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return nil
		default:
			return err
		}
	}
}

// Load reads every stored item, skipping records that fail to decode.
func (s *BadgerStore) Load(ctx context.Context) []model.ContentItem {
	var items []model.ContentItem
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(contentPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			err := it.Item().Value(func(val []byte) error {
				var item model.ContentItem
				if err := json.Unmarshal(val, &item); err != nil {
					return err
				}
				items = append(items, item)
				return nil
			})
			if err != nil {
				s.logger.Warn("Skipping corrupt record", zap.String("key", key), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to load content, starting empty", zap.Error(err))
		return nil
	}

	items = keepValid(items, s.logger)
	sortByCreated(items)
	return items
}

// All returns the stored items ordered by creation time.
func (s *BadgerStore) All(ctx context.Context) ([]model.ContentItem, error) {
	var items []model.ContentItem
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(contentPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var item model.ContentItem
			if err := json.Unmarshal(val, &item); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByCreated(items)
	return items, nil
}

// Upsert writes the item, replacing any previous version.
func (s *BadgerStore) Upsert(ctx context.Context, item model.ContentItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(contentKey(item.ID), data)
	})
}

// Delete removes the item. Deleting an absent id returns ErrNotFound.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(contentKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(contentKey(id))
	})
}
