package store

import (
	"context"
	"errors"
	"fmt"

	"preview-gate/internal/model"

	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("content not found")
	ErrUnknownDriver = errors.New("unknown store driver")
)

const (
	DriverBadger = "badger"
	DriverFile   = "file"
	DriverMemory = "memory"
)

// Store persists content items. Load never fails: missing or corrupt data
// yields an empty (or partial) set and a logged warning.
type Store interface {
	Load(ctx context.Context) []model.ContentItem
	Upsert(ctx context.Context, item model.ContentItem) error
	Delete(ctx context.Context, id string) error
	All(ctx context.Context) ([]model.ContentItem, error)
	Close() error
}

// Options selects and configures a Store driver.
type Options struct {
	Driver     string
	BadgerPath string
	FilePath   string
}

// Open builds the configured store. A badger directory that cannot be opened
// degrades to an in-memory store so startup never aborts.
func Open(opts Options, logger *zap.Logger) (Store, error) {
	switch opts.Driver {
	case DriverBadger, "":
		st, err := NewBadgerStore(opts.BadgerPath, logger)
		if err != nil {
			logger.Warn("Badger unavailable, falling back to memory store",
				zap.String("path", opts.BadgerPath), zap.Error(err))
			return NewMemoryStore(), nil
		}
		return st, nil
	case DriverFile:
		return NewFileStore(opts.FilePath, logger), nil
	case DriverMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
}

// keepValid drops records that fail validation, logging each one.
func keepValid(items []model.ContentItem, logger *zap.Logger) []model.ContentItem {
	valid, _ := splitValid(items, logger)
	return valid
}

// splitValid separates records that pass validation from those that do not.
func splitValid(items []model.ContentItem, logger *zap.Logger) (valid, invalid []model.ContentItem) {
	for _, item := range items {
		if err := item.Validate(); err != nil {
			logger.Warn("Skipping invalid stored item", zap.String("content_id", item.ID), zap.Error(err))
			invalid = append(invalid, item)
			continue
		}
		valid = append(valid, item)
	}
	return valid, invalid
}
