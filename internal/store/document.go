package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"preview-gate/internal/model"
)

// EncodeDocument renders items as the persisted document: one JSON object
// mapping content id to item fields.
func EncodeDocument(items []model.ContentItem) ([]byte, error) {
	doc := make(map[string]model.ContentItem, len(items))
	for _, item := range items {
		doc[item.ID] = item
	}
	return json.MarshalIndent(doc, "", "  ")
}

// DecodeDocument parses a persisted document. Records whose key and id
// disagree take the key as their id. Output is ordered by creation time.
func DecodeDocument(data []byte) ([]model.ContentItem, error) {
	var doc map[string]model.ContentItem
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	items := make([]model.ContentItem, 0, len(doc))
	for id, item := range doc {
		item.ID = id
		items = append(items, item)
	}
	sortByCreated(items)
	return items, nil
}

func sortByCreated(items []model.ContentItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
