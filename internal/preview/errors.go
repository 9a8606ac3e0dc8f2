package preview

import (
	"errors"
	"fmt"

	"preview-gate/internal/model"
	"preview-gate/internal/store"
)

var (
	ErrNotFound       = store.ErrNotFound
	ErrAlreadyTracked = errors.New("content already tracked")
	ErrInvalidItem    = model.ErrInvalidItem
)

// StatusError reports a transition the item's current status forbids.
// It also matches ErrNotFound under errors.Is; use errors.As to tell the
// two apart.
type StatusError struct {
	ID     string
	Op     string
	Status model.ContentStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cannot %s content %s: status is %s", e.Op, e.ID, e.Status)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound
}
