package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ContentStatus string

const (
	StatusDraft     ContentStatus = "draft"
	StatusPreview   ContentStatus = "preview"
	StatusApproved  ContentStatus = "approved"
	StatusRejected  ContentStatus = "rejected"
	StatusPublished ContentStatus = "published"
	StatusFailed    ContentStatus = "failed"
)

// AutoApprover is recorded as the approver of items approved by the expiry sweep.
const AutoApprover = "system-auto"

// DefaultMaxPublishAttempts applies when an item is created without an explicit limit.
const DefaultMaxPublishAttempts = 3

var ErrInvalidItem = errors.New("invalid content item")

// Valid reports whether s is one of the known statuses.
func (s ContentStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPreview, StatusApproved, StatusRejected, StatusPublished, StatusFailed:
		return true
	}
	return false
}

// ContentItem is a generated piece of content travelling through review and publication.
// Payload fields (Title, Content, Hashtags, MediaFiles) belong to the generator.
type ContentItem struct {
	ID         string            `json:"id"`
	ChannelID  string            `json:"channel_id"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Hashtags   []string          `json:"hashtags"`
	MediaFiles map[string]string `json:"media_files"`
	CreatedAt  time.Time         `json:"created_at"`
	Status     ContentStatus     `json:"status"`

	PreviewDeadline *time.Time `json:"preview_deadline,omitempty"`
	AutoPublishTime *time.Time `json:"auto_publish_time,omitempty"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`

	ApprovalUser       string `json:"approval_user,omitempty"`
	RejectionReason    string `json:"rejection_reason,omitempty"`
	PublishAttempts    int    `json:"publish_attempts"`
	MaxPublishAttempts int    `json:"max_publish_attempts"`
}

// NewContentItem creates a draft item with a fresh id.
func NewContentItem(channelID, title, content string) ContentItem {
	return ContentItem{
		ID:                 uuid.NewString(),
		ChannelID:          channelID,
		Title:              title,
		Content:            content,
		Hashtags:           []string{},
		MediaFiles:         map[string]string{},
		CreatedAt:          time.Now(),
		Status:             StatusDraft,
		MaxPublishAttempts: DefaultMaxPublishAttempts,
	}
}

// Clone returns a deep copy so callers outside the manager never share
// slices, maps or time pointers with the tracked item.
func (c ContentItem) Clone() ContentItem {
	out := c
	if c.Hashtags != nil {
		out.Hashtags = append([]string(nil), c.Hashtags...)
	}
	if c.MediaFiles != nil {
		out.MediaFiles = make(map[string]string, len(c.MediaFiles))
		for k, v := range c.MediaFiles {
			out.MediaFiles[k] = v
		}
	}
	out.PreviewDeadline = cloneTime(c.PreviewDeadline)
	out.AutoPublishTime = cloneTime(c.AutoPublishTime)
	out.LastAttemptAt = cloneTime(c.LastAttemptAt)
	return out
}

// Validate checks the field set required by the item's status.
func (c ContentItem) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidItem)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidItem, c.Status)
	}
	if c.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing created_at", ErrInvalidItem)
	}

	if c.Status == StatusDraft {
		if c.PreviewDeadline != nil || c.AutoPublishTime != nil {
			return fmt.Errorf("%w: draft item carries a deadline", ErrInvalidItem)
		}
	} else {
		if c.PreviewDeadline == nil || c.AutoPublishTime == nil {
			return fmt.Errorf("%w: %s item has no deadline", ErrInvalidItem, c.Status)
		}
		if !c.PreviewDeadline.After(c.CreatedAt) {
			return fmt.Errorf("%w: deadline %s not after creation %s", ErrInvalidItem,
				c.PreviewDeadline.Format(time.RFC3339), c.CreatedAt.Format(time.RFC3339))
		}
	}

	switch c.Status {
	case StatusApproved, StatusRejected, StatusPublished, StatusFailed:
		if c.ApprovalUser == "" {
			return fmt.Errorf("%w: %s item has no approver", ErrInvalidItem, c.Status)
		}
	}
	if c.Status == StatusRejected && c.RejectionReason == "" {
		return fmt.Errorf("%w: rejected item has no reason", ErrInvalidItem)
	}

	if c.MaxPublishAttempts <= 0 {
		return fmt.Errorf("%w: max_publish_attempts must be positive", ErrInvalidItem)
	}
	if c.PublishAttempts < 0 || c.PublishAttempts > c.MaxPublishAttempts {
		return fmt.Errorf("%w: publish_attempts %d outside [0, %d]", ErrInvalidItem,
			c.PublishAttempts, c.MaxPublishAttempts)
	}
	if c.Status == StatusFailed && c.PublishAttempts == 0 {
		return fmt.Errorf("%w: failed item has no recorded attempt", ErrInvalidItem)
	}
	return nil
}

// AttemptsLeft reports whether another publish attempt is allowed.
func (c ContentItem) AttemptsLeft() bool {
	return c.PublishAttempts < c.MaxPublishAttempts
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
