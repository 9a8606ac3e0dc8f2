// Package preview owns the content state machine: submission into the
// review window, reviewer decisions, the expiry sweep and publish outcomes.
package preview

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"preview-gate/internal/metrics"
	"preview-gate/internal/model"
	"preview-gate/internal/notify"
	"preview-gate/internal/store"
	"preview-gate/internal/window"

	"go.uber.org/zap"
)

// DefaultReviewer is recorded when a reviewer action carries no user.
const DefaultReviewer = "system"

// Emitter receives lifecycle events. *notify.Hub satisfies it.
type Emitter interface {
	Emit(ev notify.Event)
}

type Options struct {
	Policy             window.Policy
	MaxPublishAttempts int
	Now                func() time.Time
}

// Manager serializes every read-modify-persist sequence behind one mutex.
// The in-memory map is authoritative; store writes are best effort.
type Manager struct {
	mu    sync.Mutex
	items map[string]model.ContentItem

	store       store.Store
	emitter     Emitter
	policy      window.Policy
	maxAttempts int
	now         func() time.Time
	logger      *zap.Logger
}

// NewManager loads the tracked items from st.
func NewManager(ctx context.Context, st store.Store, emitter Emitter, opts Options, logger *zap.Logger) *Manager {
	if opts.MaxPublishAttempts <= 0 {
		opts.MaxPublishAttempts = model.DefaultMaxPublishAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		items:       make(map[string]model.ContentItem),
		store:       st,
		emitter:     emitter,
		policy:      opts.Policy,
		maxAttempts: opts.MaxPublishAttempts,
		now:         opts.Now,
		logger:      logger,
	}
	for _, item := range st.Load(ctx) {
		m.items[item.ID] = item
	}
	logger.Info("Loaded tracked content", zap.Int("count", len(m.items)))
	return m
}

// Submit moves a draft into preview with a deadline at the next window end.
func (m *Manager) Submit(ctx context.Context, item model.ContentItem) (model.ContentItem, error) {
	if item.ID == "" {
		return model.ContentItem{}, fmt.Errorf("%w: missing id", ErrInvalidItem)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[item.ID]; ok {
		return model.ContentItem{}, fmt.Errorf("%w: %s", ErrAlreadyTracked, item.ID)
	}
	if item.Status == "" {
		item.Status = model.StatusDraft
	}
	if item.Status != model.StatusDraft {
		return model.ContentItem{}, &StatusError{ID: item.ID, Op: "submit", Status: item.Status}
	}

	now := m.now()
	next := item.Clone()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	if next.MaxPublishAttempts <= 0 {
		next.MaxPublishAttempts = m.maxAttempts
	}
	deadline := m.policy.Deadline(now)
	publishAt := deadline
	next.PreviewDeadline = &deadline
	next.AutoPublishTime = &publishAt
	next.Status = model.StatusPreview

	if err := next.Validate(); err != nil {
		return model.ContentItem{}, err
	}

	m.commit(ctx, next)
	m.emitter.Emit(notify.PreviewAvailable(next))
	m.logger.Info("Content added to preview queue",
		zap.String("content_id", next.ID),
		zap.Time("deadline", deadline))
	return next.Clone(), nil
}

// Approve records a reviewer approval. Approving an approved item is a no-op.
func (m *Manager) Approve(ctx context.Context, id, user string) (model.ContentItem, error) {
	if user == "" {
		user = DefaultReviewer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return model.ContentItem{}, fmt.Errorf("approve %s: %w", id, ErrNotFound)
	}
	switch item.Status {
	case model.StatusApproved:
		return item.Clone(), nil
	case model.StatusPreview:
	default:
		return model.ContentItem{}, &StatusError{ID: id, Op: "approve", Status: item.Status}
	}

	item.Status = model.StatusApproved
	item.ApprovalUser = user
	if err := item.Validate(); err != nil {
		return model.ContentItem{}, err
	}
	m.commit(ctx, item)
	m.logger.Info("Content approved", zap.String("content_id", id), zap.String("user", user))
	return item.Clone(), nil
}

// Reject records a reviewer rejection; a reason is required.
func (m *Manager) Reject(ctx context.Context, id, user, reason string) (model.ContentItem, error) {
	if user == "" {
		user = DefaultReviewer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return model.ContentItem{}, fmt.Errorf("reject %s: %w", id, ErrNotFound)
	}
	if item.Status != model.StatusPreview {
		return model.ContentItem{}, &StatusError{ID: id, Op: "reject", Status: item.Status}
	}
	if reason == "" {
		return model.ContentItem{}, fmt.Errorf("%w: rejection reason required", ErrInvalidItem)
	}

	item.Status = model.StatusRejected
	item.ApprovalUser = user
	item.RejectionReason = reason
	if err := item.Validate(); err != nil {
		return model.ContentItem{}, err
	}
	m.commit(ctx, item)
	m.logger.Info("Content rejected",
		zap.String("content_id", id), zap.String("user", user), zap.String("reason", reason))
	return item.Clone(), nil
}

// SweepExpired auto-approves every preview item whose deadline is at or
// before now and returns them.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) []model.ContentItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	var approved []model.ContentItem
	for _, item := range m.sorted(model.StatusPreview) {
		if item.PreviewDeadline == nil || item.PreviewDeadline.After(now) {
			continue
		}
		item.Status = model.StatusApproved
		item.ApprovalUser = model.AutoApprover
		m.commit(ctx, item)
		m.emitter.Emit(notify.AutoPublishScheduled(item))
		m.logger.Info("Auto-approved expired content", zap.String("content_id", item.ID))
		approved = append(approved, item.Clone())
	}
	return approved
}

// RemindDeadlines emits a reminder for each preview item whose whole minutes
// left equal one of the reminder marks. It returns the number emitted.
func (m *Manager) RemindDeadlines(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent := 0
	for _, item := range m.sorted(model.StatusPreview) {
		if item.PreviewDeadline == nil {
			continue
		}
		minutesLeft := int(item.PreviewDeadline.Sub(now) / time.Minute)
		for _, mark := range notify.ReminderMarks {
			if minutesLeft == mark {
				m.emitter.Emit(notify.DeadlineApproaching(item, minutesLeft))
				sent++
				break
			}
		}
	}
	return sent
}

// RetryPredicate decides whether a failed item may be attempted again.
type RetryPredicate func(item model.ContentItem, now time.Time) bool

// DueForPublish returns approved items whose publish time has come, plus
// failed items accepted by retry (none when retry is nil).
func (m *Manager) DueForPublish(now time.Time, retry RetryPredicate) []model.ContentItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []model.ContentItem
	for _, item := range m.sorted(model.StatusApproved, model.StatusFailed) {
		switch item.Status {
		case model.StatusApproved:
			if item.AutoPublishTime == nil || item.AutoPublishTime.After(now) {
				continue
			}
		case model.StatusFailed:
			if retry == nil || !item.AttemptsLeft() || !retry(item, now) {
				continue
			}
		}
		due = append(due, item.Clone())
	}
	return due
}

// MarkPublished records a publish outcome. Success archives the item;
// failure counts the attempt and leaves the item failed in the store.
func (m *Manager) MarkPublished(ctx context.Context, id string, success bool, at time.Time) (model.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return model.ContentItem{}, fmt.Errorf("mark published %s: %w", id, ErrNotFound)
	}
	if item.Status != model.StatusApproved && item.Status != model.StatusFailed {
		return model.ContentItem{}, &StatusError{ID: id, Op: "publish", Status: item.Status}
	}

	attemptAt := at
	item.LastAttemptAt = &attemptAt

	if success {
		item.Status = model.StatusPublished
		delete(m.items, id)
		m.remove(ctx, id)
		metrics.Transitions.WithLabelValues(string(model.StatusPublished)).Inc()
		m.emitter.Emit(notify.PublishResult(item, true))
		m.logger.Info("Content marked as published", zap.String("content_id", id))
		return item.Clone(), nil
	}

	if item.PublishAttempts < item.MaxPublishAttempts {
		item.PublishAttempts++
	}
	item.Status = model.StatusFailed
	m.commit(ctx, item)
	m.emitter.Emit(notify.PublishResult(item, false))
	m.logger.Warn("Content failed to publish",
		zap.String("content_id", id),
		zap.Int("attempt", item.PublishAttempts),
		zap.Int("max_attempts", item.MaxPublishAttempts))
	return item.Clone(), nil
}

// Cleanup removes every item, whatever its status, created before
// now minus retentionDays. It returns the removed ids.
func (m *Manager) Cleanup(ctx context.Context, now time.Time, retentionDays int) []string {
	cutoff := now.AddDate(0, 0, -retentionDays)

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, item := range m.items {
		if item.CreatedAt.Before(cutoff) {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		delete(m.items, id)
		m.remove(ctx, id)
		m.logger.Info("Cleaned up old content", zap.String("content_id", id))
	}
	return removed
}

// Get returns a tracked item.
func (m *Manager) Get(id string) (model.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return model.ContentItem{}, ErrNotFound
	}
	return item.Clone(), nil
}

// Pending returns preview items ordered by deadline.
func (m *Manager) Pending() []model.ContentItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(m.sorted(model.StatusPreview))
}

// Approved returns approved items ordered by deadline.
func (m *Manager) Approved() []model.ContentItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(m.sorted(model.StatusApproved))
}

// Counts reports tracked items per status.
func (m *Manager) Counts() map[model.ContentStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[model.ContentStatus]int)
	for _, item := range m.items {
		counts[item.Status]++
	}
	return counts
}

// Total is the number of tracked items.
func (m *Manager) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Manager) Policy() window.Policy { return m.policy }

// WindowActive reports whether now is inside the review window.
func (m *Manager) WindowActive(now time.Time) bool {
	return m.policy.Within(now)
}

// commit stores item in memory and persists it. Caller holds m.mu.
func (m *Manager) commit(ctx context.Context, item model.ContentItem) {
	m.items[item.ID] = item
	metrics.Transitions.WithLabelValues(string(item.Status)).Inc()
	if err := m.store.Upsert(ctx, item); err != nil {
		metrics.StorePersistFailures.Inc()
		m.logger.Error("Error saving content", zap.String("content_id", item.ID), zap.Error(err))
	}
}

// remove deletes id from the store. Caller holds m.mu.
func (m *Manager) remove(ctx context.Context, id string) {
	if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		metrics.StorePersistFailures.Inc()
		m.logger.Error("Error deleting content", zap.String("content_id", id), zap.Error(err))
	}
}

// sorted returns the items in the given statuses by deadline, then id.
// Caller holds m.mu.
func (m *Manager) sorted(statuses ...model.ContentStatus) []model.ContentItem {
	var out []model.ContentItem
	for _, item := range m.items {
		for _, s := range statuses {
			if item.Status == s {
				out = append(out, item)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := deadlineOf(out[i]), deadlineOf(out[j])
		if di.Equal(dj) {
			return out[i].ID < out[j].ID
		}
		return di.Before(dj)
	})
	return out
}

func deadlineOf(item model.ContentItem) time.Time {
	if item.PreviewDeadline == nil {
		return time.Time{}
	}
	return *item.PreviewDeadline
}

func cloneAll(items []model.ContentItem) []model.ContentItem {
	out := make([]model.ContentItem, 0, len(items))
	for _, item := range items {
		out = append(out, item.Clone())
	}
	return out
}
