package preview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"preview-gate/internal/model"
	"preview-gate/internal/notify"
	"preview-gate/internal/store"
	"preview-gate/internal/window"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Emit(ev notify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(t notify.EventType, contentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t && ev.ContentID == contentID {
			n++
		}
	}
	return n
}

// brokenStore fails every write.
type brokenStore struct{ *store.MemoryStore }

func (brokenStore) Upsert(ctx context.Context, item model.ContentItem) error {
	return errors.New("disk full")
}

func (brokenStore) Delete(ctx context.Context, id string) error {
	return errors.New("disk full")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func day(hour, min int) time.Time {
	return time.Date(2024, 3, 10, hour, min, 0, 0, time.UTC)
}

type fixture struct {
	mgr    *Manager
	store  store.Store
	events *eventLog
	clock  *fakeClock
}

func newFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()
	policy, err := window.NewPolicy("21:00", "22:00", time.UTC)
	require.NoError(t, err)
	if st == nil {
		st = store.NewMemoryStore()
	}
	clock := &fakeClock{now: day(20, 0)}
	events := &eventLog{}
	mgr := NewManager(context.Background(), st, events, Options{
		Policy:             policy,
		MaxPublishAttempts: 3,
		Now:                clock.Now,
	}, zap.NewNop())
	return &fixture{mgr: mgr, store: st, events: events, clock: clock}
}

func draft(id string, created time.Time) model.ContentItem {
	item := model.NewContentItem("horror_stories", "Story "+id, "body")
	item.ID = id
	item.CreatedAt = created
	return item
}

func (f *fixture) submit(t *testing.T, id string) model.ContentItem {
	t.Helper()
	item, err := f.mgr.Submit(context.Background(), draft(id, f.clock.Now().Add(-time.Minute)))
	require.NoError(t, err)
	return item
}

func TestSubmit_SameDayDeadline(t *testing.T) {
	f := newFixture(t, nil)

	item := f.submit(t, "a")

	assert.Equal(t, model.StatusPreview, item.Status)
	require.NotNil(t, item.PreviewDeadline)
	assert.Equal(t, day(22, 0), *item.PreviewDeadline)
	assert.Equal(t, *item.PreviewDeadline, *item.AutoPublishTime)
	assert.Equal(t, 1, f.events.count(notify.TypePreviewAvailable, "a"))

	stored, err := f.store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.StatusPreview, stored[0].Status)
}

func TestSubmit_NextDayDeadline(t *testing.T) {
	f := newFixture(t, nil)
	f.clock.Set(day(22, 30))

	item := f.submit(t, "a")
	assert.Equal(t, day(22, 0).AddDate(0, 0, 1), *item.PreviewDeadline)
}

func TestSubmit_Preconditions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, "a")

	_, err := f.mgr.Submit(ctx, draft("a", day(19, 0)))
	assert.ErrorIs(t, err, ErrAlreadyTracked)

	notDraft := draft("b", day(19, 0))
	notDraft.Status = model.StatusApproved
	_, err = f.mgr.Submit(ctx, notDraft)
	var se *StatusError
	assert.ErrorAs(t, err, &se)

	_, err = f.mgr.Submit(ctx, draft("", day(19, 0)))
	assert.ErrorIs(t, err, ErrInvalidItem)

	// Created after its own deadline.
	_, err = f.mgr.Submit(ctx, draft("c", day(23, 0)))
	assert.ErrorIs(t, err, ErrInvalidItem)
	_, err = f.mgr.Get("c")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApprove(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, "a")

	item, err := f.mgr.Approve(ctx, "a", "editor")
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, item.Status)
	assert.Equal(t, "editor", item.ApprovalUser)

	// Idempotent: a second approval keeps the first approver.
	item, err = f.mgr.Approve(ctx, "a", "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "editor", item.ApprovalUser)

	_, err = f.mgr.Approve(ctx, "missing", "editor")
	assert.ErrorIs(t, err, ErrNotFound)
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}

func TestReject(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, "a")

	_, err := f.mgr.Reject(ctx, "a", "editor", "")
	assert.ErrorIs(t, err, ErrInvalidItem)

	item, err := f.mgr.Reject(ctx, "a", "editor", "off-brand")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, item.Status)
	assert.Equal(t, "off-brand", item.RejectionReason)

	// Terminal: neither approve nor reject may leave rejected.
	_, err = f.mgr.Approve(ctx, "a", "editor")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.StatusRejected, se.Status)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.mgr.Reject(ctx, "a", "editor", "again")
	assert.ErrorAs(t, err, &se)

	// Sweep never touches rejected items.
	assert.Empty(t, f.mgr.SweepExpired(ctx, day(23, 0)))
	got, err := f.mgr.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, got.Status)
}

func TestSweepExpired_AutoApprovesOnceAfterDeadline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, "a")
	deadline := day(22, 0)

	assert.Empty(t, f.mgr.SweepExpired(ctx, deadline.Add(-time.Second)))

	swept := f.mgr.SweepExpired(ctx, deadline.Add(time.Second))
	require.Len(t, swept, 1)
	assert.Equal(t, model.StatusApproved, swept[0].Status)
	assert.Equal(t, model.AutoApprover, swept[0].ApprovalUser)

	assert.Empty(t, f.mgr.SweepExpired(ctx, deadline.Add(time.Second)))
	assert.Empty(t, f.mgr.SweepExpired(ctx, deadline.Add(time.Hour)))
	assert.Equal(t, 1, f.events.count(notify.TypeAutoPublishScheduled, "a"))
}

func TestSweepExpired_DeadlineIsInclusive(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, "a")

	swept := f.mgr.SweepExpired(context.Background(), day(22, 0))
	assert.Len(t, swept, 1)
}

func TestApproveRacingSweep_SingleOutcome(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := newFixture(t, nil)
		ctx := context.Background()
		id := fmt.Sprintf("race-%d", i)
		f.submit(t, id)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Approve(ctx, id, "editor")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			f.mgr.SweepExpired(ctx, day(23, 0))
		}()
		wg.Wait()

		item, err := f.mgr.Get(id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusApproved, item.Status)

		autos := f.events.count(notify.TypeAutoPublishScheduled, id)
		switch item.ApprovalUser {
		case "editor":
			assert.Equal(t, 0, autos)
		case model.AutoApprover:
			assert.Equal(t, 1, autos)
		default:
			t.Fatalf("unexpected approver %q", item.ApprovalUser)
		}

		stored, err := f.store.All(ctx)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, item, stored[0])
	}
}

func TestRemindDeadlines_ExactMarksOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, "a")
	deadline := day(22, 0)

	cases := map[time.Duration]int{
		31 * time.Minute:                0,
		30 * time.Minute:                1,
		30*time.Minute - 20*time.Second: 0, // 29 whole minutes
		15*time.Minute + 59*time.Second: 1,
		10 * time.Minute:                0,
		5 * time.Minute:                 1,
		4 * time.Minute:                 0,
	}
	for before, want := range cases {
		assert.Equal(t, want, f.mgr.RemindDeadlines(deadline.Add(-before)), "at %s before deadline", before)
	}
	assert.Equal(t, 3, f.events.count(notify.TypeDeadlineApproaching, "a"))
}

func TestMarkPublished_Success(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, "a")
	f.mgr.SweepExpired(ctx, day(22, 0))

	item, err := f.mgr.MarkPublished(ctx, "a", true, day(22, 5))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPublished, item.Status)

	_, err = f.mgr.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	stored, err := f.store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, 1, f.events.count(notify.TypePublishSucceeded, "a"))

	_, err = f.mgr.MarkPublished(ctx, "a", true, day(22, 6))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkPublished_FailureCountsAttemptsUpToMax(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, "a")
	f.mgr.SweepExpired(ctx, day(22, 0))

	for i := 1; i <= 4; i++ {
		item, err := f.mgr.MarkPublished(ctx, "a", false, day(22, i))
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, item.Status)
		assert.Equal(t, min(i, 3), item.PublishAttempts)
		assert.Equal(t, day(22, i), *item.LastAttemptAt)
	}

	stored, err := f.store.All(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.StatusFailed, stored[0].Status)
	assert.Equal(t, 4, f.events.count(notify.TypePublishFailed, "a"))
}

func TestMarkPublished_RequiresApprovedOrFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, "a")

	_, err := f.mgr.MarkPublished(context.Background(), "a", true, day(22, 0))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.StatusPreview, se.Status)
}

func TestDueForPublish(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, "early")
	f.submit(t, "failed")
	f.submit(t, "pending")
	f.clock.Set(day(22, 30))
	f.submit(t, "tomorrow")

	_, err := f.mgr.Approve(ctx, "early", "editor")
	require.NoError(t, err)
	_, err = f.mgr.Approve(ctx, "failed", "editor")
	require.NoError(t, err)
	_, err = f.mgr.MarkPublished(ctx, "failed", false, day(22, 0))
	require.NoError(t, err)
	_, err = f.mgr.Approve(ctx, "tomorrow", "editor")
	require.NoError(t, err)

	// Approved early still waits for the publish time.
	assert.Empty(t, f.mgr.DueForPublish(day(21, 30), nil))

	due := f.mgr.DueForPublish(day(22, 30), nil)
	require.Len(t, due, 1)
	assert.Equal(t, "early", due[0].ID)

	always := func(model.ContentItem, time.Time) bool { return true }
	due = f.mgr.DueForPublish(day(22, 30), always)
	require.Len(t, due, 2)
	assert.ElementsMatch(t, []string{"early", "failed"}, []string{due[0].ID, due[1].ID})
}

func TestCleanup_RemovesOnlyOldItemsOfAnyStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := day(20, 0)

	ids := map[string]time.Duration{
		"old-preview":  -8 * 24 * time.Hour,
		"old-rejected": -7*24*time.Hour - time.Second,
		"edge":         -7 * 24 * time.Hour,
		"fresh":        -time.Hour,
	}
	for id, age := range ids {
		_, err := f.mgr.Submit(ctx, draft(id, now.Add(age)))
		require.NoError(t, err)
	}
	_, err := f.mgr.Reject(ctx, "old-rejected", "editor", "nope")
	require.NoError(t, err)

	removed := f.mgr.Cleanup(ctx, now, 7)
	assert.Equal(t, []string{"old-preview", "old-rejected"}, removed)

	assert.Equal(t, 2, f.mgr.Total())
	stored, err := f.store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestManager_ReloadsFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	f := newFixture(t, st)
	f.submit(t, "a")
	f.submit(t, "b")
	_, err := f.mgr.Approve(context.Background(), "b", "editor")
	require.NoError(t, err)

	again := newFixture(t, st)
	assert.Equal(t, 2, again.mgr.Total())
	assert.Equal(t, map[model.ContentStatus]int{model.StatusPreview: 1, model.StatusApproved: 1}, again.mgr.Counts())
	assert.Len(t, again.mgr.Pending(), 1)
	assert.Len(t, again.mgr.Approved(), 1)
}

func TestManager_PersistFailureKeepsMemoryAuthoritative(t *testing.T) {
	f := newFixture(t, &brokenStore{MemoryStore: store.NewMemoryStore()})
	ctx := context.Background()

	f.submit(t, "a")
	_, err := f.mgr.Approve(ctx, "a", "editor")
	require.NoError(t, err)

	got, err := f.mgr.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)

	_, err = f.mgr.MarkPublished(ctx, "a", true, day(22, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, f.mgr.Total())
}

func TestWindowActive(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.mgr.WindowActive(day(20, 0)))
	assert.True(t, f.mgr.WindowActive(day(21, 15)))
}
