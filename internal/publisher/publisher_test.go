package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"preview-gate/internal/model"
	"preview-gate/internal/notify"
	"preview-gate/internal/preview"
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

func (l *eventLog) count(t notify.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func at(hour, min int) time.Time {
	return time.Date(2024, 3, 10, hour, min, 0, 0, time.UTC)
}

type fixture struct {
	mgr    *preview.Manager
	store  *store.MemoryStore
	events *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	policy, err := window.NewPolicy("21:00", "22:00", time.UTC)
	require.NoError(t, err)
	st := store.NewMemoryStore()
	events := &eventLog{}
	mgr := preview.NewManager(context.Background(), st, events, preview.Options{
		Policy:             policy,
		MaxPublishAttempts: 3,
		Now:                func() time.Time { return at(20, 0) },
	}, zap.NewNop())
	return &fixture{mgr: mgr, store: st, events: events}
}

// approved submits id and lets the sweep approve it at the 22:00 deadline.
func (f *fixture) approved(t *testing.T, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		item := model.NewContentItem("horror_stories", "Story "+id, "body")
		item.ID = id
		item.CreatedAt = at(19, 0)
		_, err := f.mgr.Submit(ctx, item)
		require.NoError(t, err)
	}
	require.Len(t, f.mgr.SweepExpired(ctx, at(22, 0)), len(ids))
}

func succeed(calls *atomic.Int32) HandlerFunc {
	return func(ctx context.Context, item model.ContentItem) (bool, error) {
		calls.Add(1)
		return true, nil
	}
}

func decline(calls *atomic.Int32) HandlerFunc {
	return func(ctx context.Context, item model.ContentItem) (bool, error) {
		calls.Add(1)
		return false, nil
	}
}

func TestPublishApproved_SuccessArchivesItem(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "a")

	var calls atomic.Int32
	pub := New(f.mgr, Options{}, zap.NewNop())
	pub.Register("ok", succeed(&calls))

	res := pub.PublishApproved(context.Background(), at(22, 5))

	assert.Equal(t, Result{Attempted: 1, Published: 1}, res)
	assert.Equal(t, int32(1), calls.Load())
	_, err := f.mgr.Get("a")
	assert.ErrorIs(t, err, preview.ErrNotFound)
	stored, _ := f.store.All(context.Background())
	assert.Empty(t, stored)
	assert.Equal(t, 1, f.events.count(notify.TypePublishSucceeded))
	assert.Equal(t, 0, f.events.count(notify.TypePublishFailed))
}

func TestPublishApproved_FailureKeepsItemFailed(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "a")

	var calls atomic.Int32
	pub := New(f.mgr, Options{}, zap.NewNop())
	pub.Register("no", decline(&calls))

	res := pub.PublishApproved(context.Background(), at(22, 5))

	assert.Equal(t, Result{Attempted: 1, Failed: 1}, res)
	item, err := f.mgr.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, item.Status)
	assert.Equal(t, 1, item.PublishAttempts)

	stored, _ := f.store.All(context.Background())
	require.Len(t, stored, 1)
	assert.Equal(t, model.StatusFailed, stored[0].Status)
	assert.Equal(t, 1, f.events.count(notify.TypePublishFailed))
}

func TestPublishApproved_ChainStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "a")

	var first, second, third atomic.Int32
	pub := New(f.mgr, Options{}, zap.NewNop())
	pub.Register("first", succeed(&first))
	pub.Register("second", decline(&second))
	pub.Register("third", succeed(&third))

	pub.PublishApproved(context.Background(), at(22, 5))

	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(1), second.Load())
	assert.Equal(t, int32(0), third.Load())
}

func TestPublishApproved_HandlerErrorsTimeoutsAndPanicsFail(t *testing.T) {
	handlers := map[string]HandlerFunc{
		"error": func(ctx context.Context, item model.ContentItem) (bool, error) {
			return true, errors.New("platform rejected post")
		},
		"panic": func(ctx context.Context, item model.ContentItem) (bool, error) {
			panic("nil map")
		},
		"stuck": func(ctx context.Context, item model.ContentItem) (bool, error) {
			time.Sleep(time.Second) // ignores ctx
			return true, nil
		},
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.approved(t, "a")
			pub := New(f.mgr, Options{HandlerTimeout: 20 * time.Millisecond}, zap.NewNop())
			pub.Register(name, h)

			start := time.Now()
			res := pub.PublishApproved(context.Background(), at(22, 5))
			assert.Less(t, time.Since(start), 500*time.Millisecond)

			assert.Equal(t, 1, res.Failed)
			item, err := f.mgr.Get("a")
			require.NoError(t, err)
			assert.Equal(t, model.StatusFailed, item.Status)
		})
	}
}

func TestPublishApproved_OneFailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "a", "b", "c")

	pub := New(f.mgr, Options{}, zap.NewNop())
	pub.Register("picky", HandlerFunc(func(ctx context.Context, item model.ContentItem) (bool, error) {
		return item.ID != "b", nil
	}))

	res := pub.PublishApproved(context.Background(), at(22, 5))

	assert.Equal(t, Result{Attempted: 3, Published: 2, Failed: 1}, res)
	assert.Equal(t, 1, f.mgr.Total())
	item, err := f.mgr.Get("b")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, item.Status)
}

func TestPublishApproved_NotBeforePublishTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := model.NewContentItem("ch", "early bird", "body")
	item.ID = "a"
	item.CreatedAt = at(19, 0)
	_, err := f.mgr.Submit(ctx, item)
	require.NoError(t, err)
	_, err = f.mgr.Approve(ctx, "a", "editor")
	require.NoError(t, err)

	var calls atomic.Int32
	pub := New(f.mgr, Options{}, zap.NewNop())
	pub.Register("ok", succeed(&calls))

	assert.Equal(t, Result{}, pub.PublishApproved(ctx, at(21, 30)))
	assert.Equal(t, Result{Attempted: 1, Published: 1}, pub.PublishApproved(ctx, at(22, 0)))
}

func TestPublishApproved_FailedStaysTerminalWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "a")

	var calls atomic.Int32
	pub := New(f.mgr, Options{RetryFailed: false}, zap.NewNop())
	pub.Register("no", decline(&calls))

	pub.PublishApproved(context.Background(), at(22, 5))
	pub.PublishApproved(context.Background(), at(23, 5))
	pub.PublishApproved(context.Background(), at(23, 59))

	assert.Equal(t, int32(1), calls.Load())
	item, err := f.mgr.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1, item.PublishAttempts)
}

func TestPublishApproved_RetriesFailedWithBackoffUntilMax(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "a")

	var calls atomic.Int32
	pub := New(f.mgr, Options{
		RetryFailed:    true,
		RetryBaseDelay: 10 * time.Minute,
		RetryMaxDelay:  time.Hour,
	}, zap.NewNop())
	pub.Register("no", decline(&calls))
	ctx := context.Background()

	pub.PublishApproved(ctx, at(22, 0)) // attempt 1
	pub.PublishApproved(ctx, at(22, 9)) // too early: needs 10m
	assert.Equal(t, int32(1), calls.Load())

	pub.PublishApproved(ctx, at(22, 10)) // attempt 2
	pub.PublishApproved(ctx, at(22, 29)) // too early: needs 20m
	assert.Equal(t, int32(2), calls.Load())

	pub.PublishApproved(ctx, at(22, 30)) // attempt 3
	pub.PublishApproved(ctx, at(23, 59)) // exhausted
	assert.Equal(t, int32(3), calls.Load())

	item, err := f.mgr.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, item.Status)
	assert.Equal(t, 3, item.PublishAttempts)
	assert.Equal(t, 3, f.events.count(notify.TypePublishFailed))
}

func TestPublishApproved_RetrySucceeds(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "a")

	var calls atomic.Int32
	pub := New(f.mgr, Options{RetryFailed: true, RetryBaseDelay: time.Minute}, zap.NewNop())
	pub.Register("flaky", HandlerFunc(func(ctx context.Context, item model.ContentItem) (bool, error) {
		return calls.Add(1) > 1, nil
	}))
	ctx := context.Background()

	assert.Equal(t, 1, pub.PublishApproved(ctx, at(22, 0)).Failed)
	assert.Equal(t, 1, pub.PublishApproved(ctx, at(22, 1)).Published)
	assert.Equal(t, 0, f.mgr.Total())
}

func TestRetryDelay(t *testing.T) {
	pub := New(nil, Options{RetryBaseDelay: 5 * time.Minute, RetryMaxDelay: 15 * time.Minute}, zap.NewNop())

	assert.Equal(t, 5*time.Minute, pub.RetryDelay(1))
	assert.Equal(t, 10*time.Minute, pub.RetryDelay(2))
	assert.Equal(t, 15*time.Minute, pub.RetryDelay(3))
	assert.Equal(t, 15*time.Minute, pub.RetryDelay(6))
}

func TestBreakerOpenDefersRemainingItems(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "a", "b", "c", "d")

	var calls atomic.Int32
	pub := New(f.mgr, Options{BreakerFailures: 2, BreakerCooldown: time.Hour}, zap.NewNop())
	pub.Register("down", decline(&calls))

	res := pub.PublishApproved(context.Background(), at(22, 5))

	// Two real calls trip the breaker; the rest wait for a later cycle.
	assert.Equal(t, Result{Attempted: 4, Failed: 2, Deferred: 2}, res)
	assert.Equal(t, int32(2), calls.Load())

	for _, id := range []string{"c", "d"} {
		item, err := f.mgr.Get(id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusApproved, item.Status)
		assert.Equal(t, 0, item.PublishAttempts)
	}
	assert.Equal(t, 2, f.events.count(notify.TypePublishFailed))
}

func TestBreakerDoesNotFailDeliverableItem(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "a", "b", "c", "d", "e", "f")

	var delivered atomic.Int32
	pub := New(f.mgr, Options{BreakerCooldown: 10 * time.Millisecond}, zap.NewNop())
	pub.Register("picky", HandlerFunc(func(ctx context.Context, item model.ContentItem) (bool, error) {
		if item.ID != "f" {
			return false, nil
		}
		delivered.Add(1)
		return true, nil
	}))
	ctx := context.Background()

	res := pub.PublishApproved(ctx, at(22, 5))
	assert.Equal(t, Result{Attempted: 6, Failed: 5, Deferred: 1}, res)
	assert.Equal(t, int32(0), delivered.Load())

	item, err := f.mgr.Get("f")
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, item.Status)
	assert.Equal(t, 0, item.PublishAttempts)

	// Once the breaker half-opens, f goes through.
	time.Sleep(20 * time.Millisecond)
	res = pub.PublishApproved(ctx, at(23, 30))
	assert.Equal(t, Result{Attempted: 1, Published: 1}, res)
	assert.Equal(t, int32(1), delivered.Load())
	_, err = f.mgr.Get("f")
	assert.ErrorIs(t, err, preview.ErrNotFound)
}

func TestNoHandlersPublishes(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "a")

	pub := New(f.mgr, Options{}, zap.NewNop())
	assert.Equal(t, 1, pub.PublishApproved(context.Background(), at(22, 5)).Published)
}

func TestWebhookHandler(t *testing.T) {
	var got model.ContentItem
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.ChannelID == "broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewWebhookHandler(srv.URL, time.Second)
	item := model.NewContentItem("horror_stories", "Night shift", "body")

	ok, err := h.Handle(context.Background(), item)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, item.ID, key)

	item.ChannelID = "broken"
	ok, err = h.Handle(context.Background(), item)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "status 502")
}
