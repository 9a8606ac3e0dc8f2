// Package publisher drives approved content through the registered publish
// handlers and reports each outcome back to the preview manager.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"preview-gate/internal/metrics"
	"preview-gate/internal/model"
	"preview-gate/internal/preview"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	ErrHandlerDeclined = errors.New("publish handler reported failure")
	ErrHandlerTimeout  = errors.New("publish handler timed out")
	ErrHandlerPanic    = errors.New("publish handler panicked")
)

// Content is the slice of the preview manager the publisher needs.
type Content interface {
	DueForPublish(now time.Time, retry preview.RetryPredicate) []model.ContentItem
	MarkPublished(ctx context.Context, id string, success bool, at time.Time) (model.ContentItem, error)
}

type Options struct {
	HandlerTimeout time.Duration
	// RetryFailed lets failed items with attempts left re-enter the cycle.
	RetryFailed    bool
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// BreakerFailures consecutive failures open a handler's breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type registered struct {
	name    string
	handler Handler
	breaker *gobreaker.CircuitBreaker
}

type Publisher struct {
	mu       sync.Mutex
	handlers []registered

	content Content
	opts    Options
	logger  *zap.Logger
}

// Result summarizes one publish cycle. Deferred items met an open breaker
// before any failing handler ran; they keep their status and attempts.
type Result struct {
	Attempted int
	Published int
	Failed    int
	Deferred  int
}

type outcome int

const (
	published outcome = iota
	failed
	deferred
)

func New(content Content, opts Options, logger *zap.Logger) *Publisher {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 5 * time.Minute
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = time.Minute
	}
	return &Publisher{content: content, opts: opts, logger: logger}
}

// Register appends a handler to the chain. Handlers run in registration order.
func (p *Publisher) Register(name string, h Handler) {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: p.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("Circuit breaker state change",
				zap.String("handler", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, registered{
		name:    name,
		handler: h,
		breaker: gobreaker.NewCircuitBreaker(settings),
	})
}

// PublishApproved attempts every due item once. A failing item never stops
// the rest of the batch.
func (p *Publisher) PublishApproved(ctx context.Context, now time.Time) Result {
	var retry preview.RetryPredicate
	if p.opts.RetryFailed {
		retry = p.retryReady
	}

	var res Result
	for _, item := range p.content.DueForPublish(now, retry) {
		res.Attempted++
		out := p.publishOne(ctx, item)
		if out == deferred {
			metrics.PublishAttempts.WithLabelValues("deferred").Inc()
			res.Deferred++
			continue
		}
		ok := out == published
		if ok {
			metrics.PublishAttempts.WithLabelValues("success").Inc()
		} else {
			metrics.PublishAttempts.WithLabelValues("failure").Inc()
		}

		updated, err := p.content.MarkPublished(ctx, item.ID, ok, now)
		if err != nil {
			// The item left the publishable states while handlers ran, e.g. cleanup.
			p.logger.Warn("Could not record publish outcome", zap.String("content_id", item.ID), zap.Error(err))
			continue
		}
		if ok {
			res.Published++
			continue
		}
		res.Failed++
		if !updated.AttemptsLeft() {
			p.logger.Error("Publish attempts exhausted",
				zap.String("content_id", item.ID),
				zap.Int("attempts", updated.PublishAttempts))
		}
	}
	return res
}

// publishOne runs the handler chain; the first failure stops it. An open
// breaker defers the item to a later cycle instead of failing it.
func (p *Publisher) publishOne(ctx context.Context, item model.ContentItem) outcome {
	p.mu.Lock()
	chain := append([]registered(nil), p.handlers...)
	p.mu.Unlock()

	logger := p.logger.With(zap.String("content_id", item.ID))
	if len(chain) == 0 {
		logger.Warn("No publish handlers registered")
	}

	for _, r := range chain {
		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, p.call(ctx, r.handler, item)
		})
		if err == nil {
			continue
		}
		metrics.HandlerFailures.WithLabelValues(r.name, failureReason(err)).Inc()
		if breakerRejected(err) {
			logger.Info("Publish handler unavailable, deferring", zap.String("handler", r.name), zap.Error(err))
			return deferred
		}
		logger.Warn("Publishing callback failed", zap.String("handler", r.name), zap.Error(err))
		return failed
	}
	logger.Info("Successfully published content")
	return published
}

type callResult struct {
	ok  bool
	err error
}

// call bounds one handler invocation by the handler timeout, even when the
// handler ignores its context.
func (p *Publisher) call(ctx context.Context, h Handler, item model.ContentItem) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.HandlerTimeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()
		ok, err := h.Handle(ctx, item.Clone())
		done <- callResult{ok: ok, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		if !res.ok {
			return ErrHandlerDeclined
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", ErrHandlerTimeout, p.opts.HandlerTimeout)
	}
}

// breakerRejected reports whether the breaker refused the call without
// running the handler.
func breakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func failureReason(err error) string {
	switch {
	case breakerRejected(err):
		return "breaker_open"
	case errors.Is(err, ErrHandlerTimeout):
		return "timeout"
	case errors.Is(err, ErrHandlerDeclined):
		return "declined"
	case errors.Is(err, ErrHandlerPanic):
		return "panic"
	}
	return "error"
}

func (p *Publisher) retryReady(item model.ContentItem, now time.Time) bool {
	if item.LastAttemptAt == nil {
		return true
	}
	return !now.Before(item.LastAttemptAt.Add(p.RetryDelay(item.PublishAttempts)))
}

// RetryDelay is the wait after the given number of failed attempts:
// base, 2*base, 4*base, ... capped at the max delay.
func (p *Publisher) RetryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryBaseDelay
	b.MaxInterval = p.opts.RetryMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
