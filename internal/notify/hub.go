// Package notify fans lifecycle events out to registered subscribers.
//
// Every subscriber gets its own queue and goroutine, so events reach a
// subscriber in emit order and a slow or broken subscriber never holds up
// the emitter or the other subscribers.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"preview-gate/internal/metrics"

	"go.uber.org/zap"
)

// Subscriber receives events. Returned errors are logged and ignored.
type Subscriber interface {
	Notify(ctx context.Context, ev Event) error
}

type SubscriberFunc func(ctx context.Context, ev Event) error

func (f SubscriberFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

type Options struct {
	QueueSize       int
	DeliveryTimeout time.Duration
	Now             func() time.Time
}

type subscription struct {
	name  string
	sub   Subscriber
	queue chan Event
}

type Hub struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup

	queueSize int
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewHub(opts Options, logger *zap.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		queueSize: opts.QueueSize,
		timeout:   opts.DeliveryTimeout,
		now:       opts.Now,
		logger:    logger,
	}
}

// Subscribe registers sub under name and starts its delivery goroutine.
func (h *Hub) Subscribe(name string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.logger.Warn("Subscribe after hub closed", zap.String("subscriber", name))
		return
	}
	s := &subscription{name: name, sub: sub, queue: make(chan Event, h.queueSize)}
	h.subs = append(h.subs, s)
	h.wg.Add(1)
	go h.run(s)
}

// Emit stamps ev and queues it for every subscriber. It never blocks.
func (h *Hub) Emit(ev Event) {
	ev.Timestamp = h.now()

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		select {
		case s.queue <- ev:
		default:
			metrics.NotificationsDropped.WithLabelValues(s.name).Inc()
			h.logger.Warn("Subscriber queue full, dropping event",
				zap.String("subscriber", s.name),
				zap.String("type", string(ev.Type)),
				zap.String("content_id", ev.ContentID))
		}
	}
}

// Close stops accepting events and waits until queued ones are delivered.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, s := range h.subs {
		close(s.queue)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) run(s *subscription) {
	defer h.wg.Done()
	for ev := range s.queue {
		h.deliver(s, ev)
	}
}

func (h *Hub) deliver(s *subscription, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("subscriber panic: %v", r)
			}
		}()
		return s.sub.Notify(ctx, ev)
	}()
	if err != nil {
		metrics.NotificationsFailed.WithLabelValues(s.name).Inc()
		h.logger.Error("Error in notification callback",
			zap.String("subscriber", s.name),
			zap.String("type", string(ev.Type)),
			zap.String("content_id", ev.ContentID),
			zap.Error(err))
	}
}
