package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"preview-gate/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Clock supplies the current time. Tests drive RunDue with their own instants instead.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Task is one periodic job. Run receives the instant the loop considers "now".
type Task struct {
	Name     string
	Schedule cron.Schedule
	Run      func(ctx context.Context, now time.Time) error
}

type taskState struct {
	Task
	next time.Time
}

type Options struct {
	// PollInterval is how often the loop checks for due tasks.
	PollInterval time.Duration
	// StopTimeout bounds how long Stop waits for an in-flight task.
	StopTimeout time.Duration
	Clock       Clock
	Location    *time.Location
}

// Worker runs its tasks from a single goroutine, one at a time, so two runs
// of the same task never overlap.
type Worker struct {
	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	runMu sync.Mutex
	tasks []*taskState

	poll        time.Duration
	stopTimeout time.Duration
	clock       Clock
	loc         *time.Location
	logger      *zap.Logger
}

func NewWorker(tasks []Task, opts Options, logger *zap.Logger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	w := &Worker{
		poll:        opts.PollInterval,
		stopTimeout: opts.StopTimeout,
		clock:       opts.Clock,
		loc:         opts.Location,
		logger:      logger,
	}
	for _, t := range tasks {
		w.tasks = append(w.tasks, &taskState{Task: t})
	}
	return w
}

// Start launches the polling goroutine. Calling Start on a running worker
// does nothing.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.logger.Warn("Scheduler is already running")
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.stop, w.done)
	w.logger.Info("Scheduler started", zap.Duration("poll_interval", w.poll), zap.Int("tasks", len(w.tasks)))
}

// Stop prevents new task runs and waits, at most StopTimeout, for an
// in-flight task to finish. It never interrupts that task.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
		w.logger.Info("Scheduler stopped")
	case <-time.After(w.stopTimeout):
		w.logger.Warn("Scheduler still finishing a task after stop timeout", zap.Duration("timeout", w.stopTimeout))
	}
}

// Wait blocks until the polling goroutine from the last Start has exited,
// including any task it was running. It returns at once if the worker never
// started.
func (w *Worker) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	// Stop only ends the loop; in-flight work keeps its own context.
	ctx := context.Background()
	w.runDue(ctx, w.clock.Now(), stop)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.runDue(ctx, w.clock.Now(), stop)
		}
	}
}

// RunDue runs, in declaration order, every task whose next run is at or
// before now and returns their names. The first call only arms the tasks.
func (w *Worker) RunDue(ctx context.Context, now time.Time) []string {
	return w.runDue(ctx, now, nil)
}

func (w *Worker) runDue(ctx context.Context, now time.Time, stop <-chan struct{}) []string {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	now = now.In(w.loc)
	var ran []string
	for _, t := range w.tasks {
		if t.next.IsZero() {
			t.next = t.Schedule.Next(now)
			continue
		}
		if now.Before(t.next) {
			continue
		}
		if stopped(stop) {
			return ran
		}
		w.runTask(ctx, t, now)
		t.next = t.Schedule.Next(now)
		ran = append(ran, t.Name)
	}
	return ran
}

// runTask isolates one run: errors and panics are logged, never propagated.
func (w *Worker) runTask(ctx context.Context, t *taskState, now time.Time) {
	logger := w.logger.With(zap.String("task", t.Name))
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return t.Run(ctx, now)
	}()

	metrics.TaskDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TaskRuns.WithLabelValues(t.Name, "error").Inc()
		logger.Error("Task failed", zap.Error(err))
		return
	}
	metrics.TaskRuns.WithLabelValues(t.Name, "ok").Inc()
	logger.Debug("Task finished", zap.Duration("took", time.Since(start)))
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
