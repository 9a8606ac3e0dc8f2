package worker

import (
	"context"
	"fmt"
	"time"

	"preview-gate/internal/model"
	"preview-gate/internal/preview"
	"preview-gate/internal/publisher"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	TaskSweep    = "expiry-sweep"
	TaskPublish  = "publish"
	TaskReminder = "deadline-reminder"
	TaskCleanup  = "cleanup"
)

// Cadence configures the preview tasks.
type Cadence struct {
	Sweep    time.Duration
	Publish  time.Duration
	Reminder time.Duration
	// Cleanup is a standard 5-field cron expression, e.g. "0 0 * * *".
	Cleanup       string
	RetentionDays int
}

// PreviewTasks builds the sweep, publish, reminder and cleanup tasks.
func PreviewTasks(mgr *preview.Manager, pub *publisher.Publisher, c Cadence, logger *zap.Logger) ([]Task, error) {
	cleanup, err := cron.ParseStandard(c.Cleanup)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", c.Cleanup, err)
	}
	for name, d := range map[string]time.Duration{TaskSweep: c.Sweep, TaskPublish: c.Publish, TaskReminder: c.Reminder} {
		if d < time.Second {
			return nil, fmt.Errorf("%s interval %s is below one second", name, d)
		}
	}

	return []Task{
		{
			Name:     TaskSweep,
			Schedule: cron.Every(c.Sweep),
			Run: func(ctx context.Context, now time.Time) error {
				if n := len(mgr.SweepExpired(ctx, now)); n > 0 {
					logger.Info("Expired previews auto-approved", zap.Int("count", n))
				}
				return nil
			},
		},
		{
			Name:     TaskPublish,
			Schedule: cron.Every(c.Publish),
			Run: func(ctx context.Context, now time.Time) error {
				res := pub.PublishApproved(ctx, now)
				if res.Attempted > 0 {
					logger.Info("Publish cycle finished",
						zap.Int("attempted", res.Attempted),
						zap.Int("published", res.Published),
						zap.Int("failed", res.Failed),
						zap.Int("deferred", res.Deferred))
				}
				return nil
			},
		},
		{
			Name:     TaskReminder,
			Schedule: cron.Every(c.Reminder),
			Run: func(ctx context.Context, now time.Time) error {
				mgr.RemindDeadlines(now)
				return nil
			},
		},
		{
			Name:     TaskCleanup,
			Schedule: cleanup,
			Run: func(ctx context.Context, now time.Time) error {
				removed := mgr.Cleanup(ctx, now, c.RetentionDays)
				logger.Info("Cleanup finished", zap.Int("removed", len(removed)), zap.Int("retention_days", c.RetentionDays))
				return nil
			},
		},
	}, nil
}

const TaskBackup = "backup"

// Snapshotter uploads a snapshot of the tracked items.
type Snapshotter interface {
	Backup(ctx context.Context, items []model.ContentItem) (string, error)
}

// Source lists the persisted items; store.Store satisfies it.
type Source interface {
	All(ctx context.Context) ([]model.ContentItem, error)
}

// BackupTask snapshots src on the given cron schedule.
func BackupTask(b Snapshotter, src Source, schedule string) (Task, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return Task{}, fmt.Errorf("parse backup schedule %q: %w", schedule, err)
	}
	return Task{
		Name:     TaskBackup,
		Schedule: sched,
		Run: func(ctx context.Context, now time.Time) error {
			items, err := src.All(ctx)
			if err != nil {
				return err
			}
			_, err = b.Backup(ctx, items)
			return err
		},
	}, nil
}
