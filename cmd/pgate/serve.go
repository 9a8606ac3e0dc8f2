package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"preview-gate/internal/backup"
	"preview-gate/internal/notify"
	"preview-gate/internal/preview"
	"preview-gate/internal/publisher"
	"preview-gate/internal/server"
	"preview-gate/internal/store"
	"preview-gate/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler loop and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StoreOptions(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := notify.NewHub(notify.Options{
		QueueSize:       cfg.NotifyQueueSize,
		DeliveryTimeout: cfg.NotifyTimeout,
	}, logger)
	hub.Subscribe("log", notify.LogSink{Logger: logger})

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Deliveries fail and are logged until Redis comes up.
			logger.Warn("Redis not reachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		hub.Subscribe("redis", notify.NewRedisSink(rdb, cfg.RedisChannel, cfg.RedisList, cfg.RedisKeep))
	}
	// Drains pending deliveries before the Redis client closes.
	defer hub.Close()

	mgr := preview.NewManager(ctx, st, hub, preview.Options{
		Policy:             policy,
		MaxPublishAttempts: cfg.MaxPublishAttempts,
	}, logger)

	pub := publisher.New(mgr, publisher.Options{
		HandlerTimeout:  cfg.HandlerTimeout,
		RetryFailed:     cfg.RetryFailed,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}, logger)
	if len(cfg.WebhookURLs) == 0 {
		logger.Warn("No webhooks configured, publishing to the log only")
		pub.Register("log", publisher.LogHandler{Logger: logger})
	}
	for i, url := range cfg.WebhookURLs {
		pub.Register(fmt.Sprintf("webhook-%d", i+1), publisher.NewWebhookHandler(url, cfg.HandlerTimeout))
	}

	tasks, err := worker.PreviewTasks(mgr, pub, worker.Cadence{
		Sweep:         cfg.SweepInterval,
		Publish:       cfg.PublishInterval,
		Reminder:      cfg.ReminderInterval,
		Cleanup:       cfg.CleanupSchedule,
		RetentionDays: cfg.RetentionDays,
	}, logger)
	if err != nil {
		return err
	}
	if cfg.BackupEnabled() {
		b, err := newBackuper(ctx)
		if err != nil {
			return err
		}
		task, err := worker.BackupTask(b, st, cfg.BackupSchedule)
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
	}

	if gc, ok := st.(interface{ CollectGarbage() error }); ok {
		tasks = append(tasks, worker.Task{
			Name:     "store-gc",
			Schedule: cron.Every(5 * time.Minute),
			Run: func(ctx context.Context, now time.Time) error {
				return gc.CollectGarbage()
			},
		})
	}

	w := worker.NewWorker(tasks, worker.Options{
		PollInterval: cfg.PollInterval,
		StopTimeout:  cfg.StopTimeout,
		Location:     loc,
	}, logger)
	w.Start()
	// Runs before the store closes: a task still in flight after the stop
	// timeout keeps its store until it returns.
	defer func() {
		w.Stop()
		w.Wait()
	}()

	srv := server.NewServer(mgr, w, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Goodbye!")
	return err
}

func newBackuper(ctx context.Context) (*backup.Backuper, error) {
	client, err := backup.NewS3Client(ctx, backup.ClientOptions{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		return nil, err
	}
	return backup.New(client, backup.Options{
		Bucket: cfg.S3Bucket,
		Prefix: cfg.S3Prefix,
		Keep:   cfg.BackupKeep,
	}, logger), nil
}
