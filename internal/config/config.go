// Package config reads the service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"time"

	"preview-gate/internal/store"
	"preview-gate/internal/window"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
)

// Prefix is prepended to every variable name, e.g. PGATE_WINDOW_START.
const Prefix = "PGATE"

type Config struct {
	WindowStart string `envconfig:"WINDOW_START" default:"21:00"`
	WindowEnd   string `envconfig:"WINDOW_END" default:"22:00"`
	Timezone    string `envconfig:"TIMEZONE" default:"Local"`

	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	PublishInterval  time.Duration `envconfig:"PUBLISH_INTERVAL" default:"5m"`
	ReminderInterval time.Duration `envconfig:"REMINDER_INTERVAL" default:"10m"`
	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"15s"`
	StopTimeout      time.Duration `envconfig:"STOP_TIMEOUT" default:"5s"`
	CleanupSchedule  string        `envconfig:"CLEANUP_SCHEDULE" default:"0 0 * * *"`
	RetentionDays    int           `envconfig:"RETENTION_DAYS" default:"7"`

	MaxPublishAttempts int           `envconfig:"MAX_PUBLISH_ATTEMPTS" default:"3"`
	RetryFailed        bool          `envconfig:"RETRY_FAILED" default:"true"`
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"5m"`
	RetryMaxDelay      time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1h"`
	HandlerTimeout     time.Duration `envconfig:"HANDLER_TIMEOUT" default:"30s"`
	BreakerFailures    uint32        `envconfig:"BREAKER_FAILURES" default:"5"`
	BreakerCooldown    time.Duration `envconfig:"BREAKER_COOLDOWN" default:"1m"`
	WebhookURLs        []string      `envconfig:"WEBHOOK_URLS"`

	NotifyQueueSize int           `envconfig:"NOTIFY_QUEUE_SIZE" default:"64"`
	NotifyTimeout   time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"5s"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"badger"`
	BadgerPath  string `envconfig:"BADGER_PATH" default:"data/badger"`
	StoreFile   string `envconfig:"STORE_FILE" default:"data/scheduled_content.json"`

	// Redis is optional; an empty address disables the event sink.
	RedisAddr    string `envconfig:"REDIS_ADDR"`
	RedisChannel string `envconfig:"REDIS_CHANNEL" default:"pgate:events"`
	RedisList    string `envconfig:"REDIS_LIST" default:"pgate:events:recent"`
	RedisKeep    int    `envconfig:"REDIS_KEEP" default:"100"`

	HTTPPort string `envconfig:"HTTP_PORT" default:"8080"`

	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile     string `envconfig:"LOG_FILE"`
	Development bool   `envconfig:"DEVELOPMENT" default:"false"`

	S3Bucket    string `envconfig:"S3_BUCKET"`
	S3Prefix    string `envconfig:"S3_PREFIX" default:"pgate/"`
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	BackupKeep  int    `envconfig:"BACKUP_KEEP" default:"7"`

	// BackupSchedule is a cron expression; it only applies with a bucket set.
	BackupSchedule string `envconfig:"BACKUP_SCHEDULE" default:"30 0 * * *"`
}

// Load reads envFile (or ./.env when envFile is empty and the file exists),
// then the environment, and validates the result. Variables already set in
// the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cron.ParseStandard(c.CleanupSchedule); err != nil {
		errs = append(errs, fmt.Errorf("cleanup schedule %q: %w", c.CleanupSchedule, err))
	}
	if c.BackupEnabled() {
		if _, err := cron.ParseStandard(c.BackupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("backup schedule %q: %w", c.BackupSchedule, err))
		}
	}
	for name, d := range map[string]time.Duration{
		"sweep interval":    c.SweepInterval,
		"publish interval":  c.PublishInterval,
		"reminder interval": c.ReminderInterval,
		"poll interval":     c.PollInterval,
		"handler timeout":   c.HandlerTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.MaxPublishAttempts < 1 {
		errs = append(errs, fmt.Errorf("max publish attempts must be at least 1, got %d", c.MaxPublishAttempts))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("retention days must not be negative, got %d", c.RetentionDays))
	}
	switch c.StoreDriver {
	case store.DriverBadger, store.DriverFile, store.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", store.ErrUnknownDriver, c.StoreDriver))
	}
	return errors.Join(errs...)
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Policy builds the preview window in the configured timezone.
func (c *Config) Policy() (window.Policy, error) {
	loc, err := c.Location()
	if err != nil {
		return window.Policy{}, err
	}
	return window.NewPolicy(c.WindowStart, c.WindowEnd, loc)
}

func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver:     c.StoreDriver,
		BadgerPath: c.BadgerPath,
		FilePath:   c.StoreFile,
	}
}

// BackupEnabled reports whether an S3 bucket is configured.
func (c *Config) BackupEnabled() bool {
	return c.S3Bucket != ""
}
