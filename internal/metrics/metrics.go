// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgate_status_transitions_total",
			Help: "Content status transitions by target status.",
		},
		[]string{"status"},
	)

	PublishAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgate_publish_attempts_total",
			Help: "Publish attempts by outcome.",
		},
		[]string{"result"},
	)

	HandlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgate_publish_handler_failures_total",
			Help: "Publish handler failures by handler and reason.",
		},
		[]string{"handler", "reason"},
	)

	NotificationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgate_notifications_dropped_total",
			Help: "Notifications dropped because a subscriber queue was full.",
		},
		[]string{"subscriber"},
	)

	NotificationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgate_notifications_failed_total",
			Help: "Notifications whose subscriber returned an error or panicked.",
		},
		[]string{"subscriber"},
	)

	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgate_scheduler_task_runs_total",
			Help: "Scheduler task runs by task and outcome.",
		},
		[]string{"task", "outcome"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgate_scheduler_task_duration_seconds",
			Help:    "Scheduler task run duration.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	StorePersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgate_store_persist_failures_total",
			Help: "Store writes that failed and left memory ahead of disk.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Transitions,
		PublishAttempts,
		HandlerFailures,
		NotificationsDropped,
		NotificationsFailed,
		TaskRuns,
		TaskDuration,
		StorePersistFailures,
	)
}
