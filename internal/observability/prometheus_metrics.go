package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobsEnqueuedTotal counts jobs enqueued by type and priority.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type", "priority"},
	)
	// JobsProcessing is a gauge of the number of currently processing jobs by type.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	// JobsCompletedTotal counts jobs completed by type.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	// JobsFailedTotal counts jobs failed by type, split by whether they were
	// retried or moved to the failed ledger.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type", "terminal"},
	)
	// JobsRetriedTotal counts jobs requeued for another attempt.
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of job retry requeues",
		},
		[]string{"type"},
	)
	// JobsRecoveredTotal counts jobs recovered from a stale processing claim.
	JobsRecoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_recovered_total",
			Help: "Total number of jobs recovered from stale processing claims",
		},
		[]string{"type"},
	)
	// QueueDepth is a gauge of ready-to-run jobs waiting in the priority queue.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of jobs waiting in the ready queue",
		},
		[]string{"type"},
	)

	// CacheHitsTotal counts cache lookups that found a live entry.
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)
	// CacheMissesTotal counts cache lookups that found nothing or an expired entry.
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)
	// CacheEvictionsTotal counts entries evicted by the LRU policy or TTL expiry.
	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of cache evictions",
		},
		[]string{"cache", "reason"},
	)
	// CacheSize is a gauge of the current entry count per named cache.
	CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_size",
			Help: "Current number of entries held by a named cache",
		},
		[]string{"cache"},
	)

	// SchedulerExecutionsTotal counts scheduler tick executions by scheduler name.
	SchedulerExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_executions_total",
			Help: "Total number of scheduler executions",
		},
		[]string{"scheduler"},
	)
	// SchedulerFailuresTotal counts scheduler tick executions that returned an error.
	SchedulerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_failures_total",
			Help: "Total number of scheduler executions that failed",
		},
		[]string{"scheduler"},
	)
	// SchedulerHealth reports 1 when a scheduler is considered healthy, 0 otherwise.
	SchedulerHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_health",
			Help: "Scheduler health (1=healthy, 0=unhealthy)",
		},
		[]string{"scheduler"},
	)

	// WebhookSentTotal counts outbound webhook deliveries by outcome.
	WebhookSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_sent_total",
			Help: "Total number of webhook deliveries attempted",
		},
		[]string{"status"},
	)

	// ProviderRequestsTotal counts Provider API calls by operation and outcome.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of Provider API requests",
		},
		[]string{"operation", "status"},
	)
	// ProviderRequestDuration records Provider API call latency by operation.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Provider API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// CircuitBreakerStatus tracks circuit breaker state per collaborator/operation.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)

	// MigrationCooldownActiveTotal counts migration attempts skipped due to cooldown.
	MigrationCooldownActiveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migration_cooldown_skipped_total",
			Help: "Total number of migration sweeps skipped due to an active cooldown",
		},
		[]string{"instance_id"},
	)

	// StartupSyncDuration records the wall-clock time spent reconciling instance
	// state against the Provider during process boot.
	StartupSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "startup_sync_duration_seconds",
			Help:    "Startup synchronization duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		JobsEnqueuedTotal,
		JobsProcessing,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsRetriedTotal,
		JobsRecoveredTotal,
		QueueDepth,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheSize,
		SchedulerExecutionsTotal,
		SchedulerFailuresTotal,
		SchedulerHealth,
		WebhookSentTotal,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		CircuitBreakerStatus,
		MigrationCooldownActiveTotal,
		StartupSyncDuration,
	)
}

// EnqueueJob increments the enqueued jobs counter for the given type and priority.
func EnqueueJob(jobType, priority string) {
	JobsEnqueuedTotal.WithLabelValues(jobType, priority).Inc()
}

// StartProcessingJob increments the processing gauge for the given type.
func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

// CompleteJob marks a job complete by decrementing processing gauge and incrementing completed counter.
func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

// FailJob marks a job failed by decrementing the processing gauge and incrementing the
// failed counter. terminal distinguishes a final failure (moved to the failed ledger)
// from one that was requeued for retry.
func FailJob(jobType string, terminal bool) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	status := "retry"
	if terminal {
		status = "terminal"
	}
	JobsFailedTotal.WithLabelValues(jobType, status).Inc()
	if !terminal {
		JobsRetriedTotal.WithLabelValues(jobType).Inc()
	}
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status CircuitBreakerState) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
