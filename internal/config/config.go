// Package config defines configuration parsing and helpers for the worker
// process: Redis connectivity, queue/cache tuning, scheduler cadences, and
// auto-stop thresholds.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Redis / KV store connectivity.
	RedisURL       string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisKeyPrefix string        `env:"REDIS_KEY_PREFIX" envDefault:"gpufleet"`
	RedisDialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	RedisReadTimeout time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	RedisWriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
	RedisPoolSize    int           `env:"REDIS_POOL_SIZE" envDefault:"20"`

	// Provider client connectivity (the Provider's HTTP transport, rate
	// limiting, and circuit breaking are an opaque external collaborator;
	// only the base URL/credentials needed to construct it live here).
	ProviderBaseURL   string        `env:"PROVIDER_BASE_URL" envDefault:"https://api.provider.example/v1"`
	ProviderAPIKey    string        `env:"PROVIDER_API_KEY"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	ProviderMinTimeout time.Duration `env:"PROVIDER_MIN_TIMEOUT" envDefault:"5s"`
	ProviderMaxTimeout time.Duration `env:"PROVIDER_MAX_TIMEOUT" envDefault:"90s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"gpu-fleet-worker"`

	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Job queue tuning (component C).
	QueueProcessingInterval time.Duration `env:"QUEUE_PROCESSING_INTERVAL" envDefault:"1s"`
	QueueCleanupInterval    time.Duration `env:"QUEUE_CLEANUP_INTERVAL" envDefault:"5m"`
	QueueProcessingTimeout  time.Duration `env:"QUEUE_PROCESSING_TIMEOUT" envDefault:"10m"`
	QueueMaxCompletedJobs   int64         `env:"QUEUE_MAX_COMPLETED_JOBS" envDefault:"1000"`
	QueueMaxFailedJobs      int64         `env:"QUEUE_MAX_FAILED_JOBS" envDefault:"1000"`
	QueueMaxRetryAttempts   int           `env:"QUEUE_MAX_RETRY_ATTEMPTS" envDefault:"5"`
	QueueMaxRetryDelay      time.Duration `env:"QUEUE_MAX_RETRY_DELAY" envDefault:"5m"`
	QueueScanBatchSize      int64         `env:"QUEUE_SCAN_BATCH_SIZE" envDefault:"100"`

	// Cache layer tuning (component B).
	CacheDefaultMaxSize   int           `env:"CACHE_DEFAULT_MAX_SIZE" envDefault:"1000"`
	CacheDefaultTTL       time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"10m"`
	CacheStatsFlushInterval time.Duration `env:"CACHE_STATS_FLUSH_INTERVAL" envDefault:"5s"`
	CacheSizeRefreshInterval time.Duration `env:"CACHE_SIZE_REFRESH_INTERVAL" envDefault:"30s"`
	CacheCleanupInterval  time.Duration `env:"CACHE_CLEANUP_INTERVAL" envDefault:"1m"`
	CacheBulkBatchSize    int           `env:"CACHE_BULK_BATCH_SIZE" envDefault:"30"`

	// Scheduler fabric cadences (component D).
	MigrationSchedulerEnabled      bool          `env:"MIGRATION_SCHEDULER_ENABLED" envDefault:"true"`
	MigrationScheduleInterval      time.Duration `env:"MIGRATION_SCHEDULE_INTERVAL" envDefault:"30s"`
	MigrationJobTimeout            time.Duration `env:"MIGRATION_JOB_TIMEOUT" envDefault:"5m"`
	MigrationMaxConcurrent         int           `env:"MIGRATION_MAX_CONCURRENT" envDefault:"5"`
	MigrationDryRun                bool          `env:"MIGRATION_DRY_RUN" envDefault:"false"`
	FailedMigrationScheduleInterval time.Duration `env:"FAILED_MIGRATION_SCHEDULE_INTERVAL" envDefault:"1m"`
	FailedMigrationCooldown        time.Duration `env:"FAILED_MIGRATION_COOLDOWN" envDefault:"5m"`
	AutoStopScheduleInterval       time.Duration `env:"AUTO_STOP_SCHEDULE_INTERVAL" envDefault:"2m"`
	DataCleanupScheduleInterval    time.Duration `env:"DATA_CLEANUP_SCHEDULE_INTERVAL" envDefault:"3h"`
	DataRetention                  time.Duration `env:"DATA_RETENTION" envDefault:"720h"`
	SchedulerShutdownTimeout       time.Duration `env:"SCHEDULER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	SchedulerHealthMinExecutions   int64         `env:"SCHEDULER_HEALTH_MIN_EXECUTIONS" envDefault:"10"`
	SchedulerHealthMaxFailureRate  float64       `env:"SCHEDULER_HEALTH_MAX_FAILURE_RATE" envDefault:"0.5"`

	// Auto-stop eligibility thresholds (component E, AutoStopCheck).
	AutoStopInactivityThreshold time.Duration `env:"AUTO_STOP_INACTIVITY_THRESHOLD" envDefault:"10m"`
	AutoStopStartupGrace        time.Duration `env:"AUTO_STOP_STARTUP_GRACE" envDefault:"45m"`
	AutoStopCreationGrace       time.Duration `env:"AUTO_STOP_CREATION_GRACE" envDefault:"60m"`
	AutoStopDryRun              bool          `env:"AUTO_STOP_DRY_RUN" envDefault:"false"`

	// Instance-listing fallback (component F, Startup Sync).
	InstanceListingFallbackToLocal bool          `env:"INSTANCE_LISTING_FALLBACK_TO_LOCAL" envDefault:"true"`
	StartupSyncLockTTL             time.Duration `env:"STARTUP_SYNC_LOCK_TTL" envDefault:"5m"`
	StartupSyncPageSize             int          `env:"STARTUP_SYNC_PAGE_SIZE" envDefault:"50"`
	StartupSyncPageDelay            time.Duration `env:"STARTUP_SYNC_PAGE_DELAY" envDefault:"100ms"`
	StartupSyncMarkerTTL            time.Duration `env:"STARTUP_SYNC_MARKER_TTL" envDefault:"24h"`

	// Monitoring handler polling bounds (component E, MonitorInstance).
	MonitorPollInterval time.Duration `env:"MONITOR_POLL_INTERVAL" envDefault:"15s"`
	MonitorMaxAttempts  int           `env:"MONITOR_MAX_ATTEMPTS" envDefault:"40"`

	// Webhook delivery (component E, SendWebhook).
	WebhookTimeout    time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	WebhookMaxRetries int           `env:"WEBHOOK_MAX_RETRIES" envDefault:"3"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
