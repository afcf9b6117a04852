// Package main provides the worker process entry point: it wires the job
// queue, scheduler fabric, workflow handlers, and startup sync together and
// runs them until a termination signal arrives.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/cache"
	"github.com/ctrlplane/gpu-fleet/internal/config"
	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/ctrlplane/gpu-fleet/internal/kvstore"
	"github.com/ctrlplane/gpu-fleet/internal/observability"
	"github.com/ctrlplane/gpu-fleet/internal/provider"
	"github.com/ctrlplane/gpu-fleet/internal/queue"
	"github.com/ctrlplane/gpu-fleet/internal/scheduler"
	"github.com/ctrlplane/gpu-fleet/internal/startupsync"
	"github.com/ctrlplane/gpu-fleet/internal/workflow"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// preferredRegions lists the regions ProductResolver falls back across when
// a request's region has no available product.
var preferredRegions = []string{"CN-HK-01", "US-WEST-01", "EU-CENTRAL-01"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		logger.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	kv, err := kvstore.New(ctx, cfg.RedisURL, cfg.RedisKeyPrefix, cfg.RedisDialTimeout, cfg.RedisReadTimeout, cfg.RedisWriteTimeout, cfg.RedisPoolSize)
	cancelBoot()
	if err != nil {
		logger.Error("redis connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Warn("failed to close redis connection", slog.Any("error", err))
		}
	}()

	cacheOpts := cache.Options{
		MaxSize:             cfg.CacheDefaultMaxSize,
		StatsFlushInterval:  cfg.CacheStatsFlushInterval,
		SizeRefreshInterval: cfg.CacheSizeRefreshInterval,
		CleanupInterval:     cfg.CacheCleanupInterval,
		ScanBatchSize:       cfg.QueueScanBatchSize,
	}
	registry := cache.NewRegistry(kv, logger, map[string]cache.Options{
		cache.DomainInstances:      cacheOpts,
		cache.DomainProducts:       cacheOpts,
		cache.DomainTemplates:      cacheOpts,
		cache.DomainMigrationTimes: cacheOpts,
	})
	registry.Start(context.Background())
	defer registry.Stop()

	providerClient := provider.New(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout, cfg.ProviderMinTimeout, cfg.ProviderMaxTimeout)

	q := queue.New(kv, logger, queue.Options{
		ProcessingInterval: cfg.QueueProcessingInterval,
		CleanupInterval:    cfg.QueueCleanupInterval,
		ProcessingTimeout:  cfg.QueueProcessingTimeout,
		MaxCompletedJobs:   cfg.QueueMaxCompletedJobs,
		MaxFailedJobs:      cfg.QueueMaxFailedJobs,
		MaxRetryDelay:      cfg.QueueMaxRetryDelay,
		ScanBatchSize:      cfg.QueueScanBatchSize,
	})

	handlers := workflow.NewHandlers(
		providerClient,
		q,
		workflow.NewInstanceStore(registry.Get(cache.DomainInstances), cfg.CacheDefaultTTL),
		workflow.NewProductResolver(providerClient, registry.Get(cache.DomainProducts)),
		workflow.NewTemplateResolver(providerClient, registry.Get(cache.DomainTemplates)),
		registry.Get(cache.DomainMigrationTimes),
		preferredRegions,
		cfg,
		logger,
	)
	q.RegisterHandler(domain.JobTypeCreateInstance, handlers.CreateInstance)
	q.RegisterHandler(domain.JobTypeMonitorInstance, handlers.MonitorInstance)
	q.RegisterHandler(domain.JobTypeSendWebhook, handlers.SendWebhook)
	q.RegisterHandler(domain.JobTypeMigrateSpotInstances, handlers.MigrateSpotInstances)
	q.RegisterHandler(domain.JobTypeHandleFailedMigrations, handlers.HandleFailedMigrations)
	q.RegisterHandler(domain.JobTypeAutoStopCheck, handlers.AutoStopCheck)

	retryCfg := cfg.GetRetryConfig()
	fabric := scheduler.NewFabric(q, registry.Get(cache.DomainMigrationTimes), logger, scheduler.FabricOptions{
		Migration: scheduler.MigrationOptions{
			Enabled: cfg.MigrationSchedulerEnabled, Interval: cfg.MigrationScheduleInterval,
			MaxAttempts: retryCfg.MaxAttempts, ShutdownTimeout: cfg.SchedulerShutdownTimeout,
		},
		FailedMigration: scheduler.FailedMigrationOptions{
			Enabled: cfg.MigrationSchedulerEnabled, Interval: cfg.FailedMigrationScheduleInterval,
			MaxAttempts: 1, Cooldown: cfg.FailedMigrationCooldown, ShutdownTimeout: cfg.SchedulerShutdownTimeout,
		},
		AutoStop: scheduler.AutoStopOptions{
			Enabled: true, ShutdownTimeout: cfg.SchedulerShutdownTimeout,
		},
		DataCleanup: scheduler.DataCleanupOptions{
			Enabled: true, Retention: cfg.DataRetention, ShutdownTimeout: cfg.SchedulerShutdownTimeout,
		},
	})

	syncer := startupsync.New(kv, registry.Get(cache.DomainInstances), providerClient, logger, startupsync.Options{
		LockTTL:       cfg.StartupSyncLockTTL,
		PageSize:      cfg.StartupSyncPageSize,
		PageDelay:     cfg.StartupSyncPageDelay,
		MarkerTTL:     cfg.StartupSyncMarkerTTL,
		BulkBatchSize: cfg.CacheBulkBatchSize,
	})
	if result, err := syncer.Run(context.Background()); err != nil {
		logger.Warn("startup sync failed to run", slog.Any("error", err))
	} else {
		logger.Info("startup sync result",
			slog.Bool("acquired", result.Acquired),
			slog.Int("provider_count", result.ProviderCount),
			slog.Int("updated", result.Updated),
			slog.Int("orphaned", result.Orphaned),
			slog.Int("errors", len(result.Errors)))
	}

	var g run.Group
	{
		// Termination handler: wait for SIGTERM/SIGINT or another group
		// member's failure.
		term := make(chan os.Signal, 1)
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case sig := <-term:
				logger.Info("signal received, shutting down", slog.String("signal", sig.String()))
			case <-cancel:
			}
			return nil
		}, func(error) {
			close(cancel)
		})
	}
	{
		// Metrics HTTP endpoint.
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: ":9090", Handler: mux}
		g.Add(func() error {
			return server.ListenAndServe()
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		})
	}
	{
		// Job queue processing/cleanup loops.
		runCtx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			q.Run(runCtx)
			<-runCtx.Done()
			return nil
		}, func(error) {
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
			defer shutdownCancel()
			if err := q.Shutdown(shutdownCtx, cfg.ServerShutdownTimeout); err != nil {
				logger.Warn("queue shutdown reported an error", slog.Any("error", err))
			}
		})
	}
	{
		// Scheduler fabric (migration, failed-migration, auto-stop, data
		// cleanup).
		fabricCtx, fabricCancel := context.WithCancel(context.Background())
		g.Add(func() error {
			if err := fabric.Start(); err != nil {
				return err
			}
			<-fabricCtx.Done()
			return nil
		}, func(error) {
			fabricCancel()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SchedulerShutdownTimeout)
			defer cancel()
			if err := fabric.Shutdown(shutdownCtx, cfg.SchedulerShutdownTimeout); err != nil {
				logger.Warn("scheduler fabric shutdown reported an error", slog.Any("error", err))
			}
		})
	}

	logger.Info("worker started successfully, waiting for shutdown signal")
	if err := g.Run(); err != nil {
		logger.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
