package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/cache"
	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/ctrlplane/gpu-fleet/internal/queue"
)

// Fabric bundles the four schedulers into a single unit cmd/worker can
// start, stop, and report health for as one.
type Fabric struct {
	Migration       *Worker
	FailedMigration *Worker
	AutoStop        *Worker
	DataCleanup     *Worker
}

// FabricOptions collects the per-scheduler options used to build a Fabric.
type FabricOptions struct {
	Migration       MigrationOptions
	FailedMigration FailedMigrationOptions
	AutoStop        AutoStopOptions
	DataCleanup     DataCleanupOptions
}

// NewFabric wires all four schedulers against the shared job queue and the
// migration-times cache.
func NewFabric(q *queue.Queue, migrationTimes *cache.Cache, log *slog.Logger, opts FabricOptions) *Fabric {
	return &Fabric{
		Migration:       NewMigrationScheduler(q, opts.Migration),
		FailedMigration: NewFailedMigrationScheduler(q, migrationTimes, opts.FailedMigration),
		AutoStop:        NewAutoStopScheduler(q, opts.AutoStop),
		DataCleanup:     NewDataCleanupScheduler(q, log, opts.DataCleanup),
	}
}

func (f *Fabric) workers() []*Worker {
	return []*Worker{f.Migration, f.FailedMigration, f.AutoStop, f.DataCleanup}
}

// Start starts every scheduler in the fabric.
func (f *Fabric) Start() error {
	for _, w := range f.workers() {
		if err := w.Start(); err != nil {
			return fmt.Errorf("starting scheduler %s: %w", w.name, err)
		}
	}
	return nil
}

// Shutdown stops every scheduler in the fabric, waiting up to timeout per
// scheduler for an in-flight tick to finish.
func (f *Fabric) Shutdown(ctx context.Context, timeout time.Duration) error {
	var firstErr error
	for _, w := range f.workers() {
		if err := w.Shutdown(ctx, timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Health reports the health of every scheduler in the fabric, keyed by
// scheduler name.
func (f *Fabric) Health() map[string]bool {
	out := make(map[string]bool, len(f.workers()))
	for _, w := range f.workers() {
		out[w.name] = w.Health()
	}
	return out
}

// Status reports the SchedulerStatus of every scheduler in the fabric, keyed
// by scheduler name.
func (f *Fabric) Status() map[string]domain.SchedulerStatus {
	out := make(map[string]domain.SchedulerStatus, len(f.workers()))
	for _, w := range f.workers() {
		out[w.name] = w.Status()
	}
	return out
}
