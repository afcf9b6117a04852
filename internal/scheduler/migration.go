package scheduler

import (
	"context"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/ctrlplane/gpu-fleet/internal/queue"
)

// MigrationOptions configures the scheduler that sweeps for spot instances
// eligible for migration (spec.md §4.D, row "Migration").
type MigrationOptions struct {
	Enabled         bool
	Interval        time.Duration
	MaxAttempts     int
	ShutdownTimeout time.Duration
}

func (o MigrationOptions) withDefaults() MigrationOptions {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// NewMigrationScheduler produces a MigrateSpotInstances job on every tick,
// skipping the tick if one is already Pending or Processing.
func NewMigrationScheduler(q *queue.Queue, opts MigrationOptions) *Worker {
	opts = opts.withDefaults()
	w := NewWorker("migration", opts.Enabled, opts.ShutdownTimeout)

	run := func(ctx context.Context) (string, error) {
		existing, err := dedupJobType(ctx, q, domain.JobTypeMigrateSpotInstances)
		if err != nil {
			return "", err
		}
		if existing != "" {
			return existing, nil
		}
		return q.Add(ctx, domain.JobTypeMigrateSpotInstances, struct{}{}, domain.PriorityNormal, opts.MaxAttempts)
	}

	_ = w.ScheduleInterval(opts.Interval, run)
	return w
}
