package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/queue"
)

// DataCleanupOptions configures the scheduler that purges terminal job
// records past their retention window (spec.md §4.D, row "Data-cleanup").
// Unlike the other three schedulers it performs work directly rather than
// enqueueing a job.
type DataCleanupOptions struct {
	Enabled         bool
	Retention       time.Duration
	ShutdownTimeout time.Duration
}

func (o DataCleanupOptions) withDefaults() DataCleanupOptions {
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	return o
}

// dataCleanupCron fires every 3 hours, aligned to the UTC hour.
const dataCleanupCron = "0 0,3,6,9,12,15,18,21 * * *"

// NewDataCleanupScheduler purges job records whose terminal timestamp is
// older than the retention window on every tick.
func NewDataCleanupScheduler(q *queue.Queue, log *slog.Logger, opts DataCleanupOptions) *Worker {
	opts = opts.withDefaults()
	w := NewWorker("data-cleanup", opts.Enabled, opts.ShutdownTimeout)

	run := func(ctx context.Context) (string, error) {
		purged, err := q.PurgeOldRecords(ctx, opts.Retention)
		if err != nil {
			return "", fmt.Errorf("data cleanup: %w", err)
		}
		log.Info("data cleanup purged job records", slog.Int("purged", purged))
		return "", nil
	}

	_ = w.ScheduleCron(dataCleanupCron, run)
	return w
}
