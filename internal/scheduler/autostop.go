package scheduler

import (
	"context"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/ctrlplane/gpu-fleet/internal/queue"
)

// AutoStopOptions configures the scheduler that checks running instances for
// their auto-stop deadline (spec.md §4.D, row "Auto-stop"). Unlike Migration
// and Failed-migration, ticks are never deduped: AutoStopCheck is idempotent
// and its job record is ephemeral.
type AutoStopOptions struct {
	Enabled         bool
	ShutdownTimeout time.Duration
}

const autoStopInterval = 2 * time.Minute

// NewAutoStopScheduler produces one ephemeral AutoStopCheck job every tick.
func NewAutoStopScheduler(q *queue.Queue, opts AutoStopOptions) *Worker {
	w := NewWorker("auto-stop", opts.Enabled, opts.ShutdownTimeout)

	run := func(ctx context.Context) (string, error) {
		return q.Add(ctx, domain.JobTypeAutoStopCheck, struct{}{}, domain.PriorityNormal, 1)
	}

	_ = w.ScheduleInterval(autoStopInterval, run)
	return w
}
