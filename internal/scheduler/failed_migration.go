package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/cache"
	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/ctrlplane/gpu-fleet/internal/queue"
)

// FailedMigrationOptions configures the scheduler that re-drives instances
// stuck in a failed migration state (spec.md §4.D, row "Failed-Migration").
type FailedMigrationOptions struct {
	Enabled         bool
	Interval        time.Duration
	MaxAttempts     int
	Cooldown        time.Duration
	ShutdownTimeout time.Duration
}

func (o FailedMigrationOptions) withDefaults() FailedMigrationOptions {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 7 * 24 * time.Hour
	}
	return o
}

// cooldownKey is the migration-times cache key guarding a global cooldown
// between HandleFailedMigrations sweeps.
const cooldownKey = "failed-migration-sweep"

// NewFailedMigrationScheduler produces a HandleFailedMigrations job unless a
// sweep is already in flight or the cooldown window hasn't elapsed.
func NewFailedMigrationScheduler(q *queue.Queue, migrationTimes *cache.Cache, opts FailedMigrationOptions) *Worker {
	opts = opts.withDefaults()
	w := NewWorker("failed-migration", opts.Enabled, opts.ShutdownTimeout)

	run := func(ctx context.Context) (string, error) {
		existing, err := dedupJobType(ctx, q, domain.JobTypeHandleFailedMigrations)
		if err != nil {
			return "", err
		}
		if existing != "" {
			return existing, nil
		}

		onCooldown, err := withinCooldown(ctx, migrationTimes, opts.Cooldown)
		if err != nil {
			return "", err
		}
		if onCooldown {
			return "", nil
		}

		id, err := q.Add(ctx, domain.JobTypeHandleFailedMigrations, struct{}{}, domain.PriorityNormal, opts.MaxAttempts)
		if err != nil {
			return "", err
		}
		if err := recordSweepTime(ctx, migrationTimes, opts.Cooldown); err != nil {
			return id, err
		}
		return id, nil
	}

	_ = w.ScheduleInterval(opts.Interval, run)
	return w
}

func withinCooldown(ctx context.Context, c *cache.Cache, cooldown time.Duration) (bool, error) {
	raw, ok, err := c.Get(ctx, cooldownKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	var rec domain.MigrationTimeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, nil
	}
	return time.Since(rec.AttemptedAt) < cooldown, nil
}

func recordSweepTime(ctx context.Context, c *cache.Cache, cooldown time.Duration) error {
	rec := domain.MigrationTimeRecord{AttemptedAt: time.Now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.Set(ctx, cooldownKey, raw, cooldown)
}
