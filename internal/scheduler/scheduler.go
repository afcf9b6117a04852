// Package scheduler wraps oss.nandlabs.io/golly/chrono to drive the four
// periodic producers described in spec.md §4.D: Migration, Failed-Migration,
// Auto-stop, and Data-cleanup. Each wraps a single chrono job and translates
// chrono's JobInfo into the control plane's SchedulerStatus/Health contract.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/ctrlplane/gpu-fleet/internal/observability"
	"github.com/ctrlplane/gpu-fleet/internal/queue"
	"oss.nandlabs.io/golly/chrono"
)

// RunFunc is one scheduler tick. It returns the id of the job it produced
// (empty if it performed work directly, like Data-cleanup) and an error if
// the tick failed.
type RunFunc func(ctx context.Context) (jobID string, err error)

// Worker is a single named scheduler entry backed by a chrono.Scheduler.
type Worker struct {
	name            string
	enabled         bool
	shutdownTimeout time.Duration
	chronoSched     chrono.Scheduler
	runFn           RunFunc
	startedAt       time.Time

	mu           sync.Mutex
	currentJobID string
	shuttingDown bool
}

// NewWorker constructs a named scheduler. enabled=false leaves the
// underlying chrono job unscheduled; Health() then reports healthy
// ("disabled is intentionally idle") per spec.md §4.D.
func NewWorker(name string, enabled bool, shutdownTimeout time.Duration) *Worker {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Worker{
		name:            name,
		enabled:         enabled,
		shutdownTimeout: shutdownTimeout,
		chronoSched:     chrono.New(),
	}
}

func (w *Worker) wrap(fn RunFunc) chrono.JobFunc {
	return func(ctx context.Context) error {
		jobID, err := fn(ctx)
		w.mu.Lock()
		w.currentJobID = jobID
		w.mu.Unlock()

		observability.SchedulerExecutionsTotal.WithLabelValues(w.name).Inc()
		if err != nil {
			observability.SchedulerFailuresTotal.WithLabelValues(w.name).Inc()
		}
		return err
	}
}

// ScheduleInterval registers fn to run every interval, if this worker is
// enabled.
func (w *Worker) ScheduleInterval(interval time.Duration, fn RunFunc) error {
	w.runFn = fn
	if !w.enabled {
		return nil
	}
	return w.chronoSched.AddIntervalJob(w.name, w.name, w.wrap(fn), interval)
}

// ScheduleCron registers fn to run on cronExpr, if this worker is enabled.
func (w *Worker) ScheduleCron(cronExpr string, fn RunFunc) error {
	w.runFn = fn
	if !w.enabled {
		return nil
	}
	return w.chronoSched.AddCronJob(w.name, w.name, w.wrap(fn), cronExpr)
}

// Start begins the scheduler's timer loop.
func (w *Worker) Start() error {
	w.startedAt = time.Now()
	if !w.enabled {
		return nil
	}
	return w.chronoSched.Start()
}

// Stop halts the scheduler's timer loop without waiting for shutdown
// semantics; prefer Shutdown when draining a currently-running tick matters.
func (w *Worker) Stop() error {
	if !w.enabled {
		return nil
	}
	return w.chronoSched.Stop()
}

// Shutdown marks the worker as shutting down (Health() reports unhealthy
// immediately, per spec.md §4.D) then stops the scheduler, waiting up to
// timeout for the in-flight tick to finish.
func (w *Worker) Shutdown(ctx context.Context, timeout time.Duration) error {
	w.mu.Lock()
	w.shuttingDown = true
	w.mu.Unlock()

	if !w.enabled {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- w.chronoSched.Stop() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("scheduler %s: shutdown timed out after %s with job %s still running", w.name, timeout, w.CurrentJobID())
	}
}

// ExecuteNow runs the scheduler's tick immediately, out of band from its
// regular cadence.
func (w *Worker) ExecuteNow(ctx context.Context) error {
	if w.runFn == nil {
		return fmt.Errorf("scheduler %s: no run function registered", w.name)
	}
	return w.wrap(w.runFn)(ctx)
}

// CurrentJobID returns the id of the job the most recent tick produced, or
// empty if the last tick performed work directly.
func (w *Worker) CurrentJobID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentJobID
}

// Status reports the scheduler's current state, translating chrono's
// JobInfo into spec.md §3's SchedulerStatus shape.
func (w *Worker) Status() domain.SchedulerStatus {
	w.mu.Lock()
	shuttingDown := w.shuttingDown
	currentJobID := w.currentJobID
	w.mu.Unlock()

	status := domain.SchedulerStatus{
		Enabled:      w.enabled,
		ShuttingDown: shuttingDown,
		CurrentJobID: currentJobID,
		Uptime:       time.Since(w.startedAt),
	}
	if !w.enabled {
		return status
	}

	status.Running = w.chronoSched.IsRunning()
	if info, err := w.chronoSched.GetJob(w.name); err == nil && info != nil {
		if !info.LastRun.IsZero() {
			t := info.LastRun
			status.LastExecution = &t
		}
		if !info.NextRun.IsZero() {
			t := info.NextRun
			status.NextExecution = &t
		}
		status.TotalExecutions = info.RunCount
		status.FailedExecutions = info.ErrorCount
	}
	return status
}

// Health reports whether the scheduler is healthy per spec.md §4.D's rules,
// and records the result as a Prometheus gauge.
func (w *Worker) Health() bool {
	healthy := w.Status().Healthy()
	value := 0.0
	if healthy {
		value = 1.0
	}
	observability.SchedulerHealth.WithLabelValues(w.name).Set(value)
	return healthy
}

// dedupJobType implements the dedup rule shared by Migration and
// Failed-migration: if a job of this type is already Pending or Processing,
// skip this tick and return its id (spec.md §4.D).
func dedupJobType(ctx context.Context, q *queue.Queue, jt domain.JobType) (string, error) {
	pending := domain.JobStatusPending
	results, err := q.List(ctx, domain.JobFilter{Type: &jt, Status: &pending, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("dedup check for %s: %w", jt, err)
	}
	if len(results) > 0 {
		return results[0].ID, nil
	}

	processing := domain.JobStatusProcessing
	results, err = q.List(ctx, domain.JobFilter{Type: &jt, Status: &processing, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("dedup check for %s: %w", jt, err)
	}
	if len(results) > 0 {
		return results[0].ID, nil
	}
	return "", nil
}
