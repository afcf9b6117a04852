package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/ctrlplane/gpu-fleet/internal/observability"
)

// Run launches the processing loop and the stale-claim recovery/cleanup
// loop. It returns once both loops have been started; callers stop them via
// Shutdown.
func (q *Queue) Run(ctx context.Context) {
	q.wg.Add(2)
	go q.processingLoop(ctx)
	go q.cleanupLoop(ctx)
}

func (q *Queue) processingLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

func (q *Queue) cleanupLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.recoverStaleClaims(ctx)
			q.trimLedgers(ctx)
		}
	}
}

// tick runs one iteration of the processing loop: promote retry-ready jobs,
// pop and claim the next ready job, then dispatch it to its handler
// (spec.md §4.C steps 1-7).
func (q *Queue) tick(ctx context.Context) {
	q.promoteRetryReady(ctx)

	ids, err := q.kv.ZRevRange(ctx, keyQueue, 0, 0)
	if err != nil {
		q.log.Error("queue: failed to pop ready job", slog.Any("error", err))
		return
	}
	if len(ids) == 0 {
		return
	}
	id := ids[0]

	job, err := q.loadJob(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			_ = q.kv.ZRem(ctx, keyQueue, id)
			return
		}
		q.log.Error("queue: failed to load popped job", slog.String("job_id", id), slog.Any("error", err))
		return
	}

	now := time.Now().UTC()
	if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
		_ = q.kv.ZRem(ctx, keyQueue, id)
		_ = q.kv.ZAdd(ctx, keyRetry, float64(job.NextRetryAt.UnixMilli()), id)
		return
	}

	claim := claimRecord{StartedAt: now}
	claimRaw, _ := json.Marshal(claim)
	if err := q.kv.HSet(ctx, keyProcessing, id, claimRaw); err != nil {
		q.log.Error("queue: failed to claim job", slog.String("job_id", id), slog.Any("error", err))
		return
	}
	if err := q.kv.ZRem(ctx, keyQueue, id); err != nil {
		q.log.Error("queue: failed to remove claimed job from ready queue", slog.String("job_id", id), slog.Any("error", err))
	}

	job.Attempts++
	job.Status = domain.JobStatusProcessing
	job.ProcessedAt = &now
	if err := q.putJob(ctx, job); err != nil {
		q.log.Error("queue: failed to persist claimed job", slog.String("job_id", id), slog.Any("error", err))
	}
	observability.StartProcessingJob(string(job.Type))
	observability.QueueDepth.WithLabelValues(string(job.Type)).Dec()

	fn, ok := q.handlerFor(job.Type)
	if !ok {
		q.finish(ctx, job, fmt.Errorf("queue: no handler registered for job type %s", job.Type))
		return
	}

	// Attach job-scoped metadata to the handler's context so that downstream
	// logs (including Provider client logs) are correlated by job id.
	jobCtx := observability.ContextWithRequestID(ctx, job.ID)
	lg := observability.LoggerFromContext(jobCtx).With(
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
	)
	jobCtx = observability.ContextWithLogger(jobCtx, lg)

	q.finish(ctx, job, fn(jobCtx, job))
}

func (q *Queue) promoteRetryReady(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := q.kv.ZRangeByScore(ctx, keyRetry, 0, float64(now.UnixMilli()))
	if err != nil {
		q.log.Error("queue: failed to list retry-ready jobs", slog.Any("error", err))
		return
	}
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if err != nil {
			_ = q.kv.ZRem(ctx, keyRetry, id)
			continue
		}
		job.Status = domain.JobStatusPending
		job.NextRetryAt = nil
		if err := q.putJob(ctx, job); err != nil {
			q.log.Warn("queue: failed to persist retry-promoted job", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		if err := q.kv.ZAdd(ctx, keyQueue, score(job.Priority, job.CreatedAt), id); err != nil {
			q.log.Warn("queue: failed to re-enqueue retry-promoted job", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		_ = q.kv.ZRem(ctx, keyRetry, id)
		observability.QueueDepth.WithLabelValues(string(job.Type)).Inc()
	}
}

// finish applies the post-handler transition: success clears the processing
// claim and, for non-ephemeral jobs, records completion; failure either
// schedules a retry or records a terminal failure, per spec.md §4.C step 7.
func (q *Queue) finish(ctx context.Context, job *domain.Job, handlerErr error) {
	_ = q.kv.HDel(ctx, keyProcessing, job.ID)
	now := time.Now().UTC()

	if handlerErr == nil {
		if job.Type.IsEphemeral() {
			q.deleteJobData(ctx, job.ID)
		} else {
			job.Status = domain.JobStatusCompleted
			job.CompletedAt = &now
			if err := q.putJob(ctx, job); err != nil {
				q.log.Warn("queue: failed to persist completed job", slog.String("job_id", job.ID), slog.Any("error", err))
			}
			if err := q.kv.ZAdd(ctx, keyCompleted, float64(now.UnixMilli()), job.ID); err != nil {
				q.log.Warn("queue: failed to add job to completed ledger", slog.String("job_id", job.ID), slog.Any("error", err))
			}
		}
		observability.CompleteJob(string(job.Type))
		return
	}

	job.Error = handlerErr.Error()
	job.AppendStep("process", "handler returned error", handlerErr)

	if job.Attempts < job.MaxAttempts && !job.Type.IsEphemeral() {
		delay := domain.BackoffDelay(job.Attempts, q.opts.MaxRetryDelay)
		next := now.Add(delay)
		job.Status = domain.JobStatusPending
		job.NextRetryAt = &next
		if err := q.putJob(ctx, job); err != nil {
			q.log.Warn("queue: failed to persist retry-scheduled job", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		if err := q.kv.ZAdd(ctx, keyRetry, float64(next.UnixMilli()), job.ID); err != nil {
			q.log.Warn("queue: failed to schedule retry", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		observability.FailJob(string(job.Type), false)
		q.log.Info("job scheduled for retry", slog.String("job_id", job.ID), slog.Int("attempt", job.Attempts), slog.Duration("delay", delay))
		return
	}

	if job.Type.IsEphemeral() {
		q.deleteJobData(ctx, job.ID)
	} else {
		job.Status = domain.JobStatusFailed
		job.CompletedAt = &now
		if err := q.putJob(ctx, job); err != nil {
			q.log.Warn("queue: failed to persist failed job", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		if err := q.kv.ZAdd(ctx, keyFailed, float64(now.UnixMilli()), job.ID); err != nil {
			q.log.Warn("queue: failed to add job to failed ledger", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	observability.FailJob(string(job.Type), true)
	q.log.Warn("job failed terminally", slog.String("job_id", job.ID), slog.String("error", job.Error))
}

// recoverStaleClaims iterates jobs:processing and recovers claims that have
// exceeded ProcessingTimeout: retryable jobs go back to jobs:retry, others
// are marked Failed with a timeout error (spec.md §4.C "stale-claim
// recovery"). Grounded on the teacher's StuckJobSweeper (ticker + paginated
// sweep + cutoff comparison).
func (q *Queue) recoverStaleClaims(ctx context.Context) {
	claims, err := q.kv.HGetAll(ctx, keyProcessing)
	if err != nil {
		q.log.Error("queue: failed to list processing claims", slog.Any("error", err))
		return
	}
	now := time.Now().UTC()
	for id, raw := range claims {
		var claim claimRecord
		if err := json.Unmarshal([]byte(raw), &claim); err != nil {
			_ = q.kv.HDel(ctx, keyProcessing, id)
			continue
		}
		if now.Sub(claim.StartedAt) <= q.opts.ProcessingTimeout {
			continue
		}

		job, err := q.loadJob(ctx, id)
		if err != nil {
			_ = q.kv.HDel(ctx, keyProcessing, id)
			continue
		}

		if job.Attempts < job.MaxAttempts {
			delay := domain.BackoffDelay(job.Attempts, q.opts.MaxRetryDelay)
			next := now.Add(delay)
			job.Status = domain.JobStatusPending
			job.NextRetryAt = &next
			_ = q.putJob(ctx, job)
			_ = q.kv.ZAdd(ctx, keyRetry, float64(next.UnixMilli()), id)
		} else {
			job.Status = domain.JobStatusFailed
			job.Error = "Job processing timeout"
			job.CompletedAt = &now
			_ = q.putJob(ctx, job)
			_ = q.kv.ZAdd(ctx, keyFailed, float64(now.UnixMilli()), id)
		}
		_ = q.kv.HDel(ctx, keyProcessing, id)
		observability.JobsRecoveredTotal.WithLabelValues(string(job.Type)).Inc()
		q.log.Warn("queue: recovered stale processing claim", slog.String("job_id", id), slog.Duration("age", now.Sub(claim.StartedAt)))
	}
}

// trimLedgers keeps the completed/failed sorted sets bounded, evicting the
// oldest entries first (spec.md §4.C "Cleanup").
func (q *Queue) trimLedgers(ctx context.Context) {
	q.trimLedger(ctx, keyCompleted, q.opts.MaxCompletedJobs)
	q.trimLedger(ctx, keyFailed, q.opts.MaxFailedJobs)
}

func (q *Queue) trimLedger(ctx context.Context, key string, max int64) {
	card, err := q.kv.ZCard(ctx, key)
	if err != nil {
		q.log.Warn("queue: failed to size ledger for trimming", slog.String("ledger", key), slog.Any("error", err))
		return
	}
	if card <= max {
		return
	}
	excess := card - max
	if _, err := q.kv.ZRemRangeByRank(ctx, key, 0, excess-1); err != nil {
		q.log.Warn("queue: failed to trim ledger", slog.String("ledger", key), slog.Any("error", err))
	}
}

// Shutdown stops the background loops and waits up to timeout for all
// in-flight claims to drain, logging what remains (spec.md §4.C "Shutdown").
func (q *Queue) Shutdown(ctx context.Context, timeout time.Duration) error {
	close(q.stopCh)
	q.wg.Wait()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := q.kv.HLen(ctx, keyProcessing)
		if err != nil {
			return fmt.Errorf("queue: shutdown drain check: %w", err)
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	n, _ := q.kv.HLen(ctx, keyProcessing)
	if n > 0 {
		q.log.Warn("queue: shutdown timed out with jobs still processing", slog.Int64("remaining", n))
	}
	return nil
}
