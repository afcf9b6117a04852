// Package queue implements the durable, Redis-backed job queue: priority
// ordering, retry backoff, stale-claim recovery, and a bounded
// completed/failed ledger, per the control plane's job processing contract.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/ctrlplane/gpu-fleet/internal/kvstore"
	"github.com/ctrlplane/gpu-fleet/internal/observability"
	"github.com/google/uuid"
)

const (
	keyQueue      = "jobs:queue"
	keyRetry      = "jobs:retry"
	keyProcessing = "jobs:processing"
	keyCompleted  = "jobs:completed"
	keyFailed     = "jobs:failed"
	dataPrefix    = "jobs:data:"
	dataField     = "data"
)

func dataKey(id string) string { return dataPrefix + id }

// Options configures the queue's cadences and limits; zero values fall back
// to spec defaults.
type Options struct {
	ProcessingInterval time.Duration
	CleanupInterval    time.Duration
	ProcessingTimeout  time.Duration
	MaxCompletedJobs   int64
	MaxFailedJobs      int64
	MaxRetryDelay      time.Duration
	ScanBatchSize      int64
}

func (o Options) withDefaults() Options {
	if o.ProcessingInterval <= 0 {
		o.ProcessingInterval = time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 5 * time.Minute
	}
	if o.ProcessingTimeout <= 0 {
		o.ProcessingTimeout = 10 * time.Minute
	}
	if o.MaxCompletedJobs <= 0 {
		o.MaxCompletedJobs = 1000
	}
	if o.MaxFailedJobs <= 0 {
		o.MaxFailedJobs = 1000
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 5 * time.Minute
	}
	if o.ScanBatchSize <= 0 {
		o.ScanBatchSize = 100
	}
	return o
}

// Queue is the durable job queue described in spec.md §4.C, implemented
// directly over the KV store client.
type Queue struct {
	kv   *kvstore.Client
	log  *slog.Logger
	opts Options

	mu       sync.RWMutex
	handlers map[domain.JobType]domain.JobHandlerFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Queue over kv.
func New(kv *kvstore.Client, log *slog.Logger, opts Options) *Queue {
	return &Queue{
		kv:       kv,
		log:      log,
		opts:     opts.withDefaults(),
		handlers: make(map[domain.JobType]domain.JobHandlerFunc),
		stopCh:   make(chan struct{}),
	}
}

// claimRecord is the value stored in the jobs:processing hash while a job is
// being worked.
type claimRecord struct {
	StartedAt time.Time `json:"startedAt"`
	WorkerID  string    `json:"workerId,omitempty"`
}

func (q *Queue) putJob(ctx context.Context, job *domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encoding job %s: %w", job.ID, err)
	}
	if err := q.kv.HSet(ctx, dataKey(job.ID), dataField, raw); err != nil {
		return fmt.Errorf("queue: persisting job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*domain.Job, error) {
	raw, err := q.kv.HGet(ctx, dataKey(id), dataField)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("queue: loading job %s: %w", id, err)
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("queue: decoding job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) deleteJobData(ctx context.Context, id string) {
	if err := q.kv.HDel(ctx, dataKey(id), dataField); err != nil {
		q.log.Warn("queue: failed to delete ephemeral job record", slog.String("job_id", id), slog.Any("error", err))
	}
}

// Add persists a new job and places it in the ready queue, returning its id.
func (q *Queue) Add(ctx context.Context, jobType domain.JobType, payload any, priority domain.Priority, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: encoding payload for %s: %w", jobType, err)
	}

	now := time.Now().UTC()
	id := fmt.Sprintf("job_%d_%s", now.UnixMilli(), uuid.NewString())
	job := domain.Job{
		ID:          id,
		Type:        jobType,
		Payload:     raw,
		Status:      domain.JobStatusPending,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
	}
	if err := q.putJob(ctx, &job); err != nil {
		return "", err
	}
	if err := q.kv.ZAdd(ctx, keyQueue, score(priority, now), id); err != nil {
		return "", fmt.Errorf("queue: enqueuing job %s: %w", id, err)
	}

	observability.EnqueueJob(string(jobType), priorityLabel(priority))
	observability.QueueDepth.WithLabelValues(string(jobType)).Inc()
	q.log.Info("job enqueued", slog.String("job_id", id), slog.String("type", string(jobType)), slog.Int("priority", int(priority)))
	return id, nil
}

// Get loads a single job by id.
func (q *Queue) Get(ctx context.Context, id string) (domain.Job, error) {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return *job, nil
}

// List loads every job via a namespace scan and filters client-side; callers
// are expected to use this only for scheduler deduplication or admin views,
// never a hot path (spec.md §4.C: O(N)).
func (q *Queue) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	var out []domain.Job
	var cursor uint64
	for {
		res, err := q.kv.Scan(ctx, cursor, dataPrefix+"*", q.opts.ScanBatchSize)
		if err != nil {
			return nil, fmt.Errorf("queue: listing jobs: %w", err)
		}
		for _, fullKey := range res.Keys {
			raw, err := q.kv.HGetRaw(ctx, fullKey, dataField)
			if err != nil {
				continue
			}
			var job domain.Job
			if err := json.Unmarshal(raw, &job); err != nil {
				continue
			}
			if filter.Status != nil && job.Status != *filter.Status {
				continue
			}
			if filter.Type != nil && job.Type != *filter.Type {
				continue
			}
			out = append(out, job)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}
		cursor = res.Cursor
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Stats summarizes the queue's structural sizes.
type Stats struct {
	Ready      int64
	Retrying   int64
	Processing int64
	Completed  int64
	Failed     int64
}

// Stats combines ZCard/HLen across every queue structure.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	ready, err := q.kv.ZCard(ctx, keyQueue)
	if err != nil {
		return Stats{}, err
	}
	retrying, err := q.kv.ZCard(ctx, keyRetry)
	if err != nil {
		return Stats{}, err
	}
	processing, err := q.kv.HLen(ctx, keyProcessing)
	if err != nil {
		return Stats{}, err
	}
	completed, err := q.kv.ZCard(ctx, keyCompleted)
	if err != nil {
		return Stats{}, err
	}
	failed, err := q.kv.ZCard(ctx, keyFailed)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Ready: ready, Retrying: retrying, Processing: processing, Completed: completed, Failed: failed}, nil
}

// RegisterHandler associates a handler function with a job type. Handlers
// are process-local: only this worker instance dispatches to them.
func (q *Queue) RegisterHandler(jobType domain.JobType, fn domain.JobHandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = fn
}

func (q *Queue) handlerFor(jobType domain.JobType) (domain.JobHandlerFunc, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	fn, ok := q.handlers[jobType]
	return fn, ok
}

func priorityLabel(p domain.Priority) string {
	switch p {
	case domain.PriorityCritical:
		return "critical"
	case domain.PriorityHigh:
		return "high"
	case domain.PriorityLow:
		return "low"
	default:
		return "normal"
	}
}
