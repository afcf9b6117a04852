// Package startupsync reconciles the cached instance domain against the
// Provider's authoritative instance listing once at process boot
// (spec.md §4.F).
package startupsync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/cache"
	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/ctrlplane/gpu-fleet/internal/kvstore"
	obsctx "github.com/ctrlplane/gpu-fleet/internal/observability"
	"go.opentelemetry.io/otel"
)

const (
	lockKey       = "sync:startup:lock"
	markerKey     = "sync:startup:last"
	pageSize      = 50
	cacheEntryTTL = 5 * time.Minute
)

// Options configures Syncer's pagination, locking, and marker cadences;
// zero values fall back to spec defaults.
type Options struct {
	LockTTL      time.Duration
	PageSize     int
	PageDelay    time.Duration
	MarkerTTL    time.Duration
	BulkBatchSize int
}

func (o Options) withDefaults() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Minute
	}
	if o.PageSize <= 0 {
		o.PageSize = pageSize
	}
	if o.PageDelay <= 0 {
		o.PageDelay = 100 * time.Millisecond
	}
	if o.MarkerTTL <= 0 {
		o.MarkerTTL = 24 * time.Hour
	}
	if o.BulkBatchSize <= 0 {
		o.BulkBatchSize = 30
	}
	return o
}

// Result is the outcome of one sync pass, returned regardless of partial
// failure — startup never aborts because reconciliation failed (spec.md
// §4.F step 7).
type Result struct {
	Acquired       bool     `json:"acquired"`
	ProviderCount  int      `json:"providerCount"`
	CachedCount    int      `json:"cachedCount"`
	Updated        int      `json:"updated"`
	Orphaned       int      `json:"orphaned"`
	Errors         []string `json:"errors,omitempty"`
	DurationMs     int64    `json:"durationMs"`
}

// Syncer performs the startup reconciliation against provider through
// instances, the instances cache domain (component B).
type Syncer struct {
	kv        *kvstore.Client
	instances *cache.Cache
	provider  domain.ProviderClient
	log       *slog.Logger
	opts      Options
}

// New constructs a Syncer.
func New(kv *kvstore.Client, instances *cache.Cache, provider domain.ProviderClient, log *slog.Logger, opts Options) *Syncer {
	return &Syncer{kv: kv, instances: instances, provider: provider, log: log, opts: opts.withDefaults()}
}

// Run acquires the advisory lock and, if acquired, fetches every Provider
// instance, diffs it against the cached set, bulk-applies the difference,
// and writes the completion marker. If the lock is already held elsewhere,
// Run returns immediately with Acquired=false and no error.
func (s *Syncer) Run(ctx domain.Context) (Result, error) {
	tr := otel.Tracer("startupsync")
	ctx, span := tr.Start(ctx, "Syncer.Run")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	start := time.Now()
	defer func() {
		obsctx.StartupSyncDuration.Observe(time.Since(start).Seconds())
	}()

	acquired, err := s.kv.SetNX(ctx, lockKey, []byte(time.Now().UTC().Format(time.RFC3339)), s.opts.LockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("acquiring startup sync lock: %w", err)
	}
	if !acquired {
		lg.Info("startup sync lock already held, skipping")
		return Result{Acquired: false}, nil
	}
	defer func() {
		if _, err := s.kv.Del(ctx, lockKey); err != nil {
			lg.Warn("failed to release startup sync lock", slog.Any("error", err))
		}
	}()

	result := Result{Acquired: true}

	providerInstances, err := s.fetchAll(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}
	result.ProviderCount = len(providerInstances)

	cachedIDs, err := s.instances.Keys(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("listing cached instances: %v", err))
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}
	result.CachedCount = len(cachedIDs)

	providerSet := make(map[string]domain.ProviderInstance, len(providerInstances))
	for _, inst := range providerInstances {
		providerSet[inst.ID] = inst
	}
	cachedSet := make(map[string]bool, len(cachedIDs))
	for _, id := range cachedIDs {
		cachedSet[id] = true
	}

	updates := make([]cache.BulkItem, 0, len(providerInstances))
	for id, inst := range providerSet {
		merged, err := s.mergeProviderState(ctx, inst)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("loading cached instance %s: %v", id, err))
			continue
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("encoding instance %s: %v", id, err))
			continue
		}
		updates = append(updates, cache.BulkItem{Key: id, Value: raw, TTL: cacheEntryTTL})
	}

	var orphaned []string
	for id := range cachedSet {
		if _, ok := providerSet[id]; !ok {
			orphaned = append(orphaned, id)
		}
	}

	for _, bulkErr := range s.instances.BulkSet(ctx, updates, s.opts.BulkBatchSize) {
		result.Errors = append(result.Errors, bulkErr.Error())
	}
	result.Updated = len(updates)

	for _, bulkErr := range s.instances.BulkDelete(ctx, orphaned, s.opts.BulkBatchSize) {
		result.Errors = append(result.Errors, bulkErr.Error())
	}
	result.Orphaned = len(orphaned)

	marker, _ := json.Marshal(map[string]any{"timestamp": time.Now().UTC()})
	if err := s.kv.Set(ctx, markerKey, marker, s.opts.MarkerTTL); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("writing sync marker: %v", err))
	}

	result.DurationMs = time.Since(start).Milliseconds()
	lg.Info("startup sync completed",
		slog.Int("provider_count", result.ProviderCount),
		slog.Int("cached_count", result.CachedCount),
		slog.Int("updated", result.Updated),
		slog.Int("orphaned", result.Orphaned),
		slog.Int("errors", len(result.Errors)),
		slog.Int64("duration_ms", result.DurationMs))
	return result, nil
}

// mergeProviderState folds the Provider-visible fields of inst into whatever
// InstanceState is already cached for its id, preserving locally-owned
// fields (name, configuration, timestamps, webhook url, last error) that the
// Provider's listing does not carry. If nothing is cached yet, a new state
// is seeded from the provider instance alone.
func (s *Syncer) mergeProviderState(ctx domain.Context, inst domain.ProviderInstance) (domain.InstanceState, error) {
	raw, ok, err := s.instances.Get(ctx, inst.ID)
	if err != nil {
		return domain.InstanceState{}, err
	}
	var state domain.InstanceState
	if ok {
		if err := json.Unmarshal(raw, &state); err != nil {
			return domain.InstanceState{}, err
		}
	} else {
		state.ID = inst.ID
	}

	state.Status = inst.Status
	state.SpotStatus = inst.SpotStatus
	state.SpotReclaimTime = inst.SpotReclaimTime
	state.GPUIDs = inst.GPUIDs
	if inst.LastUsedTime != nil {
		state.Timestamps.LastUsed = inst.LastUsedTime
	}
	return state, nil
}

// fetchAll pages through every Provider instance (spec.md §4.F step 2).
func (s *Syncer) fetchAll(ctx domain.Context) ([]domain.ProviderInstance, error) {
	var all []domain.ProviderInstance
	for page := 0; ; page++ {
		batch, err := s.provider.ListInstances(ctx, page, s.opts.PageSize, "")
		if err != nil {
			return nil, fmt.Errorf("listing provider instances page %d: %w", page, err)
		}
		all = append(all, batch...)
		if len(batch) < s.opts.PageSize {
			break
		}
		time.Sleep(s.opts.PageDelay)
	}
	return all, nil
}
