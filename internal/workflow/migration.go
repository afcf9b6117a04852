package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ctrlplane/gpu-fleet/internal/domain"
	obsctx "github.com/ctrlplane/gpu-fleet/internal/observability"
	"go.opentelemetry.io/otel"
)

const (
	migrationPageSize     = 50
	migrationPageGap      = 100 * time.Millisecond
	migrationMaxAttempts  = 3
	invalidStateRecheckGap = 2 * time.Second
	migrationTimeRecordTTL = 7 * 24 * time.Hour
)

// eligibility is the verdict for one exited instance under consideration for
// migration, with the reason recorded on the workflow-step trail.
type eligibility struct {
	eligible bool
	reason   string
}

// evaluateEligibility implements the exhaustive rule table from spec.md
// §4.E MigrateSpotInstances.
func evaluateEligibility(inst domain.ProviderInstance) eligibility {
	switch {
	case sameGPUIDs(inst.GPUIDs, []int{1}):
		return eligibility{eligible: false, reason: "gpuIds [1] – no migration"}
	case sameGPUIDs(inst.GPUIDs, []int{2}):
		return eligibility{eligible: true, reason: "gpuIds [2] – migration required"}
	case inst.SpotStatus == "" && inst.SpotReclaimTime == "0":
		return eligibility{eligible: false, reason: "no spot reclaim signal"}
	case inst.SpotReclaimTime != "" && inst.SpotReclaimTime != "0":
		return eligibility{eligible: true, reason: "spot reclaim detected"}
	default:
		return eligibility{eligible: false, reason: "no eligibility rule matched"}
	}
}

func sameGPUIDs(ids []int, want []int) bool {
	if len(ids) != len(want) {
		return false
	}
	for i := range ids {
		if ids[i] != want[i] {
			return false
		}
	}
	return true
}

// fetchExited pages through every Provider instance (bypassing the cache)
// and returns those with status "exited" (spec.md §4.E step 1-2).
func fetchExited(ctx domain.Context, provider domain.ProviderClient) ([]domain.ProviderInstance, error) {
	var exited []domain.ProviderInstance
	for page := 0; ; page++ {
		batch, err := provider.ListInstances(ctx, page, migrationPageSize, "")
		if err != nil {
			return nil, fmt.Errorf("listing instances page %d: %w", page, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, inst := range batch {
			if inst.Status == "exited" {
				exited = append(exited, inst)
			}
		}
		if len(batch) < migrationPageSize {
			break
		}
		time.Sleep(migrationPageGap)
	}
	return exited, nil
}

func newMigrationBackoff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 10 * time.Second
	expo.Multiplier = 2
	expo.MaxElapsedTime = 0
	return expo
}

// migrateOne retries MigrateInstance up to migrationMaxAttempts times,
// special-casing the "invalid state change" 400 by rechecking the instance
// after a short delay and treating Starting/Running as success (spec.md
// §4.E step 4).
func (h *Handlers) migrateOne(ctx domain.Context, inst domain.ProviderInstance, job *domain.Job) error {
	attempt := 0
	op := func() error {
		attempt++
		_, err := h.Provider.MigrateInstance(ctx, inst.ID)
		if err == nil {
			job.AppendStep("Migrate."+inst.ID, fmt.Sprintf("migrated on attempt %d", attempt), nil)
			return nil
		}

		if domain.KindOf(err) == domain.ErrorKindInvalidState {
			time.Sleep(invalidStateRecheckGap)
			recheck, recheckErr := h.Provider.GetInstance(ctx, inst.ID)
			if recheckErr == nil && (recheck.Status == "Starting" || recheck.Status == "Running") {
				job.AppendStep("Migrate."+inst.ID, "invalid state change treated as success after recheck", nil)
				return nil
			}
		}

		job.AppendStep("Migrate."+inst.ID, fmt.Sprintf("attempt %d failed", attempt), err)
		if !domain.KindOf(err).Retryable() {
			return backoff.Permanent(err)
		}
		if attempt >= migrationMaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithMaxRetries(backoff.WithContext(newMigrationBackoff(), ctx), uint64(migrationMaxAttempts-1))
	return backoff.Retry(op, bo)
}

// runMigrationSweep implements the shared body of MigrateSpotInstances and
// HandleFailedMigrations: fetch, filter, evaluate eligibility, migrate.
// predicate additionally filters which exited instances this sweep targets.
// onAttempted fires after every migrateOne call, successful or not, so a
// failed attempt still leaves a MigrationTimeRecord for HandleFailedMigrations
// to find once its cooldown elapses.
func (h *Handlers) runMigrationSweep(ctx domain.Context, job *domain.Job, predicate func(domain.ProviderInstance) bool, onAttempted func(domain.ProviderInstance)) migrateSpotInstancesResult {
	start := time.Now()
	result := migrateSpotInstancesResult{}

	exited, err := fetchExited(ctx, h.Provider)
	if err != nil {
		job.AppendStep("MigrationSweep.fetch", "listing provider instances failed", err)
		result.Errors++
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		return result
	}

	for _, inst := range exited {
		if predicate != nil && !predicate(inst) {
			continue
		}
		result.TotalProcessed++

		verdict := evaluateEligibility(inst)
		if !verdict.eligible {
			result.Skipped++
			job.AppendStep("MigrationSweep."+inst.ID, "skipped: "+verdict.reason, nil)
			continue
		}

		err := h.migrateOne(ctx, inst, job)
		if onAttempted != nil {
			onAttempted(inst)
		}
		if err != nil {
			result.Errors++
			continue
		}
		result.Migrated++
	}

	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result
}

// MigrateSpotInstances sweeps exited instances for spot-reclaim migration
// (spec.md §4.E).
func (h *Handlers) MigrateSpotInstances(ctx domain.Context, job *domain.Job) error {
	tr := otel.Tracer("workflow.handlers")
	ctx, span := tr.Start(ctx, "Handlers.MigrateSpotInstances")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	result := h.runMigrationSweep(ctx, job, nil, func(inst domain.ProviderInstance) {
		h.recordMigrationAttempt(ctx, inst.ID)
	})
	return finishMigrationJob(job, result, lg)
}

// HandleFailedMigrations retries migration for instances whose previous
// attempt failed, once their cooldown has elapsed (spec.md §4.E).
func (h *Handlers) HandleFailedMigrations(ctx domain.Context, job *domain.Job) error {
	tr := otel.Tracer("workflow.handlers")
	ctx, span := tr.Start(ctx, "Handlers.HandleFailedMigrations")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	predicate := func(inst domain.ProviderInstance) bool {
		record, ok, err := h.loadMigrationTime(ctx, inst.ID)
		if err != nil || !ok {
			return false
		}
		return time.Since(record.AttemptedAt) >= h.Cfg.FailedMigrationCooldown
	}

	result := h.runMigrationSweep(ctx, job, predicate, func(inst domain.ProviderInstance) {
		h.recordMigrationAttempt(ctx, inst.ID)
	})
	return finishMigrationJob(job, result, lg)
}

func finishMigrationJob(job *domain.Job, result migrateSpotInstancesResult, lg *slog.Logger) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding migration sweep result: %w", err)
	}
	job.AppendStep("MigrationSweep.result", string(raw), nil)
	lg.Info("migration sweep completed",
		slog.Int("total_processed", result.TotalProcessed),
		slog.Int("migrated", result.Migrated),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", result.Errors),
		slog.Int64("execution_time_ms", result.ExecutionTimeMs))
	if result.Errors > 0 {
		return domain.Classify(domain.ErrorKindTransientTransport, fmt.Errorf("%d instance(s) failed migration", result.Errors))
	}
	return nil
}

func (h *Handlers) recordMigrationAttempt(ctx domain.Context, instanceID string) {
	record := domain.MigrationTimeRecord{InstanceID: instanceID, AttemptedAt: time.Now().UTC()}
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := h.MigrationTimes.Set(ctx, instanceID, raw, migrationTimeRecordTTL); err != nil {
		h.Log.Warn("failed to record migration attempt time", slog.String("instance_id", instanceID), slog.Any("error", err))
	}
}

func (h *Handlers) loadMigrationTime(ctx domain.Context, instanceID string) (domain.MigrationTimeRecord, bool, error) {
	raw, ok, err := h.MigrationTimes.Get(ctx, instanceID)
	if err != nil || !ok {
		return domain.MigrationTimeRecord{}, ok, err
	}
	var record domain.MigrationTimeRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.MigrationTimeRecord{}, false, fmt.Errorf("decoding migration time record %s: %w", instanceID, err)
	}
	return record, true, nil
}
