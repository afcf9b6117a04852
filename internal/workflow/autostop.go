package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/domain"
	obsctx "github.com/ctrlplane/gpu-fleet/internal/observability"
	"go.opentelemetry.io/otel"
)

// autoStopEligible implements the inactivity/grace-period rules from
// spec.md §4.E AutoStopCheck.
func autoStopEligible(state domain.InstanceState, now time.Time, cfg autoStopThresholds) bool {
	if state.Timestamps.Started == nil && state.Timestamps.Ready == nil {
		return now.Sub(state.Timestamps.Created) >= cfg.creationGrace
	}
	if state.Timestamps.Started != nil && state.Timestamps.Ready == nil {
		if now.Sub(*state.Timestamps.Started) < cfg.startupGrace {
			return false
		}
	}
	if state.Timestamps.LastUsed == nil {
		return false
	}
	return now.Sub(*state.Timestamps.LastUsed) >= cfg.inactivityThreshold
}

type autoStopThresholds struct {
	inactivityThreshold time.Duration
	startupGrace        time.Duration
	creationGrace       time.Duration
}

// AutoStopCheck stops instances idle past the configured inactivity
// threshold, honoring startup/creation grace periods (spec.md §4.E).
func (h *Handlers) AutoStopCheck(ctx domain.Context, job *domain.Job) error {
	tr := otel.Tracer("workflow.handlers")
	ctx, span := tr.Start(ctx, "Handlers.AutoStopCheck")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	start := time.Now()
	result := autoStopCheckResult{}
	thresholds := autoStopThresholds{
		inactivityThreshold: h.Cfg.AutoStopInactivityThreshold,
		startupGrace:         h.Cfg.AutoStopStartupGrace,
		creationGrace:        h.Cfg.AutoStopCreationGrace,
	}

	ids, err := h.Instances.cache.Keys(ctx)
	if err != nil {
		job.AppendStep("AutoStopCheck.list", "listing cached instances failed", err)
		result.Errors++
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		return finishAutoStopJob(job, result, lg)
	}

	now := time.Now().UTC()
	for _, id := range ids {
		state, ok, err := h.Instances.Get(ctx, id)
		if err != nil || !ok {
			continue
		}
		result.TotalChecked++
		if !autoStopEligible(state, now, thresholds) {
			continue
		}
		result.EligibleForStop++

		if h.Cfg.AutoStopDryRun {
			job.AppendStep("AutoStopCheck."+id, "dry run: would stop", nil)
			continue
		}

		state.Timestamps.LastUsed = nil
		if err := h.Instances.Put(ctx, state); err != nil {
			result.Errors++
			job.AppendStep("AutoStopCheck."+id, "failed to clear lastUsed", err)
			continue
		}
		if err := h.Provider.StopInstance(ctx, state.ProviderInstanceID); err != nil {
			result.Errors++
			job.AppendStep("AutoStopCheck."+id, "stop-instance call failed", err)
			continue
		}
		result.Stopped++
		job.AppendStep("AutoStopCheck."+id, "stopped for inactivity", nil)
	}

	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return finishAutoStopJob(job, result, lg)
}

func finishAutoStopJob(job *domain.Job, result autoStopCheckResult, lg *slog.Logger) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding auto-stop result: %w", err)
	}
	job.AppendStep("AutoStopCheck.result", string(raw), nil)
	lg.Info("auto-stop check completed",
		slog.Int("total_checked", result.TotalChecked),
		slog.Int("eligible_for_stop", result.EligibleForStop),
		slog.Int("stopped", result.Stopped),
		slog.Int("errors", result.Errors),
		slog.Int64("execution_time_ms", result.ExecutionTimeMs))
	if result.Errors > 0 {
		return domain.Classify(domain.ErrorKindTransientTransport, fmt.Errorf("%d instance(s) failed auto-stop", result.Errors))
	}
	return nil
}
