package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/domain"
)

// PurgeOldRecords deletes jobs:data:* entries for terminal jobs (Completed
// or Failed) whose terminal timestamp is older than retention. It is the
// direct SCAN+DEL counterpart to the completed/failed ledger trimming that
// runs on every cleanup tick (spec.md §4.D, row "Data-cleanup").
func (q *Queue) PurgeOldRecords(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	purged := 0
	cursor := uint64(0)
	for {
		res, err := q.kv.Scan(ctx, cursor, dataPrefix+"*", q.opts.ScanBatchSize)
		if err != nil {
			return purged, fmt.Errorf("op=queue.PurgeOldRecords: scanning job records: %w", err)
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
			if !terminalBefore(job, cutoff) {
				continue
			}
			if _, err := q.kv.DelRaw(ctx, fullKey); err != nil {
				return purged, fmt.Errorf("op=queue.PurgeOldRecords: deleting job=%s: %w", job.ID, err)
			}
			purged++
		}
		cursor = res.Cursor
		if cursor == 0 {
			break
		}
	}
	return purged, nil
}

func terminalBefore(job domain.Job, cutoff time.Time) bool {
	switch job.Status {
	case domain.JobStatusCompleted:
		return job.CompletedAt != nil && job.CompletedAt.Before(cutoff)
	case domain.JobStatusFailed:
		return job.CompletedAt != nil && job.CompletedAt.Before(cutoff)
	default:
		return false
	}
}
