package queue

import (
	"context"
	"testing"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/domain"
)

func Test_PurgeOldRecords_RemovesOnlyOldTerminalJobs(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	oldID, _ := q.Add(ctx, domain.JobTypeCreateInstance, testPayload{}, domain.PriorityNormal, 1)
	oldJob, _ := q.Get(ctx, oldID)
	oldCompletedAt := time.Now().UTC().Add(-48 * time.Hour)
	oldJob.Status = domain.JobStatusCompleted
	oldJob.CompletedAt = &oldCompletedAt
	_ = q.putJob(ctx, &oldJob)

	recentID, _ := q.Add(ctx, domain.JobTypeCreateInstance, testPayload{}, domain.PriorityNormal, 1)
	recentJob, _ := q.Get(ctx, recentID)
	recentCompletedAt := time.Now().UTC()
	recentJob.Status = domain.JobStatusCompleted
	recentJob.CompletedAt = &recentCompletedAt
	_ = q.putJob(ctx, &recentJob)

	pendingID, _ := q.Add(ctx, domain.JobTypeCreateInstance, testPayload{}, domain.PriorityNormal, 1)

	purged, err := q.PurgeOldRecords(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldRecords: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 record purged, got %d", purged)
	}

	if _, err := q.Get(ctx, oldID); err != domain.ErrNotFound {
		t.Fatalf("expected old completed job purged, got err=%v", err)
	}
	if _, err := q.Get(ctx, recentID); err != nil {
		t.Fatalf("expected recent completed job to survive, got err=%v", err)
	}
	if _, err := q.Get(ctx, pendingID); err != nil {
		t.Fatalf("expected pending job to survive, got err=%v", err)
	}
}
