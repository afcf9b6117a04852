package queue

import (
	"testing"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/domain"
)

func Test_Score_PriorityDominatesAge(t *testing.T) {
	veryOldLowPriority := score(domain.PriorityLow, time.Unix(0, 0))
	brandNewHighPriority := score(domain.PriorityHigh, time.Now())

	if brandNewHighPriority <= veryOldLowPriority {
		t.Fatalf("expected higher priority to always outscore lower priority regardless of age: high=%v low=%v", brandNewHighPriority, veryOldLowPriority)
	}
}

func Test_Score_OlderJobSortsFirstWithinSamePriority(t *testing.T) {
	older := score(domain.PriorityNormal, time.Now().Add(-time.Hour))
	newer := score(domain.PriorityNormal, time.Now())

	if older <= newer {
		t.Fatalf("expected older job to have a higher score within the same priority band: older=%v newer=%v", older, newer)
	}
}
