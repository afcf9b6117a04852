package queue

import (
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/domain"
)

// maxTime is a process-wide constant far beyond any realistic createdAt
// (year 2100, UTC, epoch millis). It anchors the priority-queue score
// function so that within one priority band an older job always sorts
// ahead of a newer one.
var maxTime = time.Date(2100, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// priorityWeight separates priority bands far enough apart that the age
// term (bounded by maxTime) can never cause a lower priority to outrank a
// higher one.
const priorityWeight = 1e13

// score computes the jobs:queue sorted-set score: priority dominates, and
// within a priority band an older createdAt produces a larger
// (maxTime-createdAt) term and therefore pops first via ZREVRANGE.
func score(priority domain.Priority, createdAt time.Time) float64 {
	age := float64(maxTime - createdAt.UnixMilli())
	return float64(priority)*priorityWeight + age
}
