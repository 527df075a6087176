package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/salescoach/api/internal/model"
	"github.com/salescoach/api/internal/store"
)

// heartbeatInterval caps progress writes to one per interval so tight batch
// loops don't hammer the job table.
const heartbeatInterval = 10 * time.Second

// maxHeartbeatFailures is how many consecutive failed progress writes are
// tolerated before the job is treated as unsupervisable.
const maxHeartbeatFailures = 3

// heartbeat throttles progress writes for one running job.
type heartbeat struct {
	store    *store.Store
	jobID    string
	last     time.Time
	failures int
}

func newHeartbeat(st *store.Store, jobID string) *heartbeat {
	return &heartbeat{store: st, jobID: jobID}
}

// beat writes progress if the throttle interval has elapsed. A transient
// write failure is logged and tolerated; once writes keep failing the job's
// bookkeeping is broken and the returned error is fatal for the job.
func (h *heartbeat) beat(ctx context.Context, progress model.JobProgress) error {
	if time.Since(h.last) < heartbeatInterval {
		return nil
	}
	return h.flush(ctx, progress)
}

// flush writes progress unconditionally, used at stage transitions and on
// the first batch of a job.
func (h *heartbeat) flush(ctx context.Context, progress model.JobProgress) error {
	h.last = time.Now()
	if err := h.store.UpdateJobProgress(ctx, h.jobID, progress); err != nil {
		h.failures++
		log.Printf("Failed to update progress for job %s: %v", h.jobID, err)
		if h.failures >= maxHeartbeatFailures {
			return fmt.Errorf("progress writes for job %s keep failing: %w", h.jobID, err)
		}
		return nil
	}
	h.failures = 0
	return nil
}
