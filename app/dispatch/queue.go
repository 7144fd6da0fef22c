// Package dispatch implements the durable outbound send queue and its worker pool
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/oklog/ulid/v2"
)

// Queue is the enqueue surface of the outbound dispatch system. Job ids are
// ULIDs, so ordering by job id is ordering by enqueue time; the waiting-state
// dequeue query relies on this for its priority tie break.
type Queue struct {
	jobs        repository.DispatchJobRepository
	maxAttempts int
	logger      *log.Logger
}

func NewQueue(jobs repository.DispatchJobRepository, maxAttempts int, logger *log.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = utils.DefaultMaxAttempts
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{jobs: jobs, maxAttempts: maxAttempts, logger: logger}
}

// Enqueue creates a waiting job, or returns the existing one when the dedup
// id has been seen before. The returned bool reports the dedup case.
func (q *Queue) Enqueue(ctx context.Context, req *dto.EnqueueJobRequest) (*models.DispatchJob, bool, error) {
	if req.DedupID != "" {
		existing, err := q.jobs.ByDedupID(ctx, req.DedupID)
		if err != nil {
			return nil, false, fmt.Errorf("dedup lookup failed: %w", err)
		}
		if existing != nil {
			jobsEnqueued.WithLabelValues("deduplicated").Inc()
			return existing, true, nil
		}
	}

	jobID := ulid.Make().String()
	dedupID := req.DedupID
	if dedupID == "" {
		dedupID = jobID
	}

	job := &models.DispatchJob{
		JobID:          jobID,
		DedupID:        dedupID,
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		Recipient:      req.Recipient,
		Priority:       req.Priority,
		State:          models.DispatchJobStateWaiting,
		MaxAttempts:    q.maxAttempts,
	}
	if req.TemplateRef != "" {
		job.TemplateRef = utils.ToPtr(req.TemplateRef)
		if len(req.Variables) > 0 {
			raw, err := json.Marshal(req.Variables)
			if err != nil {
				return nil, false, fmt.Errorf("variables marshal failed: %w", err)
			}
			job.Variables = raw
		}
	} else {
		job.Body = utils.ToPtr(req.Body)
	}

	if err := q.jobs.Save(ctx, job); err != nil {
		// Two concurrent enqueues with the same dedup id race past the
		// lookup; the unique index resolves the race in favor of one row.
		if req.DedupID != "" {
			existing, lookupErr := q.jobs.ByDedupID(ctx, req.DedupID)
			if lookupErr == nil && existing != nil {
				jobsEnqueued.WithLabelValues("deduplicated").Inc()
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("job save failed: %w", err)
	}

	jobsEnqueued.WithLabelValues("created").Inc()
	return job, false, nil
}

// Status returns the current lifecycle state of one job
func (q *Queue) Status(ctx context.Context, jobID string) (*models.DispatchJob, error) {
	return q.jobs.ByJobID(ctx, jobID)
}
