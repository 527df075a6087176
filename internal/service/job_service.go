package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/salescoach/api/internal/model"
	"github.com/salescoach/api/internal/store"
)

// Asynq task types for background indexing jobs.
const (
	TaskEmbeddingBackfill = "index:embedding_backfill"
	TaskNERBackfill       = "index:ner_backfill"
	TaskFullReindex       = "index:full_reindex"
)

// JobPayload is the asynq task payload: the durable job record id plus the
// batch size the worker should process per step.
type JobPayload struct {
	JobID     string `json:"job_id"`
	BatchSize int    `json:"batch_size"`
}

// taskEnqueuer is the slice of asynq.Client the job service needs.
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JobService creates, inspects and cancels background indexing jobs. The
// durable record lives in the store; execution is handed to asynq workers.
type JobService struct {
	store    *store.Store
	enqueuer taskEnqueuer
}

func NewJobService(st *store.Store, enqueuer taskEnqueuer) *JobService {
	return &JobService{store: st, enqueuer: enqueuer}
}

// taskTypeFor maps a job type to its asynq task type.
func taskTypeFor(jobType model.JobType) (string, error) {
	switch jobType {
	case model.JobTypeEmbeddingBackfill:
		return TaskEmbeddingBackfill, nil
	case model.JobTypeNERBackfill:
		return TaskNERBackfill, nil
	case model.JobTypeFullReindex:
		return TaskFullReindex, nil
	default:
		return "", fmt.Errorf("unknown job type %q", jobType)
	}
}

// StartJob creates the durable job record and enqueues the matching worker
// task. jobID may be supplied by the caller for external correlation; when
// empty a fresh id is generated. Returns store.ErrJobConflict when a job of
// the same type is already active.
func (s *JobService) StartJob(ctx context.Context, jobType model.JobType, createdBy string, batchSize int, jobID string) (*model.IndexJob, error) {
	taskType, err := taskTypeFor(jobType)
	if err != nil {
		return nil, err
	}

	if jobID == "" {
		jobID = uuid.New().String()
	}
	now := time.Now().UTC()
	job := &model.IndexJob{
		ID:        jobID,
		JobType:   jobType,
		Status:    model.JobStatusPending,
		CreatedBy: createdBy,
		StartedAt: &now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(JobPayload{JobID: job.ID, BatchSize: batchSize})
	if err != nil {
		return nil, fmt.Errorf("encoding job payload: %w", err)
	}

	task := asynq.NewTask(taskType, payload)
	if _, err := s.enqueuer.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.Timeout(24*time.Hour)); err != nil {
		// The record exists but no worker will pick it up; fail it so the
		// slot frees immediately.
		if failErr := s.store.FailJob(ctx, job.ID, "failed to enqueue worker task"); failErr != nil {
			return nil, fmt.Errorf("enqueueing task: %v (and failing job record: %w)", err, failErr)
		}
		return nil, fmt.Errorf("enqueueing task: %w", err)
	}
	return job, nil
}

// GetJob loads one job record by id.
func (s *JobService) GetJob(ctx context.Context, jobID string) (*model.IndexJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// CancelJob requests cooperative cancellation of an active job. The running
// worker observes the new status on its next batch boundary.
func (s *JobService) CancelJob(ctx context.Context, jobID string) error {
	return s.store.CancelJob(ctx, jobID)
}
