package model

import "time"

// JobType identifies a background indexing job.
type JobType string

const (
	JobTypeEmbeddingBackfill JobType = "embedding_backfill"
	JobTypeNERBackfill       JobType = "ner_backfill"
	JobTypeFullReindex       JobType = "full_reindex"
)

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Active reports whether the job still holds its type's single active slot.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// JobProgress is the heartbeat payload persisted on the job record.
// Stage and OverallPercent are only set by the full-reindex job.
type JobProgress struct {
	Processed      int     `json:"processed"`
	Total          int     `json:"total"`
	Errors         int     `json:"errors"`
	Message        string  `json:"message,omitempty"`
	Stage          string  `json:"stage,omitempty"`
	OverallPercent float64 `json:"overall_percent,omitempty"`
}

// IndexJob is a durable record of a long-running, resumable, cancellable
// unit of work tracked independently of any single request.
type IndexJob struct {
	ID          string      `json:"id"`
	JobType     JobType     `json:"job_type"`
	Status      JobStatus   `json:"status"`
	Progress    JobProgress `json:"progress"`
	Error       *string     `json:"error,omitempty"`
	CreatedBy   string      `json:"created_by"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
