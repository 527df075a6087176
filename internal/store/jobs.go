package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/salescoach/api/internal/model"
)

// ActiveJob returns the pending/processing job of the given type, or
// ErrNotFound when the type's slot is free.
func (s *Store) ActiveJob(ctx context.Context, jobType model.JobType) (*model.IndexJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_type, status, progress, error, created_by, started_at, completed_at, updated_at
		 FROM index_jobs WHERE job_type = ? AND status IN (?, ?) LIMIT 1`,
		string(jobType), string(model.JobStatusPending), string(model.JobStatusProcessing))
	return scanJob(row)
}

// CreateJob persists a new job record. At most one active job per type is
// allowed; the read-then-create check is best effort, not transactional.
func (s *Store) CreateJob(ctx context.Context, job *model.IndexJob) error {
	if _, err := s.ActiveJob(ctx, job.JobType); err == nil {
		return ErrJobConflict
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}

	job.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO index_jobs (id, job_type, status, progress, error, created_by, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.JobType), string(job.Status), string(progress),
		job.Error, job.CreatedBy, job.StartedAt, job.CompletedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob loads one job record.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.IndexJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_type, status, progress, error, created_by, started_at, completed_at, updated_at
		 FROM index_jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

// JobStatus reads just the status column. Worker loops poll this before
// every batch to honor cooperative cancellation.
func (s *Store) JobStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM index_jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.JobStatus(status), nil
}

// UpdateJobProgress writes a progress heartbeat and moves a pending job to
// processing. Guarded on active status so a heartbeat racing a cancellation
// never resurrects the job.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, progress model.JobProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE index_jobs SET progress = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(data), string(model.JobStatusProcessing), time.Now().UTC(), jobID,
		string(model.JobStatusPending), string(model.JobStatusProcessing))
	if err != nil {
		return fmt.Errorf("updating progress for job %s: %w", jobID, err)
	}
	return nil
}

// CompleteJob transitions a job to completed with its final progress.
func (s *Store) CompleteJob(ctx context.Context, jobID string, progress model.JobProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE index_jobs SET status = ?, progress = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(model.JobStatusCompleted), string(data), now, now, jobID)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", jobID, err)
	}
	return nil
}

// FailJob transitions a job to failed with the captured error message.
func (s *Store) FailJob(ctx context.Context, jobID, errMsg string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE index_jobs SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(model.JobStatusFailed), errMsg, now, now, jobID)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", jobID, err)
	}
	return nil
}

// CancelJob requests cooperative cancellation of an active job. The worker
// observes the status on its next poll.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE index_jobs SET status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(model.JobStatusCancelled), now, now, jobID,
		string(model.JobStatusPending), string(model.JobStatusProcessing))
	if err != nil {
		return fmt.Errorf("cancelling job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row *sql.Row) (*model.IndexJob, error) {
	var job model.IndexJob
	var jobType, status string
	var progress sql.NullString
	var errMsg sql.NullString
	err := row.Scan(&job.ID, &jobType, &status, &progress, &errMsg,
		&job.CreatedBy, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	job.JobType = model.JobType(jobType)
	job.Status = model.JobStatus(status)
	if progress.Valid && progress.String != "" {
		if err := json.Unmarshal([]byte(progress.String), &job.Progress); err != nil {
			return nil, fmt.Errorf("decoding progress for job %s: %w", job.ID, err)
		}
	}
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	return &job, nil
}
