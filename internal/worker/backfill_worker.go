package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/salescoach/api/internal/model"
	"github.com/salescoach/api/internal/service"
	"github.com/salescoach/api/internal/store"
)

// BackfillWorker drains chunks missing embeddings or pending extraction in
// bounded batches, with durable progress and cooperative cancellation.
type BackfillWorker struct {
	store            *store.Store
	indexService     *service.IndexService
	defaultBatchSize int
}

func NewBackfillWorker(st *store.Store, indexService *service.IndexService, defaultBatchSize int) *BackfillWorker {
	if defaultBatchSize <= 0 {
		defaultBatchSize = 20
	}
	return &BackfillWorker{
		store:            st,
		indexService:     indexService,
		defaultBatchSize: defaultBatchSize,
	}
}

// ProcessEmbeddingTask handles an embedding backfill job.
func (w *BackfillWorker) ProcessEmbeddingTask(ctx context.Context, t *asynq.Task) error {
	return w.process(ctx, t, w.embeddingStep, "embedding backfill")
}

// ProcessNERTask handles an entity-extraction backfill job.
func (w *BackfillWorker) ProcessNERTask(ctx context.Context, t *asynq.Task) error {
	return w.process(ctx, t, w.nerStep, "entity extraction backfill")
}

// batchStep processes one bounded batch and reports progress made plus the
// remaining backlog.
type batchStep func(ctx context.Context, batchSize int) (processed, failed, remaining int, err error)

func (w *BackfillWorker) embeddingStep(ctx context.Context, batchSize int) (int, int, int, error) {
	resp, err := w.indexService.EmbeddingBatch(ctx, batchSize)
	if err != nil {
		return 0, 0, 0, err
	}
	return resp.Processed, resp.Errors, resp.Remaining, nil
}

func (w *BackfillWorker) nerStep(ctx context.Context, batchSize int) (int, int, int, error) {
	resp, err := w.indexService.NERBatch(ctx, batchSize)
	if err != nil {
		return 0, 0, 0, err
	}
	return resp.Processed, resp.Errors, resp.Remaining, nil
}

func (w *BackfillWorker) process(ctx context.Context, t *asynq.Task, step batchStep, label string) error {
	var payload service.JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	batchSize := payload.BatchSize
	if batchSize <= 0 {
		batchSize = w.defaultBatchSize
	}

	log.Printf("Starting %s job: %s", label, payload.JobID)
	hb := newHeartbeat(w.store, payload.JobID)

	progress := model.JobProgress{Message: fmt.Sprintf("Starting %s", label)}
	if err := hb.flush(ctx, progress); err != nil {
		w.failJob(ctx, payload.JobID, err.Error())
		return err
	}

	for {
		// Cancellation is cooperative: the status flips in the store and the
		// worker observes it between batches.
		status, err := w.store.JobStatus(ctx, payload.JobID)
		if err != nil {
			return fmt.Errorf("reading status for job %s: %w", payload.JobID, err)
		}
		if !status.Active() {
			log.Printf("Job %s stopped with status %s", payload.JobID, status)
			return nil
		}

		processed, failed, remaining, err := step(ctx, batchSize)
		if err != nil {
			w.failJob(ctx, payload.JobID, fmt.Sprintf("%s failed: %v", label, err))
			return err
		}

		progress.Processed += processed
		progress.Errors += failed
		progress.Total = progress.Processed + remaining
		progress.Message = fmt.Sprintf("%d processed, %d remaining", progress.Processed, remaining)

		if remaining == 0 {
			progress.Message = fmt.Sprintf("Completed %s: %d processed, %d errors", label, progress.Processed, progress.Errors)
			if err := w.store.CompleteJob(ctx, payload.JobID, progress); err != nil {
				return fmt.Errorf("completing job %s: %w", payload.JobID, err)
			}
			log.Printf("Job %s completed: %d processed, %d errors", payload.JobID, progress.Processed, progress.Errors)
			return nil
		}
		if processed == 0 {
			// Every remaining item failed this round; finishing with errors
			// recorded beats spinning on the same chunks forever.
			progress.Message = fmt.Sprintf("Stopped %s: %d items keep failing", label, remaining)
			if err := w.store.CompleteJob(ctx, payload.JobID, progress); err != nil {
				return fmt.Errorf("completing job %s: %w", payload.JobID, err)
			}
			log.Printf("Job %s stopped early: %d items keep failing", payload.JobID, remaining)
			return nil
		}

		if err := hb.beat(ctx, progress); err != nil {
			w.failJob(ctx, payload.JobID, err.Error())
			return err
		}
	}
}

func (w *BackfillWorker) failJob(ctx context.Context, jobID, errMsg string) {
	if err := w.store.FailJob(ctx, jobID, errMsg); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("Failed to mark job %s as failed: %v", jobID, err)
	}
}
