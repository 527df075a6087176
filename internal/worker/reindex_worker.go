package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/salescoach/api/internal/model"
	"github.com/salescoach/api/internal/service"
	"github.com/salescoach/api/internal/store"
)

// Stage weights for the overall percentage. Embedding and extraction
// dominate wall-clock time, so they carry most of the weight.
const (
	weightReset   = 10.0
	weightChunk   = 20.0
	weightEmbed   = 35.0
	weightExtract = 35.0
)

// ReindexWorker rebuilds the whole index from scratch: drop all chunks,
// re-chunk every transcript, then fill embeddings and extractions.
type ReindexWorker struct {
	store            *store.Store
	indexService     *service.IndexService
	defaultBatchSize int
}

func NewReindexWorker(st *store.Store, indexService *service.IndexService, defaultBatchSize int) *ReindexWorker {
	if defaultBatchSize <= 0 {
		defaultBatchSize = 20
	}
	return &ReindexWorker{
		store:            st,
		indexService:     indexService,
		defaultBatchSize: defaultBatchSize,
	}
}

// errJobStopped signals that the job lost its active status mid-run,
// typically through cancellation. Not a task failure.
var errJobStopped = fmt.Errorf("job no longer active")

// ProcessTask handles a full reindex job.
func (w *ReindexWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	batchSize := payload.BatchSize
	if batchSize <= 0 {
		batchSize = w.defaultBatchSize
	}

	log.Printf("Starting full reindex job: %s", payload.JobID)
	hb := newHeartbeat(w.store, payload.JobID)

	run := &reindexRun{
		worker:    w,
		jobID:     payload.JobID,
		batchSize: batchSize,
		heartbeat: hb,
	}

	err := run.execute(ctx)
	if err == errJobStopped {
		log.Printf("Reindex job %s stopped before completion", payload.JobID)
		return nil
	}
	if err != nil {
		if failErr := w.store.FailJob(ctx, payload.JobID, err.Error()); failErr != nil {
			log.Printf("Failed to mark job %s as failed: %v", payload.JobID, failErr)
		}
		return err
	}

	log.Printf("Reindex job %s completed: %d processed, %d errors",
		payload.JobID, run.progress.Processed, run.progress.Errors)
	return nil
}

// reindexRun carries the mutable state of one reindex execution.
type reindexRun struct {
	worker    *ReindexWorker
	jobID     string
	batchSize int
	heartbeat *heartbeat

	progress  model.JobProgress
	completed float64
}

func (r *reindexRun) execute(ctx context.Context) error {
	if err := r.stageReset(ctx); err != nil {
		return err
	}
	if err := r.stageChunk(ctx); err != nil {
		return err
	}
	if err := r.stageEmbed(ctx); err != nil {
		return err
	}
	if err := r.stageExtract(ctx); err != nil {
		return err
	}

	r.progress.Stage = "done"
	r.progress.OverallPercent = 100
	r.progress.Message = fmt.Sprintf("Reindex complete: %d items, %d errors", r.progress.Processed, r.progress.Errors)
	return r.worker.store.CompleteJob(ctx, r.jobID, r.progress)
}

// checkActive polls the durable status so cancellation takes effect at the
// next batch boundary.
func (r *reindexRun) checkActive(ctx context.Context) error {
	status, err := r.worker.store.JobStatus(ctx, r.jobID)
	if err != nil {
		return fmt.Errorf("reading status for job %s: %w", r.jobID, err)
	}
	if !status.Active() {
		return errJobStopped
	}
	return nil
}

// report writes a throttled heartbeat with the stage-weighted overall
// percentage. fraction is progress within the current stage, 0..1. The
// error is non-nil only when progress writes keep failing; that makes the
// job unsupervisable and fails it.
func (r *reindexRun) report(ctx context.Context, stage string, weight, fraction float64, message string) error {
	if fraction > 1 {
		fraction = 1
	}
	r.progress.Stage = stage
	r.progress.OverallPercent = r.completed + weight*fraction
	r.progress.Message = message
	return r.heartbeat.beat(ctx, r.progress)
}

// finishStage locks in the stage's full weight so the overall percentage
// never moves backwards between stages.
func (r *reindexRun) finishStage(ctx context.Context, stage string, weight float64, message string) error {
	r.completed += weight
	r.progress.Stage = stage
	r.progress.OverallPercent = r.completed
	r.progress.Message = message
	return r.heartbeat.flush(ctx, r.progress)
}

func (r *reindexRun) stageReset(ctx context.Context) error {
	if err := r.checkActive(ctx); err != nil {
		return err
	}
	if err := r.report(ctx, "reset", weightReset, 0, "Deleting existing chunks"); err != nil {
		return err
	}

	deleted, err := r.worker.store.DeleteAllChunks(ctx)
	if err != nil {
		return fmt.Errorf("resetting chunks: %w", err)
	}
	return r.finishStage(ctx, "reset", weightReset, fmt.Sprintf("Deleted %d chunks", deleted))
}

func (r *reindexRun) stageChunk(ctx context.Context) error {
	if err := r.checkActive(ctx); err != nil {
		return err
	}

	transcripts, err := r.worker.store.AllTranscripts(ctx)
	if err != nil {
		return fmt.Errorf("loading transcripts: %w", err)
	}

	newChunks := 0
	for i := range transcripts {
		if i%r.batchSize == 0 {
			if err := r.checkActive(ctx); err != nil {
				return err
			}
		}
		n, err := r.worker.indexService.ChunkTranscript(ctx, &transcripts[i])
		if err != nil {
			// A transcript that fails to chunk is an item-level error; the
			// rest of the reindex proceeds.
			log.Printf("Chunking failed for transcript %s: %v", transcripts[i].ID, err)
			r.progress.Errors++
			continue
		}
		newChunks += n
		if err := r.report(ctx, "chunk", weightChunk, float64(i+1)/float64(len(transcripts)),
			fmt.Sprintf("Chunked %d/%d transcripts", i+1, len(transcripts))); err != nil {
			return err
		}
	}
	return r.finishStage(ctx, "chunk", weightChunk,
		fmt.Sprintf("Chunked %d transcripts into %d chunks", len(transcripts), newChunks))
}

func (r *reindexRun) stageEmbed(ctx context.Context) error {
	total, err := r.worker.store.CountMissingEmbedding(ctx)
	if err != nil {
		return fmt.Errorf("counting chunks missing embeddings: %w", err)
	}

	done := 0
	for {
		if err := r.checkActive(ctx); err != nil {
			return err
		}
		resp, err := r.worker.indexService.EmbeddingBatch(ctx, r.batchSize)
		if err != nil {
			return fmt.Errorf("embedding batch: %w", err)
		}
		done += resp.Processed
		r.progress.Processed += resp.Processed
		r.progress.Errors += resp.Errors

		if resp.Remaining == 0 || resp.Processed == 0 {
			break
		}
		if err := r.report(ctx, "embed", weightEmbed, fraction(done, total),
			fmt.Sprintf("Embedded %d/%d chunks", done, total)); err != nil {
			return err
		}
	}
	return r.finishStage(ctx, "embed", weightEmbed, fmt.Sprintf("Embedded %d chunks", done))
}

func (r *reindexRun) stageExtract(ctx context.Context) error {
	total, err := r.worker.store.CountPendingExtraction(ctx)
	if err != nil {
		return fmt.Errorf("counting chunks pending extraction: %w", err)
	}

	done := 0
	for {
		if err := r.checkActive(ctx); err != nil {
			return err
		}
		resp, err := r.worker.indexService.NERBatch(ctx, r.batchSize)
		if err != nil {
			return fmt.Errorf("extraction batch: %w", err)
		}
		done += resp.Processed
		r.progress.Processed += resp.Processed
		r.progress.Errors += resp.Errors

		if resp.Remaining == 0 || resp.Processed == 0 {
			break
		}
		if err := r.report(ctx, "extract", weightExtract, fraction(done, total),
			fmt.Sprintf("Extracted %d/%d chunks", done, total)); err != nil {
			return err
		}
	}
	return r.finishStage(ctx, "extract", weightExtract, fmt.Sprintf("Extracted %d chunks", done))
}

func fraction(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	return float64(done) / float64(total)
}
