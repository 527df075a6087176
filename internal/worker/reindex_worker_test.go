package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salescoach/api/internal/model"
	"github.com/salescoach/api/internal/service"
	"github.com/salescoach/api/internal/store"
)

func seedReindexData(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.InsertTranscript(ctx, model.Transcript{
		ID: "t-1", UserID: "rep-1", AccountName: "Acme",
		Text: "REP: Let's talk pricing.\nPROSPECT: Our budget closes in Q3.",
	}))
	require.NoError(t, st.InsertTranscript(ctx, model.Transcript{
		ID: "t-2", UserID: "rep-2", AccountName: "Globex",
		Text: "REP: Quick demo recap.\nPROSPECT: Send the security docs.",
	}))
	// Stale chunk rows from a previous indexing run.
	seedChunks(t, st, "t-old", 3)
}

func TestReindexWorker_RebuildsEverything(t *testing.T) {
	st, svc := newWorkerFixture(t, &stubEmbedder{}, &stubExtractor{})
	ctx := context.Background()

	seedReindexData(t, st)
	seedJob(t, st, "job-1", model.JobTypeFullReindex)

	w := NewReindexWorker(st, svc, 2)
	err := w.ProcessTask(ctx, jobTask(t, "job-1", 2, service.TaskFullReindex))
	require.NoError(t, err)

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, "done", job.Progress.Stage)
	assert.Equal(t, float64(100), job.Progress.OverallPercent)

	// Stale chunks are gone, fresh ones are fully indexed.
	old, err := st.ChunksByTranscript(ctx, "t-old")
	require.NoError(t, err)
	assert.Empty(t, old)

	missing, err := st.CountMissingEmbedding(ctx)
	require.NoError(t, err)
	assert.Zero(t, missing)
	pending, err := st.CountPendingExtraction(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	fresh, err := st.ChunksByTranscript(ctx, "t-1")
	require.NoError(t, err)
	assert.NotEmpty(t, fresh)
}

func TestReindexWorker_ObservesCancellation(t *testing.T) {
	embedder := &stubEmbedder{}
	st, svc := newWorkerFixture(t, embedder, &stubExtractor{})
	ctx := context.Background()

	seedReindexData(t, st)
	seedJob(t, st, "job-1", model.JobTypeFullReindex)
	require.NoError(t, st.CancelJob(ctx, "job-1"))

	w := NewReindexWorker(st, svc, 2)
	err := w.ProcessTask(ctx, jobTask(t, "job-1", 2, service.TaskFullReindex))
	require.NoError(t, err)

	// The reset stage never ran.
	old, err := st.ChunksByTranscript(ctx, "t-old")
	require.NoError(t, err)
	assert.Len(t, old, 3)
	assert.Zero(t, embedder.calls)

	status, err := st.JobStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, status)
}

func TestReindexWorker_ExtractionFailuresAreItemLevel(t *testing.T) {
	// Provider failures count per item; the job still converges instead of
	// failing or spinning on chunks that never extract.
	st, svc := newWorkerFixture(t, &stubEmbedder{}, &stubExtractor{failing: true})
	ctx := context.Background()

	seedReindexData(t, st)
	seedJob(t, st, "job-1", model.JobTypeFullReindex)

	w := NewReindexWorker(st, svc, 2)
	err := w.ProcessTask(ctx, jobTask(t, "job-1", 2, service.TaskFullReindex))
	require.NoError(t, err)

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Greater(t, job.Progress.Errors, 0)
}

func TestReindexProgress_Monotone(t *testing.T) {
	st, _ := newWorkerFixture(t, &stubEmbedder{}, &stubExtractor{})
	ctx := context.Background()
	seedJob(t, st, "job-1", model.JobTypeFullReindex)

	run := &reindexRun{
		worker:    &ReindexWorker{store: st},
		jobID:     "job-1",
		batchSize: 2,
		heartbeat: newHeartbeat(st, "job-1"),
	}

	var observed []float64
	record := func() { observed = append(observed, run.progress.OverallPercent) }

	run.report(ctx, "reset", weightReset, 0, "start")
	record()
	run.finishStage(ctx, "reset", weightReset, "reset done")
	record()
	for i := 1; i <= 4; i++ {
		run.report(ctx, "chunk", weightChunk, float64(i)/4, "chunking")
		record()
	}
	run.finishStage(ctx, "chunk", weightChunk, "chunk done")
	record()
	run.report(ctx, "embed", weightEmbed, 0.5, "embedding")
	record()
	// Fractions past 1 clamp instead of overshooting the stage budget.
	run.report(ctx, "embed", weightEmbed, 1.7, "embedding")
	record()
	run.finishStage(ctx, "embed", weightEmbed, "embed done")
	record()
	run.finishStage(ctx, "extract", weightExtract, "extract done")
	record()

	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqualf(t, observed[i], observed[i-1],
			"overall percent regressed at step %d: %v", i, observed)
	}
	assert.Equal(t, float64(100), observed[len(observed)-1])
	// The clamped report never exceeds its stage budget.
	assert.LessOrEqual(t, observed[8], weightReset+weightChunk+weightEmbed)
}

func TestFraction(t *testing.T) {
	assert.Equal(t, 0.5, fraction(1, 2))
	assert.Equal(t, float64(1), fraction(5, 0))
	assert.Equal(t, float64(0), fraction(0, 4))
}
