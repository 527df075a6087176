package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salescoach/api/internal/client"
	"github.com/salescoach/api/internal/model"
	"github.com/salescoach/api/internal/service"
	"github.com/salescoach/api/internal/store"
)

// stubEmbedder embeds everything with a fixed vector unless failing is set.
type stubEmbedder struct {
	failing bool
	calls   int
}

func (s *stubEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.failing {
		return nil, errors.New("provider down")
	}
	return []float32{1, 2}, nil
}

// stubExtractor tags everything with one topic unless failing is set.
type stubExtractor struct {
	failing bool
}

func (s *stubExtractor) ExtractBatch(ctx context.Context, inputs []client.ChunkInput) (map[int64]model.Extraction, error) {
	if s.failing {
		return nil, errors.New("provider down")
	}
	out := make(map[int64]model.Extraction, len(inputs))
	for _, in := range inputs {
		out[in.ID] = model.Extraction{Topics: []string{"pricing"}, FrameworkElements: []string{}}
	}
	return out, nil
}

func (s *stubExtractor) ExtractChunk(ctx context.Context, input client.ChunkInput) (model.Extraction, error) {
	if s.failing {
		return model.Extraction{}, errors.New("provider down")
	}
	return model.Extraction{Topics: []string{"pricing"}, FrameworkElements: []string{}}, nil
}

func newWorkerFixture(t *testing.T, embedder service.Embedder, extractor service.EntityExtractor) (*store.Store, *service.IndexService) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, service.NewIndexService(st, embedder, extractor, 0, 0)
}

func seedChunks(t *testing.T, st *store.Store, transcriptID string, n int) {
	t.Helper()
	chunks := make([]model.TranscriptChunk, n)
	for i := range chunks {
		chunks[i] = model.TranscriptChunk{
			TranscriptID: transcriptID,
			ChunkIndex:   i,
			ChunkText:    "some chunk text",
		}
	}
	_, err := st.InsertChunks(context.Background(), chunks)
	require.NoError(t, err)
}

func seedJob(t *testing.T, st *store.Store, jobID string, jobType model.JobType) {
	t.Helper()
	require.NoError(t, st.CreateJob(context.Background(), &model.IndexJob{
		ID:      jobID,
		JobType: jobType,
		Status:  model.JobStatusPending,
	}))
}

func jobTask(t *testing.T, jobID string, batchSize int, taskType string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(service.JobPayload{JobID: jobID, BatchSize: batchSize})
	require.NoError(t, err)
	return asynq.NewTask(taskType, payload)
}

func TestBackfillWorker_EmbeddingCompletes(t *testing.T) {
	embedder := &stubEmbedder{}
	st, svc := newWorkerFixture(t, embedder, &stubExtractor{})
	ctx := context.Background()

	seedChunks(t, st, "t-1", 7)
	seedJob(t, st, "job-1", model.JobTypeEmbeddingBackfill)

	w := NewBackfillWorker(st, svc, 3)
	err := w.ProcessEmbeddingTask(ctx, jobTask(t, "job-1", 3, service.TaskEmbeddingBackfill))
	require.NoError(t, err)

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 7, job.Progress.Processed)
	assert.Zero(t, job.Progress.Errors)
	assert.Equal(t, 7, embedder.calls)

	missing, err := st.CountMissingEmbedding(ctx)
	require.NoError(t, err)
	assert.Zero(t, missing)
}

func TestBackfillWorker_NERCompletes(t *testing.T) {
	st, svc := newWorkerFixture(t, &stubEmbedder{}, &stubExtractor{})
	ctx := context.Background()

	seedChunks(t, st, "t-1", 5)
	seedJob(t, st, "job-1", model.JobTypeNERBackfill)

	w := NewBackfillWorker(st, svc, 2)
	err := w.ProcessNERTask(ctx, jobTask(t, "job-1", 2, service.TaskNERBackfill))
	require.NoError(t, err)

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 5, job.Progress.Processed)

	pending, err := st.CountPendingExtraction(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestBackfillWorker_StopsWhenNothingProgresses(t *testing.T) {
	// Failed chunks stay in the missing predicate; when a whole pass makes
	// no progress the job must finish rather than loop forever.
	st, svc := newWorkerFixture(t, &stubEmbedder{failing: true}, &stubExtractor{})
	ctx := context.Background()

	seedChunks(t, st, "t-1", 4)
	seedJob(t, st, "job-1", model.JobTypeEmbeddingBackfill)

	w := NewBackfillWorker(st, svc, 10)
	err := w.ProcessEmbeddingTask(ctx, jobTask(t, "job-1", 10, service.TaskEmbeddingBackfill))
	require.NoError(t, err)

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Greater(t, job.Progress.Errors, 0)
	assert.Zero(t, job.Progress.Processed)
}

func TestBackfillWorker_ObservesCancellation(t *testing.T) {
	embedder := &stubEmbedder{}
	st, svc := newWorkerFixture(t, embedder, &stubExtractor{})
	ctx := context.Background()

	seedChunks(t, st, "t-1", 4)
	seedJob(t, st, "job-1", model.JobTypeEmbeddingBackfill)
	require.NoError(t, st.CancelJob(ctx, "job-1"))

	w := NewBackfillWorker(st, svc, 2)
	err := w.ProcessEmbeddingTask(ctx, jobTask(t, "job-1", 2, service.TaskEmbeddingBackfill))
	require.NoError(t, err)

	// No work happened and the status stays cancelled.
	assert.Zero(t, embedder.calls)
	status, err := st.JobStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, status)
}

func TestBackfillWorker_MalformedPayload(t *testing.T) {
	st, svc := newWorkerFixture(t, &stubEmbedder{}, &stubExtractor{})
	w := NewBackfillWorker(st, svc, 2)

	err := w.ProcessEmbeddingTask(context.Background(),
		asynq.NewTask(service.TaskEmbeddingBackfill, []byte("not json")))
	assert.Error(t, err)
}
