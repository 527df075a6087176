package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/salescoach/api/internal/client"
	"github.com/salescoach/api/internal/model"
	"github.com/salescoach/api/internal/store"
)

// fakeEmbedder returns a fixed vector, optionally failing specific texts.
type fakeEmbedder struct {
	calls    int
	failText string
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.failText != "" && strings.Contains(text, f.failText) {
		return nil, errors.New("embedding provider unavailable")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// fakeExtractor answers batches with a fixed extraction, optionally failing
// whole batches or individual chunks.
type fakeExtractor struct {
	batchCalls  int
	chunkCalls  int
	failBatch   bool
	failChunkID int64
}

func (f *fakeExtractor) ExtractBatch(ctx context.Context, inputs []client.ChunkInput) (map[int64]model.Extraction, error) {
	f.batchCalls++
	if f.failBatch {
		return nil, errors.New("batch extraction unavailable")
	}
	out := make(map[int64]model.Extraction, len(inputs))
	for _, in := range inputs {
		out[in.ID] = model.Extraction{Topics: []string{"pricing"}, FrameworkElements: []string{}}
	}
	return out, nil
}

func (f *fakeExtractor) ExtractChunk(ctx context.Context, input client.ChunkInput) (model.Extraction, error) {
	f.chunkCalls++
	if input.ID == f.failChunkID {
		return model.Extraction{}, errors.New("chunk extraction failed")
	}
	return model.Extraction{Topics: []string{"demo"}, FrameworkElements: []string{}}, nil
}

func newTestService(t *testing.T, embedder Embedder, extractor EntityExtractor) (*IndexService, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewIndexService(st, embedder, extractor, 0, 0), st
}

func seedTranscript(t *testing.T, st *store.Store, id, userID, text string) {
	t.Helper()
	require.NoError(t, st.InsertTranscript(context.Background(), model.Transcript{
		ID: id, UserID: userID, AccountName: "Acme", Text: text,
	}))
}

func dialogue(turns int) string {
	var sb strings.Builder
	for i := 0; i < turns; i++ {
		speaker := "REP"
		if i%2 == 1 {
			speaker = "PROSPECT"
		}
		fmt.Fprintf(&sb, "%s: turn %d. %s\n", speaker, i,
			strings.Repeat("Padding sentence for realistic length. ", 5))
	}
	return sb.String()
}

func TestIndexTranscripts_FullPipeline(t *testing.T) {
	embedder := &fakeEmbedder{}
	extractor := &fakeExtractor{}
	svc, st := newTestService(t, embedder, extractor)
	ctx := context.Background()

	seedTranscript(t, st, "t-1", "rep-1", dialogue(20))
	seedTranscript(t, st, "t-2", "rep-1", dialogue(10))

	resp, err := svc.IndexTranscripts(ctx, []string{"t-1", "t-2"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Chunked)
	assert.Greater(t, resp.NewChunks, 0)
	require.NotNil(t, resp.EmbeddingsGenerated)
	assert.Equal(t, resp.NewChunks, *resp.EmbeddingsGenerated)
	require.NotNil(t, resp.NERExtracted)
	assert.Equal(t, resp.NewChunks, *resp.NERExtracted)

	// Everything indexed: both predicates drained.
	missing, err := st.CountMissingEmbedding(ctx)
	require.NoError(t, err)
	assert.Zero(t, missing)
	pending, err := st.CountPendingExtraction(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// Re-indexing the same transcripts is a no-op.
	resp, err = svc.IndexTranscripts(ctx, []string{"t-1", "t-2"})
	require.NoError(t, err)
	assert.Zero(t, resp.NewChunks)
	assert.Zero(t, *resp.EmbeddingsGenerated)
}

func TestIndexTranscripts_ForeignBacklogDoesNotStarveRequest(t *testing.T) {
	svc, st := newTestService(t, &fakeEmbedder{}, &fakeExtractor{})
	ctx := context.Background()

	// A large backlog of unindexed chunks from other transcripts, inserted
	// first so it occupies the low row ids and fills the selection pages.
	backlog := make([]model.TranscriptChunk, 250)
	for i := range backlog {
		backlog[i] = model.TranscriptChunk{
			TranscriptID: "t-backlog",
			ChunkIndex:   i,
			ChunkText:    fmt.Sprintf("backlog chunk %d", i),
		}
	}
	_, err := st.InsertChunks(ctx, backlog)
	require.NoError(t, err)

	seedTranscript(t, st, "t-1", "rep-1", dialogue(8))

	resp, err := svc.IndexTranscripts(ctx, []string{"t-1"})
	require.NoError(t, err)
	require.Greater(t, resp.NewChunks, 0)
	assert.Equal(t, resp.NewChunks, *resp.EmbeddingsGenerated)
	assert.Equal(t, resp.NewChunks, *resp.NERExtracted)

	// The requested transcript is fully indexed...
	mine, err := st.ChunksByTranscript(ctx, "t-1")
	require.NoError(t, err)
	require.NotEmpty(t, mine)
	for _, c := range mine {
		assert.NotEmpty(t, c.Embedding)
		assert.Equal(t, model.ExtractionCompleted, c.ExtractionStatus)
	}

	// ...and the backlog was not touched.
	remaining, err := st.CountMissingEmbedding(ctx)
	require.NoError(t, err)
	assert.Equal(t, 250, remaining)
}

func TestIndexTranscripts_ChunkWriteFailureIsItemLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	svc := NewIndexService(st, &fakeEmbedder{}, &fakeExtractor{}, 0, 0)
	ctx := context.Background()

	seedTranscript(t, st, "t-1", "rep-1", dialogue(4))

	// Break chunk writes out from under the service.
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	_, err = raw.Exec("DROP TABLE transcript_chunks")
	require.NoError(t, err)

	// The failed transcript is counted, not escalated to a request failure.
	resp, err := svc.IndexTranscripts(ctx, []string{"t-1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Zero(t, resp.Chunked)
	assert.Contains(t, resp.Message, "item errors")
}

func TestIndexTranscripts_UnknownTranscriptSkipped(t *testing.T) {
	svc, st := newTestService(t, &fakeEmbedder{}, &fakeExtractor{})
	seedTranscript(t, st, "t-1", "rep-1", dialogue(4))

	resp, err := svc.IndexTranscripts(context.Background(), []string{"t-1", "t-missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Chunked)
}

func TestChunkTranscript_CopiesMetadata(t *testing.T) {
	svc, st := newTestService(t, &fakeEmbedder{}, &fakeExtractor{})
	ctx := context.Background()

	require.NoError(t, st.UpsertUser(ctx, model.User{ID: "rep-1", Name: "Riley Rep", Role: model.RoleRep}))
	require.NoError(t, st.InsertTranscript(ctx, model.Transcript{
		ID: "t-1", UserID: "rep-1", AccountName: "Globex", CallDate: "2026-08-01", CallType: "discovery",
		Text: dialogue(4),
	}))

	transcript, err := st.GetTranscript(ctx, "t-1")
	require.NoError(t, err)
	n, err := svc.ChunkTranscript(ctx, transcript)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	chunks, err := st.ChunksByTranscript(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "Globex", chunks[0].Metadata.AccountName)
	assert.Equal(t, "discovery", chunks[0].Metadata.CallType)
	assert.Equal(t, "rep-1", chunks[0].Metadata.RepID)
	assert.Equal(t, "Riley Rep", chunks[0].Metadata.RepName)
}

func TestEmbeddingBatch_Math(t *testing.T) {
	svc, st := newTestService(t, &fakeEmbedder{}, &fakeExtractor{})
	ctx := context.Background()

	seedTranscript(t, st, "t-1", "rep-1", dialogue(30))
	transcript, err := st.GetTranscript(ctx, "t-1")
	require.NoError(t, err)
	total, err := svc.ChunkTranscript(ctx, transcript)
	require.NoError(t, err)
	require.Greater(t, total, 2)

	resp, err := svc.EmbeddingBatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Processed)
	assert.Equal(t, total-2, resp.Remaining)
	assert.Equal(t, total, resp.Total)
	assert.Zero(t, resp.Errors)
	assert.False(t, resp.Complete)

	// Drain the rest in one oversized batch.
	resp, err = svc.EmbeddingBatch(ctx, total)
	require.NoError(t, err)
	assert.Equal(t, total-2, resp.Processed)
	assert.Zero(t, resp.Remaining)
	assert.True(t, resp.Complete)
}

func TestEmbeddingBatch_CountsItemErrors(t *testing.T) {
	embedder := &fakeEmbedder{failText: "turn 0"}
	svc, st := newTestService(t, embedder, &fakeExtractor{})
	ctx := context.Background()

	seedTranscript(t, st, "t-1", "rep-1", dialogue(2))
	transcript, err := st.GetTranscript(ctx, "t-1")
	require.NoError(t, err)
	_, err = svc.ChunkTranscript(ctx, transcript)
	require.NoError(t, err)

	resp, err := svc.EmbeddingBatch(ctx, 50)
	require.NoError(t, err)
	assert.Greater(t, resp.Errors, 0)
	// Failed chunks stay in the missing predicate for the next pass.
	assert.Equal(t, resp.Errors, resp.Remaining)
}

func TestNERBatch_FallsBackToSingleChunks(t *testing.T) {
	extractor := &fakeExtractor{failBatch: true}
	svc, st := newTestService(t, &fakeEmbedder{}, extractor)
	ctx := context.Background()

	seedTranscript(t, st, "t-1", "rep-1", dialogue(4))
	transcript, err := st.GetTranscript(ctx, "t-1")
	require.NoError(t, err)
	total, err := svc.ChunkTranscript(ctx, transcript)
	require.NoError(t, err)

	resp, err := svc.NERBatch(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, total, resp.Processed)
	assert.True(t, resp.Complete)
	assert.Equal(t, total, extractor.chunkCalls)
}

func TestNERBatch_MarksFailedChunks(t *testing.T) {
	svc, st := newTestService(t, &fakeEmbedder{}, &fakeExtractor{})
	ctx := context.Background()

	seedTranscript(t, st, "t-1", "rep-1", dialogue(4))
	transcript, err := st.GetTranscript(ctx, "t-1")
	require.NoError(t, err)
	_, err = svc.ChunkTranscript(ctx, transcript)
	require.NoError(t, err)

	chunks, err := st.ChunksByTranscript(ctx, "t-1")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	failing := &fakeExtractor{failBatch: true, failChunkID: chunks[0].ID}
	svc2 := NewIndexService(st, &fakeEmbedder{}, failing, 0, 0)

	resp, err := svc2.NERBatch(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Errors)
	assert.Equal(t, len(chunks)-1, resp.Processed)

	// The failed chunk is flagged for a later backfill, not completed.
	chunks, err = st.ChunksByTranscript(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExtractionFailed, chunks[0].ExtractionStatus)
}

func TestBackfillAll_Converges(t *testing.T) {
	svc, st := newTestService(t, &fakeEmbedder{}, &fakeExtractor{})
	ctx := context.Background()

	seedTranscript(t, st, "t-1", "rep-1", dialogue(10))
	seedTranscript(t, st, "t-2", "rep-2", dialogue(6))

	resp, err := svc.BackfillAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Chunked)
	assert.Greater(t, resp.NewChunks, 0)

	resp, err = svc.BackfillAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, resp.NewChunks)
}

func TestResetAllChunks(t *testing.T) {
	svc, st := newTestService(t, &fakeEmbedder{}, &fakeExtractor{})
	ctx := context.Background()

	seedTranscript(t, st, "t-1", "rep-1", dialogue(6))
	transcript, err := st.GetTranscript(ctx, "t-1")
	require.NoError(t, err)
	n, err := svc.ChunkTranscript(ctx, transcript)
	require.NoError(t, err)

	resp, err := svc.ResetAllChunks(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(n), resp.DeletedCount)

	count, err := st.CountChunks(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
