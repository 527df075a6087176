package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/salescoach/api/internal/chunker"
	"github.com/salescoach/api/internal/client"
	"github.com/salescoach/api/internal/model"
	"github.com/salescoach/api/internal/store"
)

// Embedder generates a vector embedding for one text.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// EntityExtractor extracts entities/topics/framework tags for chunks.
type EntityExtractor interface {
	ExtractBatch(ctx context.Context, inputs []client.ChunkInput) (map[int64]model.Extraction, error)
	ExtractChunk(ctx context.Context, input client.ChunkInput) (model.Extraction, error)
}

// nerSubBatchSize is how many chunks go into one extractor request.
const nerSubBatchSize = 10

// IndexService implements the synchronous operating modes: standard
// indexing of explicit transcripts, full synchronous backfill, bounded
// batch steps and chunk reset.
type IndexService struct {
	store      *store.Store
	embedder   Embedder
	extractor  EntityExtractor
	embedPacer *rate.Limiter
	nerPacer   *rate.Limiter
}

// NewIndexService wires the synchronous indexing pipeline. Delays pace
// successive upstream calls to respect provider throttling.
func NewIndexService(st *store.Store, embedder Embedder, extractor EntityExtractor, embedDelay, nerDelay time.Duration) *IndexService {
	return &IndexService{
		store:      st,
		embedder:   embedder,
		extractor:  extractor,
		embedPacer: pacer(embedDelay),
		nerPacer:   pacer(nerDelay),
	}
}

func pacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// ChunkTranscript derives and persists chunks for one transcript. Inserts
// are idempotent upserts, so re-chunking never duplicates rows. Returns the
// number of newly inserted chunks.
func (s *IndexService) ChunkTranscript(ctx context.Context, transcript *model.Transcript) (int, error) {
	texts := chunker.Chunk(transcript.Text)
	if len(texts) == 0 {
		return 0, nil
	}

	metadata := model.ChunkMetadata{
		AccountName: transcript.AccountName,
		CallDate:    transcript.CallDate,
		CallType:    transcript.CallType,
		RepID:       transcript.UserID,
	}
	if user, err := s.store.GetUser(ctx, transcript.UserID); err == nil {
		metadata.RepName = user.Name
	}

	chunks := make([]model.TranscriptChunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, model.TranscriptChunk{
			TranscriptID: transcript.ID,
			ChunkIndex:   i,
			ChunkText:    text,
			Metadata:     metadata,
		})
	}
	return s.store.InsertChunks(ctx, chunks)
}

// IndexTranscripts runs standard-mode indexing over already-authorized
// transcript ids: chunk, embed, extract, all synchronously. Per-item
// failures are counted, never fatal.
func (s *IndexService) IndexTranscripts(ctx context.Context, ids []string) (*model.IndexResponse, error) {
	chunked := 0
	newChunks := 0
	chunkErrors := 0
	for _, id := range ids {
		transcript, err := s.store.GetTranscript(ctx, id)
		if err != nil {
			log.Printf("Skipping transcript %s: %v", id, err)
			continue
		}
		n, err := s.ChunkTranscript(ctx, transcript)
		if err != nil {
			log.Printf("Chunking failed for transcript %s: %v", id, err)
			chunkErrors++
			continue
		}
		chunked++
		newChunks += n
	}

	embedded, embedErrors := s.embedMissing(ctx, ids)
	extracted, nerErrors := s.extractPending(ctx, ids)

	resp := &model.IndexResponse{
		Success:             true,
		Chunked:             chunked,
		NewChunks:           newChunks,
		EmbeddingsGenerated: &embedded,
		NERExtracted:        &extracted,
	}
	resp.Message = fmt.Sprintf("Indexed %d transcripts: %d new chunks, %d embeddings, %d extractions",
		chunked, newChunks, embedded, extracted)
	if errs := chunkErrors + embedErrors + nerErrors; errs > 0 {
		resp.Message += fmt.Sprintf(" (%d item errors)", errs)
	}
	return resp, nil
}

// BackfillAll synchronously chunks every transcript, then fills missing
// embeddings and pending extractions. Re-running after everything is
// indexed yields new_chunks = 0.
func (s *IndexService) BackfillAll(ctx context.Context) (*model.IndexResponse, error) {
	transcripts, err := s.store.AllTranscripts(ctx)
	if err != nil {
		return nil, err
	}

	chunked := 0
	newChunks := 0
	chunkErrors := 0
	for i := range transcripts {
		n, err := s.ChunkTranscript(ctx, &transcripts[i])
		if err != nil {
			log.Printf("Chunking failed for transcript %s: %v", transcripts[i].ID, err)
			chunkErrors++
			continue
		}
		chunked++
		newChunks += n
	}

	embedded, embedErrors := s.embedMissing(ctx, nil)
	extracted, nerErrors := s.extractPending(ctx, nil)

	resp := &model.IndexResponse{
		Success:             true,
		Chunked:             chunked,
		NewChunks:           newChunks,
		EmbeddingsGenerated: &embedded,
		NERExtracted:        &extracted,
	}
	resp.Message = fmt.Sprintf("Backfilled %d transcripts: %d new chunks", chunked, newChunks)
	if errs := chunkErrors + embedErrors + nerErrors; errs > 0 {
		resp.Message += fmt.Sprintf(" (%d item errors)", errs)
	}
	return resp, nil
}

// embedMissing generates embeddings for every chunk still missing one,
// restricted to the given transcripts when ids is non-empty. Returns the
// success and error counts.
func (s *IndexService) embedMissing(ctx context.Context, ids []string) (int, int) {
	succeeded, errored := 0, 0
	for {
		batch, err := s.missingEmbeddingBatch(ctx, ids)
		if err != nil {
			log.Printf("Failed to load chunks missing embeddings: %v", err)
			return succeeded, errored + 1
		}
		progressed := false
		for _, chunk := range batch {
			if err := s.EmbedChunk(ctx, chunk); err != nil {
				log.Printf("Embedding failed for chunk %d: %v", chunk.ID, err)
				errored++
				continue
			}
			succeeded++
			progressed = true
		}
		if !progressed {
			return succeeded, errored
		}
	}
}

// missingEmbeddingBatch pages the missing-embedding predicate. The transcript
// restriction is applied in SQL so chunks of other transcripts cannot crowd
// the requested ones out of the page.
func (s *IndexService) missingEmbeddingBatch(ctx context.Context, ids []string) ([]model.TranscriptChunk, error) {
	if len(ids) > 0 {
		return s.store.ChunksMissingEmbeddingFor(ctx, ids, 200)
	}
	return s.store.ChunksMissingEmbedding(ctx, 200)
}

// EmbedChunk paces, embeds and persists the vector for one chunk.
func (s *IndexService) EmbedChunk(ctx context.Context, chunk model.TranscriptChunk) error {
	if err := s.embedPacer.Wait(ctx); err != nil {
		return err
	}
	vector, err := s.embedder.EmbedText(ctx, chunk.ChunkText)
	if err != nil {
		return err
	}
	return s.store.UpdateEmbedding(ctx, chunk.ID, vector)
}

// extractPending runs entity extraction for every chunk still pending,
// restricted to the given transcripts when ids is non-empty.
func (s *IndexService) extractPending(ctx context.Context, ids []string) (int, int) {
	succeeded, errored := 0, 0
	for {
		batch, err := s.pendingExtractionBatch(ctx, ids)
		if err != nil {
			log.Printf("Failed to load chunks pending extraction: %v", err)
			return succeeded, errored + 1
		}
		if len(batch) == 0 {
			return succeeded, errored
		}

		ok, errs := s.ExtractChunks(ctx, batch)
		succeeded += ok
		errored += errs
		if ok == 0 {
			// Nothing progressed; stop rather than spinning on the same
			// failing chunks.
			return succeeded, errored
		}
	}
}

func (s *IndexService) pendingExtractionBatch(ctx context.Context, ids []string) ([]model.TranscriptChunk, error) {
	if len(ids) > 0 {
		return s.store.ChunksPendingExtractionFor(ctx, ids, 200)
	}
	return s.store.ChunksPendingExtraction(ctx, 200)
}

// ExtractChunks runs batched extraction over the given chunks, falling back
// to per-chunk calls when a whole batch fails. Chunks that cannot be
// extracted are marked failed for a later backfill. Returns success and
// error counts.
func (s *IndexService) ExtractChunks(ctx context.Context, chunks []model.TranscriptChunk) (int, int) {
	succeeded, errored := 0, 0
	for start := 0; start < len(chunks); start += nerSubBatchSize {
		end := start + nerSubBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		sub := chunks[start:end]

		if err := s.nerPacer.Wait(ctx); err != nil {
			return succeeded, errored + (len(chunks) - start)
		}

		inputs := make([]client.ChunkInput, len(sub))
		for i, chunk := range sub {
			inputs[i] = client.ChunkInput{ID: chunk.ID, Text: chunk.ChunkText}
		}

		results, err := s.extractor.ExtractBatch(ctx, inputs)
		if err != nil {
			log.Printf("Batch extraction failed, falling back to single chunks: %v", err)
			results = make(map[int64]model.Extraction, len(sub))
			for _, input := range inputs {
				extraction, err := s.extractor.ExtractChunk(ctx, input)
				if err != nil {
					log.Printf("Single-chunk extraction failed for chunk %d: %v", input.ID, err)
					if err := s.store.MarkExtractionFailed(ctx, input.ID); err != nil {
						log.Printf("Failed to mark chunk %d: %v", input.ID, err)
					}
					errored++
					continue
				}
				results[input.ID] = extraction
			}
		}

		for _, chunk := range sub {
			extraction, ok := results[chunk.ID]
			if !ok {
				continue
			}
			if err := s.store.UpdateExtraction(ctx, chunk.ID, extraction); err != nil {
				log.Printf("Failed to store extraction for chunk %d: %v", chunk.ID, err)
				errored++
				continue
			}
			succeeded++
		}
	}
	return succeeded, errored
}

// EmbeddingBatch processes one bounded batch of chunks missing embeddings
// and reports how much work remains.
func (s *IndexService) EmbeddingBatch(ctx context.Context, batchSize int) (*model.BatchResponse, error) {
	batch, err := s.store.ChunksMissingEmbedding(ctx, batchSize)
	if err != nil {
		return nil, err
	}

	processed, errors := 0, 0
	for _, chunk := range batch {
		if err := s.EmbedChunk(ctx, chunk); err != nil {
			log.Printf("Embedding failed for chunk %d: %v", chunk.ID, err)
			errors++
			continue
		}
		processed++
	}

	remaining, err := s.store.CountMissingEmbedding(ctx)
	if err != nil {
		return nil, err
	}
	return &model.BatchResponse{
		Processed: processed,
		Remaining: remaining,
		Total:     processed + remaining,
		Errors:    errors,
		Complete:  remaining == 0,
	}, nil
}

// NERBatch processes one bounded batch of chunks pending extraction and
// reports how much work remains.
func (s *IndexService) NERBatch(ctx context.Context, batchSize int) (*model.BatchResponse, error) {
	batch, err := s.store.ChunksPendingExtraction(ctx, batchSize)
	if err != nil {
		return nil, err
	}

	processed, errors := s.ExtractChunks(ctx, batch)

	remaining, err := s.store.CountPendingExtraction(ctx)
	if err != nil {
		return nil, err
	}
	return &model.BatchResponse{
		Processed: processed,
		Remaining: remaining,
		Total:     processed + remaining,
		Errors:    errors,
		Complete:  remaining == 0,
	}, nil
}

// ResetAllChunks deletes every chunk row.
func (s *IndexService) ResetAllChunks(ctx context.Context) (*model.ResetResponse, error) {
	deleted, err := s.store.DeleteAllChunks(ctx)
	if err != nil {
		return nil, err
	}
	return &model.ResetResponse{
		Success:      true,
		Message:      fmt.Sprintf("Deleted %d chunks", deleted),
		DeletedCount: deleted,
	}, nil
}
