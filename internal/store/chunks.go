package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/salescoach/api/internal/model"
)

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// jsonNull is the JSON representation of null.
const jsonNull = "null"

// InsertChunks inserts chunks with INSERT OR IGNORE so re-chunking a
// transcript never creates duplicates. Returns the number of rows actually
// inserted (conflicting keys are silently skipped).
func (s *Store) InsertChunks(ctx context.Context, chunks []model.TranscriptChunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO transcript_chunks
			(transcript_id, chunk_index, chunk_text, extraction_status,
			 account_name, call_date, call_type, rep_id, rep_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, chunk := range chunks {
		res, err := stmt.ExecContext(ctx,
			chunk.TranscriptID, chunk.ChunkIndex, chunk.ChunkText,
			string(model.ExtractionPending),
			chunk.Metadata.AccountName, chunk.Metadata.CallDate, chunk.Metadata.CallType,
			chunk.Metadata.RepID, chunk.Metadata.RepName,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting chunk %s/%d: %w", chunk.TranscriptID, chunk.ChunkIndex, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("reading rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing chunk insert: %w", err)
	}
	return inserted, nil
}

const chunkColumns = `id, transcript_id, chunk_index, chunk_text, embedding,
	entities, topics, framework_elements, extraction_status,
	account_name, call_date, call_type, rep_id, rep_name, created_at`

func scanChunk(row interface{ Scan(...any) error }) (model.TranscriptChunk, error) {
	var c model.TranscriptChunk
	var embedding, entities, topics, framework sql.NullString
	err := row.Scan(&c.ID, &c.TranscriptID, &c.ChunkIndex, &c.ChunkText,
		&embedding, &entities, &topics, &framework, &c.ExtractionStatus,
		&c.Metadata.AccountName, &c.Metadata.CallDate, &c.Metadata.CallType,
		&c.Metadata.RepID, &c.Metadata.RepName, &c.CreatedAt)
	if err != nil {
		return c, err
	}
	if embedding.Valid && embedding.String != jsonNull {
		if err := json.Unmarshal([]byte(embedding.String), &c.Embedding); err != nil {
			return c, fmt.Errorf("decoding embedding for chunk %d: %w", c.ID, err)
		}
	}
	if entities.Valid && entities.String != jsonNull {
		if err := json.Unmarshal([]byte(entities.String), &c.Entities); err != nil {
			return c, fmt.Errorf("decoding entities for chunk %d: %w", c.ID, err)
		}
	}
	if topics.Valid && topics.String != jsonNull {
		if err := json.Unmarshal([]byte(topics.String), &c.Topics); err != nil {
			return c, fmt.Errorf("decoding topics for chunk %d: %w", c.ID, err)
		}
	}
	if framework.Valid && framework.String != jsonNull {
		if err := json.Unmarshal([]byte(framework.String), &c.FrameworkElements); err != nil {
			return c, fmt.Errorf("decoding framework elements for chunk %d: %w", c.ID, err)
		}
	}
	return c, nil
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]model.TranscriptChunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.TranscriptChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// ChunksByTranscript returns all chunks of one transcript in index order.
func (s *Store) ChunksByTranscript(ctx context.Context, transcriptID string) ([]model.TranscriptChunk, error) {
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM transcript_chunks
		 WHERE transcript_id = ? ORDER BY chunk_index`, transcriptID)
}

// ChunksMissingEmbedding returns up to limit chunks whose embedding has not
// been generated yet. Selection by "still missing" predicate makes backfill
// resumption idempotent.
func (s *Store) ChunksMissingEmbedding(ctx context.Context, limit int) ([]model.TranscriptChunk, error) {
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM transcript_chunks
		 WHERE embedding IS NULL ORDER BY id LIMIT ?`, limit)
}

// ChunksMissingEmbeddingFor restricts the missing-embedding selection to
// the given transcripts. The restriction lives in SQL so a large backlog of
// other transcripts' chunks cannot hide the requested ones behind the limit.
func (s *Store) ChunksMissingEmbeddingFor(ctx context.Context, transcriptIDs []string, limit int) ([]model.TranscriptChunk, error) {
	if len(transcriptIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(transcriptIDs)+1)
	for _, id := range transcriptIDs {
		args = append(args, id)
	}
	args = append(args, limit)
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM transcript_chunks
		 WHERE embedding IS NULL AND transcript_id IN (`+placeholders(len(transcriptIDs))+`)
		 ORDER BY id LIMIT ?`, args...)
}

// CountMissingEmbedding counts chunks still awaiting an embedding.
func (s *Store) CountMissingEmbedding(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcript_chunks WHERE embedding IS NULL`).Scan(&n)
	return n, err
}

// ChunksPendingExtraction returns up to limit chunks whose entity extraction
// has not completed (pending or previously failed).
func (s *Store) ChunksPendingExtraction(ctx context.Context, limit int) ([]model.TranscriptChunk, error) {
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM transcript_chunks
		 WHERE extraction_status IN (?, ?) ORDER BY id LIMIT ?`,
		string(model.ExtractionPending), string(model.ExtractionFailed), limit)
}

// ChunksPendingExtractionFor restricts the pending-extraction selection to
// the given transcripts, analogous to ChunksMissingEmbeddingFor.
func (s *Store) ChunksPendingExtractionFor(ctx context.Context, transcriptIDs []string, limit int) ([]model.TranscriptChunk, error) {
	if len(transcriptIDs) == 0 {
		return nil, nil
	}
	args := []any{string(model.ExtractionPending), string(model.ExtractionFailed)}
	for _, id := range transcriptIDs {
		args = append(args, id)
	}
	args = append(args, limit)
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM transcript_chunks
		 WHERE extraction_status IN (?, ?) AND transcript_id IN (`+placeholders(len(transcriptIDs))+`)
		 ORDER BY id LIMIT ?`, args...)
}

// CountPendingExtraction counts chunks still awaiting entity extraction.
func (s *Store) CountPendingExtraction(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcript_chunks WHERE extraction_status IN (?, ?)`,
		string(model.ExtractionPending), string(model.ExtractionFailed)).Scan(&n)
	return n, err
}

// UpdateEmbedding stores the generated vector for one chunk.
func (s *Store) UpdateEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("encoding embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE transcript_chunks SET embedding = ? WHERE id = ?`, string(data), chunkID)
	if err != nil {
		return fmt.Errorf("updating embedding for chunk %d: %w", chunkID, err)
	}
	return nil
}

// UpdateExtraction stores the extractor output for one chunk and marks it
// completed.
func (s *Store) UpdateExtraction(ctx context.Context, chunkID int64, extraction model.Extraction) error {
	entities, err := json.Marshal(extraction.Entities)
	if err != nil {
		return fmt.Errorf("encoding entities: %w", err)
	}
	topics, err := json.Marshal(extraction.Topics)
	if err != nil {
		return fmt.Errorf("encoding topics: %w", err)
	}
	framework, err := json.Marshal(extraction.FrameworkElements)
	if err != nil {
		return fmt.Errorf("encoding framework elements: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE transcript_chunks
		 SET entities = ?, topics = ?, framework_elements = ?, extraction_status = ?
		 WHERE id = ?`,
		string(entities), string(topics), string(framework),
		string(model.ExtractionCompleted), chunkID)
	if err != nil {
		return fmt.Errorf("updating extraction for chunk %d: %w", chunkID, err)
	}
	return nil
}

// MarkExtractionFailed records a permanently failed extraction attempt for
// one chunk; a later backfill will pick it up again.
func (s *Store) MarkExtractionFailed(ctx context.Context, chunkID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE transcript_chunks SET extraction_status = ? WHERE id = ?`,
		string(model.ExtractionFailed), chunkID)
	if err != nil {
		return fmt.Errorf("marking chunk %d failed: %w", chunkID, err)
	}
	return nil
}

// CountChunks counts all chunk rows.
func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcript_chunks`).Scan(&n)
	return n, err
}

// DeleteAllChunks removes every chunk row (reset / first reindex stage).
func (s *Store) DeleteAllChunks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcript_chunks`)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	return res.RowsAffected()
}
