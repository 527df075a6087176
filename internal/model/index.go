package model

// Operating modes of the index endpoint.
const (
	ModeStandard           = "standard"
	ModeBackfillAll        = "backfill_all"
	ModeBackfillEmbeddings = "backfill_embeddings"
	ModeBackfillEntities   = "backfill_entities"
	ModeResetAllChunks     = "reset_all_chunks"
	ModeFullReindex        = "full_reindex"
	ModeNERBatch           = "ner_batch"
	ModeEmbeddingBatch     = "embedding_batch"
)

// IndexRequest is the body of POST /api/index. Exactly one mode must be set:
// either transcript_ids or one of the boolean flags.
type IndexRequest struct {
	TranscriptIDs      []string `json:"transcript_ids,omitempty" validate:"omitempty,max=100,dive,uuid4"`
	BackfillAll        bool     `json:"backfill_all,omitempty"`
	BackfillEmbeddings bool     `json:"backfill_embeddings,omitempty"`
	BackfillEntities   bool     `json:"backfill_entities,omitempty"`
	ResetAllChunks     bool     `json:"reset_all_chunks,omitempty"`
	FullReindex        bool     `json:"full_reindex,omitempty"`
	NERBatch           bool     `json:"ner_batch,omitempty"`
	EmbeddingBatch     bool     `json:"embedding_batch,omitempty"`
	BatchSize          int      `json:"batch_size,omitempty" validate:"omitempty,min=1,max=50"`
	JobID              string   `json:"job_id,omitempty" validate:"omitempty,uuid4"`
}

// Modes returns every operating mode the request selects. A valid request
// selects exactly one.
func (r *IndexRequest) Modes() []string {
	var modes []string
	if len(r.TranscriptIDs) > 0 {
		modes = append(modes, ModeStandard)
	}
	if r.BackfillAll {
		modes = append(modes, ModeBackfillAll)
	}
	if r.BackfillEmbeddings {
		modes = append(modes, ModeBackfillEmbeddings)
	}
	if r.BackfillEntities {
		modes = append(modes, ModeBackfillEntities)
	}
	if r.ResetAllChunks {
		modes = append(modes, ModeResetAllChunks)
	}
	if r.FullReindex {
		modes = append(modes, ModeFullReindex)
	}
	if r.NERBatch {
		modes = append(modes, ModeNERBatch)
	}
	if r.EmbeddingBatch {
		modes = append(modes, ModeEmbeddingBatch)
	}
	return modes
}

// IndexResponse is returned by standard mode and backfill_all.
type IndexResponse struct {
	Success             bool   `json:"success"`
	Message             string `json:"message"`
	Chunked             int    `json:"chunked"`
	NewChunks           int    `json:"new_chunks"`
	EmbeddingsGenerated *int   `json:"embeddings_generated,omitempty"`
	NERExtracted        *int   `json:"ner_extracted,omitempty"`
	Skipped             *int   `json:"skipped,omitempty"`
}

// BatchResponse is returned by ner_batch and embedding_batch.
type BatchResponse struct {
	Processed int  `json:"processed"`
	Remaining int  `json:"remaining"`
	Total     int  `json:"total"`
	Errors    int  `json:"errors"`
	Complete  bool `json:"complete"`
}

// ResetResponse is returned by reset_all_chunks.
type ResetResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	DeletedCount int64  `json:"deleted_count"`
}

// JobStartResponse is returned by the asynchronous modes; progress is read
// by polling the job record.
type JobStartResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"job_id"`
}
