package handler

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/salescoach/api/internal/middleware"
	"github.com/salescoach/api/internal/model"
	"github.com/salescoach/api/internal/service"
	"github.com/salescoach/api/internal/store"
	"github.com/salescoach/api/pkg/response"
)

// IndexHandler dispatches the index endpoint's operating modes and serves
// the job status/cancel endpoints.
type IndexHandler struct {
	indexService *service.IndexService
	jobService   *service.JobService
	store        *store.Store
	validate     *validator.Validate
}

func NewIndexHandler(indexService *service.IndexService, jobService *service.JobService, st *store.Store, validate *validator.Validate) *IndexHandler {
	return &IndexHandler{
		indexService: indexService,
		jobService:   jobService,
		store:        st,
		validate:     validate,
	}
}

// Index handles POST /api/index. The body must select exactly one operating
// mode; standard mode is open to any authenticated caller within their
// transcript scope, every other mode requires admin privilege.
func (h *IndexHandler) Index(c *fiber.Ctx) error {
	caller := middleware.CallerFrom(c)
	if caller == nil {
		return response.Unauthorized(c, "Authentication required")
	}

	var req model.IndexRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body")
	}
	if err := h.validate.Struct(&req); err != nil {
		return response.ValidationError(c, validationMessage(err))
	}

	modes := req.Modes()
	if len(modes) == 0 {
		return response.ValidationError(c, "Request must select an operation: transcript_ids or one mode flag")
	}
	if len(modes) > 1 {
		return response.ValidationError(c,
			fmt.Sprintf("Request selects multiple operations (%s); pick one", strings.Join(modes, ", ")))
	}
	mode := modes[0]

	if mode != model.ModeStandard && !caller.Admin {
		return response.Forbidden(c, "Admin privilege required for this operation")
	}

	switch mode {
	case model.ModeStandard:
		return h.indexStandard(c, caller, &req)
	case model.ModeBackfillAll:
		resp, err := h.indexService.BackfillAll(c.Context())
		if err != nil {
			log.Printf("Backfill failed: %v", err)
			return response.ServiceError(c, "Backfill failed")
		}
		return response.OK(c, resp)
	case model.ModeBackfillEmbeddings:
		return h.startJob(c, caller, model.JobTypeEmbeddingBackfill, &req)
	case model.ModeBackfillEntities:
		return h.startJob(c, caller, model.JobTypeNERBackfill, &req)
	case model.ModeFullReindex:
		return h.startJob(c, caller, model.JobTypeFullReindex, &req)
	case model.ModeResetAllChunks:
		resp, err := h.indexService.ResetAllChunks(c.Context())
		if err != nil {
			log.Printf("Reset failed: %v", err)
			return response.ServiceError(c, "Reset failed")
		}
		return response.OK(c, resp)
	case model.ModeEmbeddingBatch:
		resp, err := h.indexService.EmbeddingBatch(c.Context(), batchSize(&req))
		if err != nil {
			log.Printf("Embedding batch failed: %v", err)
			return response.ServiceError(c, "Embedding batch failed")
		}
		return response.OK(c, resp)
	case model.ModeNERBatch:
		resp, err := h.indexService.NERBatch(c.Context(), batchSize(&req))
		if err != nil {
			log.Printf("Entity extraction batch failed: %v", err)
			return response.ServiceError(c, "Entity extraction batch failed")
		}
		return response.OK(c, resp)
	default:
		return response.ValidationError(c, "Unknown operation")
	}
}

// indexStandard runs synchronous indexing over the caller's authorized
// subset of the requested transcripts.
func (h *IndexHandler) indexStandard(c *fiber.Ctx, caller *middleware.Caller, req *model.IndexRequest) error {
	authorized, err := h.store.FilterAuthorizedTranscripts(c.Context(), store.Caller{
		UserID: caller.UserID,
		Role:   caller.Role,
		TeamID: caller.TeamID,
		Admin:  caller.Admin,
	}, req.TranscriptIDs)
	if err != nil {
		log.Printf("Authorization filter failed: %v", err)
		return response.ServiceError(c, "Failed to resolve transcripts")
	}

	skipped := len(req.TranscriptIDs) - len(authorized)
	if len(authorized) == 0 {
		return response.OK(c, &model.IndexResponse{
			Success: true,
			Message: "No authorized transcripts to index",
			Skipped: &skipped,
		})
	}

	resp, err := h.indexService.IndexTranscripts(c.Context(), authorized)
	if err != nil {
		log.Printf("Indexing failed: %v", err)
		return response.ServiceError(c, "Indexing failed")
	}
	if skipped > 0 {
		resp.Skipped = &skipped
	}
	return response.OK(c, resp)
}

// startJob launches one of the asynchronous modes.
func (h *IndexHandler) startJob(c *fiber.Ctx, caller *middleware.Caller, jobType model.JobType, req *model.IndexRequest) error {
	job, err := h.jobService.StartJob(c.Context(), jobType, caller.UserID, req.BatchSize, req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrJobConflict) {
			return response.Conflict(c, fmt.Sprintf("A %s job is already running", jobType))
		}
		log.Printf("Failed to start %s job: %v", jobType, err)
		return response.ServiceError(c, "Failed to start job")
	}
	return response.OK(c, &model.JobStartResponse{
		Success: true,
		Message: fmt.Sprintf("Started %s job", jobType),
		JobID:   job.ID,
	})
}

// GetJob handles GET /api/index/jobs/:jobId.
func (h *IndexHandler) GetJob(c *fiber.Ctx) error {
	caller := middleware.CallerFrom(c)
	if caller == nil || !caller.Admin {
		return response.Forbidden(c, "Admin privilege required for this operation")
	}

	job, err := h.jobService.GetJob(c.Context(), c.Params("jobId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		log.Printf("Failed to load job: %v", err)
		return response.ServiceError(c, "Failed to load job")
	}
	return response.OK(c, job)
}

// CancelJob handles POST /api/index/jobs/:jobId/cancel. Cancellation is
// cooperative; the worker stops at its next batch boundary.
func (h *IndexHandler) CancelJob(c *fiber.Ctx) error {
	caller := middleware.CallerFrom(c)
	if caller == nil || !caller.Admin {
		return response.Forbidden(c, "Admin privilege required for this operation")
	}

	jobID := c.Params("jobId")
	if err := h.jobService.CancelJob(c.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "No active job with that id")
		}
		log.Printf("Failed to cancel job %s: %v", jobID, err)
		return response.ServiceError(c, "Failed to cancel job")
	}
	return response.OK(c, fiber.Map{
		"success": true,
		"message": "Cancellation requested",
		"job_id":  jobID,
	})
}

func batchSize(req *model.IndexRequest) int {
	if req.BatchSize > 0 {
		return req.BatchSize
	}
	return 20
}

// validationMessage flattens validator errors into one actionable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
