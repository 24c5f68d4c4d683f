package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/repository"
	"github.com/quernworks/quern/internal/usecase"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type JobHandler struct {
	enqueue   *usecase.EnqueueUsecase
	jobRepo   repository.JobRepository
	errorRepo repository.JobErrorRepository
	logger    *slog.Logger
}

func NewJobHandler(enqueue *usecase.EnqueueUsecase, jobRepo repository.JobRepository, errorRepo repository.JobErrorRepository, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		enqueue:   enqueue,
		jobRepo:   jobRepo,
		errorRepo: errorRepo,
		logger:    logger.With("component", "job_handler"),
	}
}

type createJobRequest struct {
	Queue    string `json:"queue" binding:"omitempty,max=63"`
	Priority *int16 `json:"priority"`
	// ScheduledAt accepts an RFC 3339 string or a numeric epoch (seconds).
	ScheduledAt any                `json:"scheduled_at"`
	ActiveJobID string             `json:"active_job_id"`
	Payload     json.RawMessage    `json:"payload" binding:"required"`
	Options     *domain.JobOptions `json:"options"`
}

type jobResponse struct {
	ID          string             `json:"id"`
	Queue       string             `json:"queue"`
	Priority    int16              `json:"priority"`
	EnqueuedAt  time.Time          `json:"enqueued_at"`
	ScheduledAt time.Time          `json:"scheduled_at"`
	ActiveJobID string             `json:"active_job_id"`
	Payload     json.RawMessage    `json:"payload"`
	Options     *domain.JobOptions `json:"options,omitempty"`
	Status      domain.JobStatus   `json:"status"`
	Runtime     *float64           `json:"runtime,omitempty"`
	WorkerID    *string            `json:"worker_id,omitempty"`
}

func toJobResponse(j *domain.Job) jobResponse {
	return jobResponse{
		ID:          j.ID,
		Queue:       j.Queue,
		Priority:    j.Priority,
		EnqueuedAt:  j.EnqueuedAt,
		ScheduledAt: j.ScheduledAt,
		ActiveJobID: j.ActiveJobID,
		Payload:     j.Payload,
		Options:     j.Options,
		Status:      j.Status,
		Runtime:     j.Runtime,
		WorkerID:    j.WorkerID,
	}
}

type listJobsResponse struct {
	Jobs       []jobResponse `json:"jobs"`
	NextCursor *string       `json:"next_cursor"`
}

type jobErrorResponse struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Error     json.RawMessage `json:"error"`
}

func (h *JobHandler) Create(ctx *gin.Context) {
	var req createJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := usecase.PushInput{
		Queue:       req.Queue,
		Priority:    req.Priority,
		ActiveJobID: req.ActiveJobID,
		Payload:     req.Payload,
		Options:     req.Options,
	}
	if req.ScheduledAt != nil {
		at, err := usecase.ScheduleAt(req.ScheduledAt)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		input.ScheduledAt = &at
	}

	job, err := h.enqueue.Push(ctx.Request.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidQueue), errors.Is(err, domain.ErrInvalidPriority):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.ErrorContext(ctx.Request.Context(), "enqueue job", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusCreated, toJobResponse(job))
}

func (h *JobHandler) List(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	input := repository.ListJobsInput{
		Queue: ctx.Query("queue"),
		Limit: limit,
	}

	if raw := ctx.Query("status"); raw != "" {
		status, ok := statusFromString(raw)
		if !ok {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidStatus})
			return
		}
		input.Status = status
	}

	if cursor := ctx.Query("cursor"); cursor != "" {
		at, id, err := decodeCursor(cursor)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCursor})
			return
		}
		input.CursorTime = &at
		input.CursorID = id
	}

	jobs, err := h.jobRepo.ListJobs(ctx.Request.Context(), input)
	if err != nil {
		h.logger.ErrorContext(ctx.Request.Context(), "list jobs", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	items := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		items[i] = toJobResponse(j)
	}

	var next *string
	if len(jobs) == limit {
		last := jobs[len(jobs)-1]
		cursor := encodeCursor(last.EnqueuedAt, last.ID)
		next = &cursor
	}

	ctx.JSON(http.StatusOK, listJobsResponse{Jobs: items, NextCursor: next})
}

func (h *JobHandler) GetByID(ctx *gin.Context) {
	jobID := ctx.Param("id")

	job, err := h.jobRepo.GetByID(ctx.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.ErrorContext(ctx.Request.Context(), "get job by id", "job_id", jobID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, toJobResponse(job))
}

func (h *JobHandler) ListErrors(ctx *gin.Context) {
	jobID := ctx.Param("id")

	if _, err := h.jobRepo.GetByID(ctx.Request.Context(), jobID); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.ErrorContext(ctx.Request.Context(), "get job by id", "job_id", jobID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	entries, err := h.errorRepo.ListByJobID(ctx.Request.Context(), jobID)
	if err != nil {
		h.logger.ErrorContext(ctx.Request.Context(), "list job errors", "job_id", jobID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	resp := make([]jobErrorResponse, len(entries))
	for i, e := range entries {
		resp[i] = jobErrorResponse{ID: e.ID, CreatedAt: e.CreatedAt, Error: e.Error}
	}
	ctx.JSON(http.StatusOK, resp)
}

// Cancel discards a job that is still pending. Anything already picked up
// (or finished) conflicts.
func (h *JobHandler) Cancel(ctx *gin.Context) {
	jobID := ctx.Param("id")

	err := h.jobRepo.CancelPending(ctx.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		case errors.Is(err, domain.ErrJobNotPending):
			ctx.JSON(http.StatusConflict, gin.H{"error": errJobNotPending})
		default:
			h.logger.ErrorContext(ctx.Request.Context(), "cancel job", "job_id", jobID, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.Status(http.StatusNoContent)
}

func statusFromString(raw string) (domain.JobStatus, bool) {
	switch raw {
	case "pending", "p":
		return domain.JobPending, true
	case "executing", "e":
		return domain.JobExecuting, true
	case "completed", "c":
		return domain.JobCompleted, true
	case "failed", "f":
		return domain.JobFailed, true
	case "discarded", "d":
		return domain.JobDiscarded, true
	default:
		return "", false
	}
}

// Cursor format: <enqueued_at unix nanos>:<id>.
func encodeCursor(at time.Time, id string) string {
	return fmt.Sprintf("%d:%s", at.UnixNano(), id)
}

func decodeCursor(cursor string) (time.Time, string, error) {
	nanosRaw, id, ok := strings.Cut(cursor, ":")
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(nanosRaw, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor: %w", err)
	}
	return time.Unix(0, nanos), id, nil
}
