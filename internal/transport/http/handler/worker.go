package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/repository"
)

type WorkerHandler struct {
	workerRepo repository.WorkerRepository
	logger     *slog.Logger
}

func NewWorkerHandler(workerRepo repository.WorkerRepository, logger *slog.Logger) *WorkerHandler {
	return &WorkerHandler{workerRepo: workerRepo, logger: logger.With("component", "worker_handler")}
}

type workerResponse struct {
	ID              string              `json:"id"`
	Hostname        string              `json:"hostname"`
	PID             int                 `json:"pid"`
	Info            map[string]any      `json:"info"`
	StartedAt       time.Time           `json:"started_at"`
	LastHeartbeatAt time.Time           `json:"last_heartbeat_at"`
	Status          domain.WorkerStatus `json:"status"`
}

// List returns every registered worker process, oldest first.
func (h *WorkerHandler) List(ctx *gin.Context) {
	workers, err := h.workerRepo.List(ctx.Request.Context())
	if err != nil {
		h.logger.ErrorContext(ctx.Request.Context(), "list workers", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	resp := make([]workerResponse, len(workers))
	for i, w := range workers {
		resp[i] = workerResponse{
			ID:              w.ID,
			Hostname:        w.Hostname,
			PID:             w.PID,
			Info:            w.Info,
			StartedAt:       w.StartedAt,
			LastHeartbeatAt: w.LastHeartbeatAt,
			Status:          w.Status,
		}
	}
	ctx.JSON(http.StatusOK, resp)
}
