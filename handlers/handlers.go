// Package handlers exposes the HTTP API: video upload and management,
// frame curation, training job control and vector search.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/framelens/asset-training-backend/config"
	"github.com/framelens/asset-training-backend/embedding"
	"github.com/framelens/asset-training-backend/extraction"
	"github.com/framelens/asset-training-backend/lifecycle"
	"github.com/framelens/asset-training-backend/logger"
	"github.com/framelens/asset-training-backend/models"
	"github.com/framelens/asset-training-backend/repository"
	"github.com/framelens/asset-training-backend/runner"
	"github.com/framelens/asset-training-backend/sse"
	"github.com/framelens/asset-training-backend/storage"
	"github.com/framelens/asset-training-backend/training"
	"github.com/framelens/asset-training-backend/vectorindex"
)

// Handler handles HTTP requests
type Handler struct {
	cfg          *config.Config
	repo         *repository.Repository
	store        storage.ObjectStore
	index        vectorindex.VectorIndex
	embedder     embedding.Generator
	extraction   *extraction.Pipeline
	orchestrator *training.Orchestrator
	runner       *runner.Runner
	hub          *sse.Hub
	log          *logger.Logger
}

// NewHandler creates a new handler instance
func NewHandler(cfg *config.Config, repo *repository.Repository, store storage.ObjectStore,
	index vectorindex.VectorIndex, embedder embedding.Generator,
	pipeline *extraction.Pipeline, orchestrator *training.Orchestrator,
	taskRunner *runner.Runner, hub *sse.Hub, log *logger.Logger) *Handler {
	return &Handler{
		cfg:          cfg,
		repo:         repo,
		store:        store,
		index:        index,
		embedder:     embedder,
		extraction:   pipeline,
		orchestrator: orchestrator,
		runner:       taskRunner,
		hub:          hub,
		log:          log.With("service", "Handler"),
	}
}

// Health handles GET /health, reporting per-dependency state. Any
// failing dependency degrades the overall status to 503.
func (h *Handler) Health(c *gin.Context) {
	status := http.StatusOK
	database := "ok"
	if err := h.repo.Ping(); err != nil {
		database = err.Error()
		status = http.StatusServiceUnavailable
	}
	index := "ok"
	if _, err := h.index.CollectionInfo(c.Request.Context()); err != nil {
		index = err.Error()
		status = http.StatusServiceUnavailable
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":   overall,
		"mode":     h.cfg.Mode,
		"database": database,
		"index":    index,
		"sessions": h.hub.SessionCount(),
	})
}

// Dashboard handles GET /api/v1/dashboard
func (h *Handler) Dashboard(c *gin.Context) {
	var resp models.DashboardResponse
	db := h.repo.DB()

	counts := []struct {
		dest  *int64
		query *gorm.DB
	}{
		{&resp.TotalVideos, db.Model(&config.Video{})},
		{&resp.TotalFrames, db.Model(&config.Frame{})},
		{&resp.SelectedFrames, db.Model(&config.Frame{}).Where("status = ?", string(lifecycle.FrameSelected))},
		{&resp.TrainedFrames, db.Model(&config.Frame{}).Where("status = ?", string(lifecycle.FrameTrained))},
		{&resp.ActiveJobs, db.Model(&config.TrainingJob{}).Where("status IN ?",
			[]string{string(lifecycle.JobPending), string(lifecycle.JobProcessing)})},
	}
	for _, cq := range counts {
		if err := cq.query.Count(cq.dest).Error; err != nil {
			h.log.Error("dashboard count failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build dashboard"})
			return
		}
	}

	if info, err := h.index.CollectionInfo(c.Request.Context()); err != nil {
		h.log.Warn("collection info unavailable", "error", err)
	} else {
		resp.IndexedVectors = info.Count
	}

	recent, err := h.repo.RecentLogs(20)
	if err != nil {
		h.log.Warn("recent logs unavailable", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"counts": resp, "recentActivity": recent})
}

// respondError maps domain errors to HTTP statuses: unknown ids to 404,
// invalid state transitions and selections to 409
func (h *Handler) respondError(c *gin.Context, err error, fallback string) {
	var transErr *lifecycle.TransitionError
	var selErr *lifecycle.SelectionError

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Resource not found"})
	case errors.As(err, &transErr):
		c.JSON(http.StatusConflict, gin.H{"error": transErr.Error()})
	case errors.As(err, &selErr):
		c.JSON(http.StatusConflict, gin.H{"error": selErr.Error()})
	default:
		h.log.Error(fallback, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback, "details": err.Error()})
	}
}
