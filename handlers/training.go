package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/framelens/asset-training-backend/bus"
	"github.com/framelens/asset-training-backend/config"
	"github.com/framelens/asset-training-backend/lifecycle"
	"github.com/framelens/asset-training-backend/middleware"
	"github.com/framelens/asset-training-backend/models"
)

// StartTraining handles POST /api/v1/videos/:id/train. An explicit
// frameIds list selects those frames first; otherwise the job picks up
// whatever is already selected.
func (h *Handler) StartTraining(c *gin.Context) {
	videoID := c.Param("id")
	if _, err := h.repo.GetVideo(videoID); err != nil {
		h.respondError(c, err, "Failed to get video")
		return
	}

	var req models.StartTrainingRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	if len(req.FrameIDs) > 0 {
		if err := h.repo.SetFramesSelected(req.FrameIDs, true); err != nil {
			h.respondError(c, err, "Failed to select frames for training")
			return
		}
	}

	selected, err := h.repo.SelectedFrames(videoID)
	if err != nil {
		h.respondError(c, err, "Failed to list selected frames")
		return
	}
	if len(selected) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No frames selected for training"})
		return
	}

	if len(req.Metadata) > 0 {
		updates := map[string]interface{}{}
		for _, field := range []string{"asset_name", "category", "manufacturer", "location"} {
			if value, ok := req.Metadata[field].(string); ok && value != "" {
				updates[field] = value
			}
		}
		if len(updates) > 0 {
			if err := h.repo.UpdateVideo(videoID, updates); err != nil {
				h.respondError(c, err, "Failed to apply asset metadata")
				return
			}
		}
	}

	job, err := h.repo.CreateTrainingJob(videoID, middleware.SessionID(c))
	if err != nil {
		h.respondError(c, err, "Failed to create training job")
		return
	}

	h.runner.Submit("train_"+job.ID, func(ctx context.Context) error {
		return h.orchestrator.Run(ctx, job.ID)
	})

	h.log.Info("training job queued", "job_id", job.ID, "video_id", videoID, "frames", len(selected))
	c.JSON(http.StatusAccepted, toJobResponse(job))
}

// ListTrainingJobs handles GET /api/v1/jobs with optional ?video_id=
// and ?limit=/?offset= paging
func (h *Handler) ListTrainingJobs(c *gin.Context) {
	limit, offset, ok := pageParams(c)
	if !ok {
		return
	}
	jobs, err := h.repo.ListTrainingJobsPage(c.Query("video_id"), limit, offset)
	if err != nil {
		h.respondError(c, err, "Failed to list training jobs")
		return
	}
	responses := make([]*models.TrainingJobResponse, 0, len(jobs))
	for i := range jobs {
		responses = append(responses, toJobResponse(&jobs[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// GetTrainingJob handles GET /api/v1/jobs/:id
func (h *Handler) GetTrainingJob(c *gin.Context) {
	job, err := h.repo.GetTrainingJob(c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to get training job")
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// GetTrainingJobStatus handles GET /api/v1/jobs/:id/status, adding
// progress percentage and a naive linear completion estimate
func (h *Handler) GetTrainingJobStatus(c *gin.Context) {
	job, err := h.repo.GetTrainingJob(c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to get training job")
		return
	}

	resp := models.JobStatusResponse{
		TrainingJobResponse: *toJobResponse(job),
		ProgressPercent:     bus.Percent(job.ProcessedFrames+job.FailedFrames, job.TotalFrames),
	}

	if job.Status == string(lifecycle.JobProcessing) && job.StartedAt != nil {
		done := job.ProcessedFrames + job.FailedFrames
		remaining := job.TotalFrames - done
		if done > 0 && remaining > 0 {
			elapsed := time.Since(*job.StartedAt)
			eta := time.Now().Add(elapsed / time.Duration(done) * time.Duration(remaining))
			resp.EstimatedCompletion = &eta
		}
	}

	c.JSON(http.StatusOK, resp)
}

// PauseTrainingJob handles POST /api/v1/jobs/:id/pause. The pause is
// cooperative; the current batch finishes before the job stops.
func (h *Handler) PauseTrainingJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.orchestrator.Pause(id); err != nil {
		h.respondError(c, err, "Failed to pause training job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Pause requested, the current batch will finish first"})
}

// ResumeTrainingJob handles POST /api/v1/jobs/:id/resume
func (h *Handler) ResumeTrainingJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.orchestrator.Resume(id); err != nil {
		h.respondError(c, err, "Failed to resume training job")
		return
	}

	h.runner.Submit("train_"+id, func(ctx context.Context) error {
		return h.orchestrator.Run(ctx, id)
	})
	c.JSON(http.StatusAccepted, gin.H{"message": "Training job resumed"})
}

// RollbackTrainingJob handles POST /api/v1/jobs/:id/rollback. The state
// transition is validated synchronously so invalid requests fail fast;
// the vector and frame cleanup runs in the background.
func (h *Handler) RollbackTrainingJob(c *gin.Context) {
	id := c.Param("id")
	job, err := h.repo.GetTrainingJob(id)
	if err != nil {
		h.respondError(c, err, "Failed to get training job")
		return
	}
	if job.Status != string(lifecycle.JobRolledBack) {
		if err := lifecycle.ValidateJobTransition(id, lifecycle.JobStatus(job.Status), lifecycle.JobRolledBack); err != nil {
			h.respondError(c, err, "Failed to roll back training job")
			return
		}
	}

	h.runner.Submit("rollback_"+id, func(ctx context.Context) error {
		return h.orchestrator.Rollback(ctx, id)
	})
	c.JSON(http.StatusAccepted, gin.H{"message": "Rollback started"})
}

// DeleteTrainingJob handles DELETE /api/v1/jobs/:id
func (h *Handler) DeleteTrainingJob(c *gin.Context) {
	job, err := h.repo.GetTrainingJob(c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to get training job")
		return
	}
	if job.Status == string(lifecycle.JobProcessing) {
		c.JSON(http.StatusConflict, gin.H{"error": "Cannot delete a job while it is processing"})
		return
	}
	if err := h.repo.DeleteTrainingJob(job.ID); err != nil {
		h.respondError(c, err, "Failed to delete training job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Training job deleted"})
}

func toJobResponse(job *config.TrainingJob) *models.TrainingJobResponse {
	return &models.TrainingJobResponse{
		ID:              job.ID,
		VideoID:         job.VideoID,
		Status:          job.Status,
		TotalFrames:     job.TotalFrames,
		ProcessedFrames: job.ProcessedFrames,
		FailedFrames:    job.FailedFrames,
		ErrorMessage:    job.ErrorMessage,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		RolledBackAt:    job.RolledBackAt,
		CreatedAt:       job.CreatedAt,
	}
}
