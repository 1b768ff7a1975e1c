package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/framelens/asset-training-backend/config"
	"github.com/framelens/asset-training-backend/models"
)

const presignTTL = time.Hour

// ListFrames handles GET /api/v1/videos/:id/frames. Supports an
// optional ?status= filter. Responses carry presigned URLs so the
// frontend never talks to the object store directly.
func (h *Handler) ListFrames(c *gin.Context) {
	videoID := c.Param("id")
	if _, err := h.repo.GetVideo(videoID); err != nil {
		h.respondError(c, err, "Failed to get video")
		return
	}

	limit, offset, ok := pageParams(c)
	if !ok {
		return
	}
	frames, err := h.repo.ListFramesPage(videoID, c.Query("status"), limit, offset)
	if err != nil {
		h.respondError(c, err, "Failed to list frames")
		return
	}

	responses := make([]*models.FrameResponse, 0, len(frames))
	for i := range frames {
		responses = append(responses, h.toFrameResponse(c, &frames[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// SelectFrames handles POST /api/v1/videos/:id/frames/select. The
// whole request is rejected if any frame is in a state that cannot be
// toggled; the error lists the offending frames.
func (h *Handler) SelectFrames(c *gin.Context) {
	var req models.SelectFramesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}
	if len(req.FrameIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "frameIds must not be empty"})
		return
	}

	if err := h.repo.SetFramesSelected(req.FrameIDs, req.Selected); err != nil {
		h.respondError(c, err, "Failed to update frame selection")
		return
	}

	h.log.Info("frame selection updated", "video_id", c.Param("id"),
		"frames", len(req.FrameIDs), "selected", req.Selected)
	c.JSON(http.StatusOK, gin.H{"updated": len(req.FrameIDs), "selected": req.Selected})
}

// DeleteFrames handles POST /api/v1/videos/:id/frames/delete. Frame
// rows are soft-deleted; vectors and replicas of trained frames are
// removed so the index does not serve deleted content. The stored
// images stay until the video is purged.
func (h *Handler) DeleteFrames(c *gin.Context) {
	var req models.DeleteFramesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}
	if len(req.FrameIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "frameIds must not be empty"})
		return
	}

	frames, err := h.repo.ListFramesByIDs(req.FrameIDs)
	if err != nil {
		h.respondError(c, err, "Failed to load frames")
		return
	}
	pointIDs := make([]string, 0, len(frames))
	trainedIDs := make([]string, 0, len(frames))
	for _, f := range frames {
		if f.PointID != nil && *f.PointID != "" {
			pointIDs = append(pointIDs, *f.PointID)
			trainedIDs = append(trainedIDs, f.ID)
		}
	}
	if len(pointIDs) > 0 {
		if result, err := h.index.DeleteBatch(c.Request.Context(), pointIDs); err != nil {
			h.log.Warn("vector cleanup failed during frame delete", "error", err)
		} else if len(result.Failed) > 0 {
			h.log.Warn("some vectors were not removed during frame delete", "failed", len(result.Failed))
		}
		if err := h.repo.DeleteEmbeddings(trainedIDs); err != nil {
			h.log.Warn("replica cleanup failed during frame delete", "error", err)
		}
	}

	if err := h.repo.SoftDeleteFrames(req.FrameIDs); err != nil {
		h.respondError(c, err, "Failed to delete frames")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": len(req.FrameIDs)})
}

// pageParams parses optional ?limit= and ?offset= query parameters,
// writing the error response itself when they are malformed
func pageParams(c *gin.Context) (limit, offset int, ok bool) {
	var err error
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return 0, 0, false
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return 0, 0, false
		}
	}
	return limit, offset, true
}

func (h *Handler) toFrameResponse(c *gin.Context, f *config.Frame) *models.FrameResponse {
	resp := &models.FrameResponse{
		ID:               f.ID,
		VideoID:          f.VideoID,
		FrameNumber:      f.FrameNumber,
		Status:           f.Status,
		TrainingAttempts: f.TrainingAttempts,
		LastError:        f.LastError,
		CreatedAt:        f.CreatedAt,
	}
	if f.PointID != nil {
		resp.PointID = *f.PointID
	}
	if f.TrainingJobID != nil {
		resp.TrainingJobID = *f.TrainingJobID
	}

	ctx := c.Request.Context()
	if f.ThumbnailKey != "" {
		if url, err := h.store.PresignedURL(ctx, f.ThumbnailKey, presignTTL); err == nil {
			resp.ThumbnailURL = url
		} else {
			h.log.Warn("failed to presign thumbnail", "frame_id", f.ID, "error", err)
		}
	}
	if url, err := h.store.PresignedURL(ctx, f.ObjectKey, presignTTL); err == nil {
		resp.ImageURL = url
	} else {
		h.log.Warn("failed to presign frame image", "frame_id", f.ID, "error", err)
	}
	return resp
}
