package handlers

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/framelens/asset-training-backend/config"
	"github.com/framelens/asset-training-backend/lifecycle"
	"github.com/framelens/asset-training-backend/middleware"
	"github.com/framelens/asset-training-backend/models"
)

// UploadVideo handles POST /api/v1/videos. The upload is deduplicated
// by content hash; an identical file returns 409 with the existing
// video so the frontend can link to it.
func (h *Handler) UploadVideo(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File is required"})
		return
	}
	defer file.Close()

	if !allowedVideoExt(header.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unsupported file type, expected one of .mp4 .avi .mov .mkv .webm",
		})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.respondError(c, err, "Failed to read upload")
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Uploaded file is empty"})
		return
	}

	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])

	if existing, err := h.repo.GetVideoByHash(hash); err == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error": "A video with identical content already exists",
			"video": toVideoResponse(existing),
		})
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		h.respondError(c, err, "Failed to check for duplicate video")
		return
	}

	fps := h.cfg.DefaultFPS
	if raw := c.PostForm("fps"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 10 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fps must be an integer between 1 and 10"})
			return
		}
		fps = parsed
	}

	objectKey := fmt.Sprintf("%s/%s/%s", h.cfg.UploadPrefix, hash, header.Filename)
	video, err := h.repo.CreateVideo(header.Filename, hash, objectKey, fps)
	if err != nil {
		h.respondError(c, err, "Failed to create video record")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	if err := h.store.Put(c.Request.Context(), objectKey, data, contentType); err != nil {
		if stErr := h.repo.UpdateVideoStatus(video.ID, lifecycle.VideoFailed, err.Error()); stErr != nil {
			h.log.Error("failed to mark video failed after upload error", "video_id", video.ID, "error", stErr)
		}
		h.respondError(c, err, "Failed to store video")
		return
	}

	if err := h.repo.UpdateVideoStatus(video.ID, lifecycle.VideoUploaded, ""); err != nil {
		h.respondError(c, err, "Failed to finalize upload")
		return
	}

	metadata := map[string]interface{}{}
	for field, column := range map[string]string{
		"asset_name":   "asset_name",
		"category":     "category",
		"manufacturer": "manufacturer",
		"location":     "location",
	} {
		if value := c.PostForm(field); value != "" {
			metadata[column] = value
		}
	}
	if len(metadata) > 0 {
		if err := h.repo.UpdateVideo(video.ID, metadata); err != nil {
			h.respondError(c, err, "Failed to store asset metadata")
			return
		}
	}

	video, err = h.repo.GetVideo(video.ID)
	if err != nil {
		h.respondError(c, err, "Failed to reload video")
		return
	}
	h.log.Info("video uploaded", "video_id", video.ID, "filename", video.Filename, "size", len(data))
	c.JSON(http.StatusCreated, toVideoResponse(video))
}

// ListVideos handles GET /api/v1/videos
func (h *Handler) ListVideos(c *gin.Context) {
	videos, err := h.repo.ListVideos()
	if err != nil {
		h.respondError(c, err, "Failed to list videos")
		return
	}
	responses := make([]*models.VideoResponse, 0, len(videos))
	for i := range videos {
		responses = append(responses, toVideoResponse(&videos[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// GetVideo handles GET /api/v1/videos/:id
func (h *Handler) GetVideo(c *gin.Context) {
	video, err := h.repo.GetVideo(c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to get video")
		return
	}
	c.JSON(http.StatusOK, toVideoResponse(video))
}

// UpdateVideo handles PATCH /api/v1/videos/:id
func (h *Handler) UpdateVideo(c *gin.Context) {
	id := c.Param("id")
	var req models.UpdateVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	if _, err := h.repo.GetVideo(id); err != nil {
		h.respondError(c, err, "Failed to get video")
		return
	}

	updates := map[string]interface{}{}
	if req.Filename != nil {
		updates["filename"] = *req.Filename
	}
	if req.AssetName != nil {
		updates["asset_name"] = *req.AssetName
	}
	if req.Category != nil {
		updates["category"] = *req.Category
	}
	if req.Manufacturer != nil {
		updates["manufacturer"] = *req.Manufacturer
	}
	if req.Location != nil {
		updates["location"] = *req.Location
	}
	if req.FPS != nil {
		if *req.FPS < 1 || *req.FPS > 10 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fps must be between 1 and 10"})
			return
		}
		updates["fps"] = *req.FPS
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No fields to update"})
		return
	}

	if err := h.repo.UpdateVideo(id, updates); err != nil {
		h.respondError(c, err, "Failed to update video")
		return
	}
	video, err := h.repo.GetVideo(id)
	if err != nil {
		h.respondError(c, err, "Failed to reload video")
		return
	}
	c.JSON(http.StatusOK, toVideoResponse(video))
}

// DeleteVideo handles DELETE /api/v1/videos/:id. Storage objects and
// database rows both go; vectors of trained frames are removed first so
// the index does not keep orphan points.
func (h *Handler) DeleteVideo(c *gin.Context) {
	id := c.Param("id")
	video, err := h.repo.GetVideo(id)
	if err != nil {
		h.respondError(c, err, "Failed to get video")
		return
	}

	busy, err := h.repo.HasProcessingJob(id, "")
	if err != nil {
		h.respondError(c, err, "Failed to check active jobs")
		return
	}
	if busy {
		c.JSON(http.StatusConflict, gin.H{"error": "Video has a training job in progress"})
		return
	}

	ctx := c.Request.Context()

	trained, err := h.repo.TrainedFramesForVideo(id)
	if err != nil {
		h.respondError(c, err, "Failed to list trained frames")
		return
	}
	pointIDs := make([]string, 0, len(trained))
	for _, f := range trained {
		if f.PointID != nil && *f.PointID != "" {
			pointIDs = append(pointIDs, *f.PointID)
		}
	}
	if len(pointIDs) > 0 {
		if result, err := h.index.DeleteBatch(ctx, pointIDs); err != nil {
			h.log.Warn("vector cleanup failed during video delete", "video_id", id, "error", err)
		} else if len(result.Failed) > 0 {
			h.log.Warn("some vectors were not removed during video delete",
				"video_id", id, "failed", len(result.Failed))
		}
	}

	frames, err := h.repo.ListFrames(id, "")
	if err != nil {
		h.respondError(c, err, "Failed to list frames")
		return
	}
	keys := make([]string, 0, 2*len(frames)+1)
	for _, f := range frames {
		keys = append(keys, f.ObjectKey)
		if f.ThumbnailKey != "" {
			keys = append(keys, f.ThumbnailKey)
		}
	}
	if video.ObjectKey != "" {
		keys = append(keys, video.ObjectKey)
	}
	if len(keys) > 0 {
		if failed, err := h.store.DeleteBatch(ctx, keys); err != nil {
			h.log.Warn("object cleanup failed during video delete", "video_id", id, "error", err)
		} else if failed > 0 {
			h.log.Warn("some objects were not removed during video delete", "video_id", id, "failed", failed)
		}
	}

	if err := h.repo.DeleteVideo(id); err != nil {
		h.respondError(c, err, "Failed to delete video")
		return
	}
	h.log.Info("video deleted", "video_id", id, "frames", len(frames))
	c.JSON(http.StatusOK, gin.H{"message": "Video deleted"})
}

// StartExtraction handles POST /api/v1/videos/:id/extract. The pipeline
// runs in the background; progress arrives over the event stream.
func (h *Handler) StartExtraction(c *gin.Context) {
	id := c.Param("id")
	video, err := h.repo.GetVideo(id)
	if err != nil {
		h.respondError(c, err, "Failed to get video")
		return
	}
	if video.Status != string(lifecycle.VideoUploaded) {
		c.JSON(http.StatusConflict, gin.H{
			"error": fmt.Sprintf("Video must be uploaded to start extraction, current status is %s", video.Status),
		})
		return
	}

	session := middleware.SessionID(c)
	h.runner.Submit("extract_"+id, func(ctx context.Context) error {
		return h.extraction.Run(ctx, id, session)
	})

	c.JSON(http.StatusAccepted, gin.H{
		"message":  "Frame extraction started",
		"video_id": id,
	})
}

func allowedVideoExt(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp4", ".avi", ".mov", ".mkv", ".webm":
		return true
	}
	return false
}

func toVideoResponse(v *config.Video) *models.VideoResponse {
	return &models.VideoResponse{
		ID:           v.ID,
		Filename:     v.Filename,
		AssetName:    v.AssetName,
		Category:     v.Category,
		Manufacturer: v.Manufacturer,
		Location:     v.Location,
		ContentHash:  v.ContentHash,
		FPS:          v.FPS,
		Status:       v.Status,
		TotalFrames:  v.TotalFrames,
		ErrorMessage: v.ErrorMessage,
		CreatedAt:    v.CreatedAt,
		UpdatedAt:    v.UpdatedAt,
	}
}
