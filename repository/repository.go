// Package repository handles all database access for videos, frames,
// embeddings, training jobs and the processing log.
package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/framelens/asset-training-backend/config"
	"github.com/framelens/asset-training-backend/lifecycle"
)

// Repository handles database operations
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository instance
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle for aggregate queries
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// CreateVideo creates a new video record in uploading status
func (r *Repository) CreateVideo(filename, contentHash, objectKey string, fps int) (*config.Video, error) {
	video := &config.Video{
		ID:          uuid.New().String(),
		Filename:    filename,
		ContentHash: contentHash,
		ObjectKey:   objectKey,
		FPS:         fps,
		Status:      string(lifecycle.VideoUploading),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := r.db.Create(video).Error; err != nil {
		return nil, fmt.Errorf("failed to create video: %w", err)
	}
	return video, nil
}

// GetVideo retrieves a video by ID
func (r *Repository) GetVideo(id string) (*config.Video, error) {
	var video config.Video
	if err := r.db.Where("id = ?", id).First(&video).Error; err != nil {
		return nil, err
	}
	return &video, nil
}

// GetVideoByHash retrieves a video by its content hash, for dedup checks
func (r *Repository) GetVideoByHash(hash string) (*config.Video, error) {
	var video config.Video
	if err := r.db.Where("content_hash = ?", hash).First(&video).Error; err != nil {
		return nil, err
	}
	return &video, nil
}

// ListVideos lists all videos, newest first
func (r *Repository) ListVideos() ([]config.Video, error) {
	var videos []config.Video
	if err := r.db.Order("created_at DESC").Find(&videos).Error; err != nil {
		return nil, err
	}
	return videos, nil
}

// UpdateVideoStatus moves a video to a new status after validating the
// transition, then verifies the write landed before reporting success.
func (r *Repository) UpdateVideoStatus(id string, to lifecycle.VideoStatus, message string) error {
	video, err := r.GetVideo(id)
	if err != nil {
		return err
	}

	from := lifecycle.VideoStatus(video.Status)
	if from == to {
		return nil
	}
	if err := lifecycle.ValidateVideoTransition(id, from, to); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": time.Now(),
	}
	if message != "" {
		updates["error_message"] = message
	}
	if err := r.db.Model(&config.Video{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update video status: %w", err)
	}

	// Read back to confirm the status is durable
	check, err := r.GetVideo(id)
	if err != nil {
		return fmt.Errorf("failed to verify video status: %w", err)
	}
	if check.Status != string(to) {
		return fmt.Errorf("video %s status verification failed: expected %s, got %s", id, to, check.Status)
	}
	return nil
}

// UpdateVideoTotalFrames sets the running frame counter on a video
func (r *Repository) UpdateVideoTotalFrames(id string, total int) error {
	return r.db.Model(&config.Video{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_frames": total,
			"updated_at":   time.Now(),
		}).Error
}

// UpdateVideo applies caller-supplied field updates to a video
func (r *Repository) UpdateVideo(id string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return r.db.Model(&config.Video{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteVideo hard-deletes a video and all of its frames and embeddings
func (r *Repository) DeleteVideo(id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var frameIDs []string
		if err := tx.Model(&config.Frame{}).Unscoped().
			Where("video_id = ?", id).
			Pluck("id", &frameIDs).Error; err != nil {
			return err
		}
		if len(frameIDs) > 0 {
			if err := tx.Unscoped().Where("frame_id IN ?", frameIDs).Delete(&config.FrameEmbedding{}).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Where("video_id = ?", id).Delete(&config.Frame{}).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", id).Delete(&config.Video{}).Error
	})
}

// AppendLog writes an append-only processing log entry. Metadata is
// marshaled to JSON; a marshal failure drops the metadata, not the entry.
func (r *Repository) AppendLog(entityType, entityID, action, outcome, message string, metadata map[string]interface{}) error {
	entry := &config.ProcessingLog{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    outcome,
		Message:    message,
		CreatedAt:  time.Now(),
	}
	if len(metadata) > 0 {
		if raw, err := json.Marshal(metadata); err == nil {
			entry.Metadata = string(raw)
		}
	}
	return r.db.Create(entry).Error
}

// RecentLogs returns the newest processing log entries
func (r *Repository) RecentLogs(limit int) ([]config.ProcessingLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []config.ProcessingLog
	if err := r.db.Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Ping verifies database connectivity for health checks
func (r *Repository) Ping() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
