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

// CreateFrames inserts a batch of frame records in a single transaction
func (r *Repository) CreateFrames(frames []config.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	if err := r.db.Create(&frames).Error; err != nil {
		return fmt.Errorf("failed to create frames: %w", err)
	}
	return nil
}

// NewFrame builds a frame record in extracted status
func NewFrame(videoID string, frameNumber int, objectKey, thumbnailKey string) config.Frame {
	return config.Frame{
		ID:           uuid.New().String(),
		VideoID:      videoID,
		FrameNumber:  frameNumber,
		ObjectKey:    objectKey,
		ThumbnailKey: thumbnailKey,
		Status:       string(lifecycle.FrameExtracted),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

// GetFrame retrieves a frame by ID
func (r *Repository) GetFrame(id string) (*config.Frame, error) {
	var frame config.Frame
	if err := r.db.Where("id = ?", id).First(&frame).Error; err != nil {
		return nil, err
	}
	return &frame, nil
}

// ListFrames lists a video's frames in frame order, optionally filtered
// by status. Soft-deleted frames are excluded by gorm.
func (r *Repository) ListFrames(videoID string, status string) ([]config.Frame, error) {
	var frames []config.Frame
	query := r.db.Where("video_id = ?", videoID).Order("frame_number ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&frames).Error; err != nil {
		return nil, err
	}
	return frames, nil
}

// ListFramesPage is ListFrames with limit/offset paging for the API.
// A non-positive limit returns everything.
func (r *Repository) ListFramesPage(videoID, status string, limit, offset int) ([]config.Frame, error) {
	var frames []config.Frame
	query := r.db.Where("video_id = ?", videoID).Order("frame_number ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	if err := query.Find(&frames).Error; err != nil {
		return nil, err
	}
	return frames, nil
}

// ListFramesByIDs retrieves the given frames, silently skipping ids
// that do not exist
func (r *Repository) ListFramesByIDs(ids []string) ([]config.Frame, error) {
	var frames []config.Frame
	if len(ids) == 0 {
		return frames, nil
	}
	if err := r.db.Where("id IN ?", ids).Find(&frames).Error; err != nil {
		return nil, err
	}
	return frames, nil
}

// SelectedFrames returns a video's frames awaiting training, in frame order
func (r *Repository) SelectedFrames(videoID string) ([]config.Frame, error) {
	return r.ListFrames(videoID, string(lifecycle.FrameSelected))
}

// SetFramesSelected toggles selection for a set of frames. Frames that
// are trained, deleted or mid-training reject the whole request with a
// listing of the offending ids.
func (r *Repository) SetFramesSelected(ids []string, selected bool) error {
	frames, err := r.ListFramesByIDs(ids)
	if err != nil {
		return err
	}

	refs := make([]lifecycle.FrameRef, 0, len(frames))
	for _, f := range frames {
		refs = append(refs, lifecycle.FrameRef{ID: f.ID, Status: lifecycle.FrameStatus(f.Status)})
	}
	if err := lifecycle.ValidateSelection(refs); err != nil {
		return err
	}

	target := lifecycle.FrameExtracted
	if selected {
		target = lifecycle.FrameSelected
	}
	return r.db.Model(&config.Frame{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":     string(target),
			"updated_at": time.Now(),
		}).Error
}

// MarkFrameTraining moves a frame into training and links it to its job,
// verifying the write before reporting success
func (r *Repository) MarkFrameTraining(id, jobID string) error {
	return r.updateFrameStatus(id, lifecycle.FrameTraining, map[string]interface{}{
		"training_job_id": jobID,
	})
}

// MarkFrameTrained records a successful training result: trained status,
// the new vector index identifier, and a cleared error field
func (r *Repository) MarkFrameTrained(id, pointID string) error {
	return r.updateFrameStatus(id, lifecycle.FrameTrained, map[string]interface{}{
		"point_id":   pointID,
		"last_error": "",
	})
}

// RevertFrameToSelected returns a frame to the training queue after its
// retries are exhausted, recording the error and attempt count
func (r *Repository) RevertFrameToSelected(id string, attempts int, lastError string) error {
	return r.updateFrameStatus(id, lifecycle.FrameSelected, map[string]interface{}{
		"training_attempts": attempts,
		"last_error":        lastError,
	})
}

// ClearTrainingResult reverts a rolled-back frame to selected, dropping
// its vector index identifier and job link
func (r *Repository) ClearTrainingResult(id string) error {
	return r.updateFrameStatus(id, lifecycle.FrameSelected, map[string]interface{}{
		"point_id":        nil,
		"training_job_id": nil,
	})
}

// updateFrameStatus validates the transition, applies it together with
// any extra field updates, then reads the row back to confirm.
func (r *Repository) updateFrameStatus(id string, to lifecycle.FrameStatus, extra map[string]interface{}) error {
	frame, err := r.GetFrame(id)
	if err != nil {
		return err
	}

	from := lifecycle.FrameStatus(frame.Status)
	if from != to {
		if err := lifecycle.ValidateFrameTransition(id, from, to); err != nil {
			return err
		}
	}

	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	if err := r.db.Model(&config.Frame{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update frame status: %w", err)
	}

	check, err := r.GetFrame(id)
	if err != nil {
		return fmt.Errorf("failed to verify frame status: %w", err)
	}
	if check.Status != string(to) {
		return fmt.Errorf("frame %s status verification failed: expected %s, got %s", id, to, check.Status)
	}
	return nil
}

// SoftDeleteFrames marks frames deleted without removing their rows
func (r *Repository) SoftDeleteFrames(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.Model(&config.Frame{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":     string(lifecycle.FrameDeleted),
			"updated_at": time.Now(),
		}).Error; err != nil {
		return err
	}
	return r.db.Where("id IN ?", ids).Delete(&config.Frame{}).Error
}

// PurgeFrame hard-deletes a frame row and its embedding replica
func (r *Repository) PurgeFrame(id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("frame_id = ?", id).Delete(&config.FrameEmbedding{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Where("id = ?", id).Delete(&config.Frame{}).Error
	})
}

// FramesForJob returns frames linked to a job that are trained or still
// mid-training, the candidates for a rollback
func (r *Repository) FramesForJob(jobID string) ([]config.Frame, error) {
	var frames []config.Frame
	err := r.db.Where("training_job_id = ? AND status IN ?", jobID,
		[]string{string(lifecycle.FrameTrained), string(lifecycle.FrameTraining)}).
		Find(&frames).Error
	if err != nil {
		return nil, err
	}
	return frames, nil
}

// TrainedFramesForVideo returns all trained frames belonging to a video
func (r *Repository) TrainedFramesForVideo(videoID string) ([]config.Frame, error) {
	return r.ListFrames(videoID, string(lifecycle.FrameTrained))
}

// SaveEmbedding persists a disaster-recovery replica of a frame's
// vector, replacing any previous replica for the same frame
func (r *Repository) SaveEmbedding(frameID string, vector []float32) error {
	raw, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("frame_id = ?", frameID).Delete(&config.FrameEmbedding{}).Error; err != nil {
			return err
		}
		return tx.Create(&config.FrameEmbedding{
			ID:        uuid.New().String(),
			FrameID:   frameID,
			Vector:    string(raw),
			Dimension: len(vector),
			CreatedAt: time.Now(),
		}).Error
	})
}

// GetEmbeddingVector loads a frame's replica vector back from its JSON
// representation, for stored-vector search
func (r *Repository) GetEmbeddingVector(frameID string) ([]float32, error) {
	var replica config.FrameEmbedding
	if err := r.db.Where("frame_id = ?", frameID).First(&replica).Error; err != nil {
		return nil, err
	}
	var vector []float32
	if err := json.Unmarshal([]byte(replica.Vector), &vector); err != nil {
		return nil, fmt.Errorf("failed to decode embedding replica for frame %s: %w", frameID, err)
	}
	return vector, nil
}

// DeleteEmbeddings removes the replicas for a set of frames
func (r *Repository) DeleteEmbeddings(frameIDs []string) error {
	if len(frameIDs) == 0 {
		return nil
	}
	return r.db.Where("frame_id IN ?", frameIDs).Delete(&config.FrameEmbedding{}).Error
}
