package repository

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/framelens/asset-training-backend/config"
	"github.com/framelens/asset-training-backend/lifecycle"
)

// CreateTrainingJob creates a new training job record in pending status
func (r *Repository) CreateTrainingJob(videoID, clientSessionID string) (*config.TrainingJob, error) {
	job := &config.TrainingJob{
		ID:              uuid.New().String(),
		VideoID:         videoID,
		Status:          string(lifecycle.JobPending),
		ClientSessionID: clientSessionID,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := r.db.Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create training job: %w", err)
	}
	return job, nil
}

// GetTrainingJob retrieves a training job by ID
func (r *Repository) GetTrainingJob(id string) (*config.TrainingJob, error) {
	var job config.TrainingJob
	if err := r.db.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListTrainingJobsPage lists training jobs, newest first, optionally
// filtered by video and paged. A non-positive limit returns everything.
func (r *Repository) ListTrainingJobsPage(videoID string, limit, offset int) ([]config.TrainingJob, error) {
	var jobs []config.TrainingJob
	query := r.db.Order("created_at DESC")
	if videoID != "" {
		query = query.Where("video_id = ?", videoID)
	}
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// UpdateJobStatus moves a job to a new status after validating the
// transition, then verifies the write landed before reporting success.
func (r *Repository) UpdateJobStatus(id string, to lifecycle.JobStatus, message string) error {
	job, err := r.GetTrainingJob(id)
	if err != nil {
		return err
	}

	from := lifecycle.JobStatus(job.Status)
	if from == to {
		return nil
	}
	if err := lifecycle.ValidateJobTransition(id, from, to); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": time.Now(),
	}
	if message != "" {
		updates["error_message"] = message
	}
	switch to {
	case lifecycle.JobProcessing:
		updates["started_at"] = time.Now()
	case lifecycle.JobCompleted, lifecycle.JobFailed:
		updates["completed_at"] = time.Now()
	case lifecycle.JobRolledBack:
		updates["rolled_back_at"] = time.Now()
	}

	if err := r.db.Model(&config.TrainingJob{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	check, err := r.GetTrainingJob(id)
	if err != nil {
		return fmt.Errorf("failed to verify job status: %w", err)
	}
	if check.Status != string(to) {
		return fmt.Errorf("job %s status verification failed: expected %s, got %s", id, to, check.Status)
	}
	return nil
}

// SetJobTotal records the number of frames a job will process
func (r *Repository) SetJobTotal(id string, total int) error {
	return r.db.Model(&config.TrainingJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_frames": total,
			"updated_at":   time.Now(),
		}).Error
}

// AddJobCounters increments the processed/failed counters after a batch
// join barrier. Only the orchestrator calls this, single-writer.
func (r *Repository) AddJobCounters(id string, processed, failed int) error {
	job, err := r.GetTrainingJob(id)
	if err != nil {
		return err
	}
	return r.db.Model(&config.TrainingJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_frames": job.ProcessedFrames + processed,
			"failed_frames":    job.FailedFrames + failed,
			"updated_at":       time.Now(),
		}).Error
}

// HasProcessingJob reports whether another job for the same video is
// currently processing. Check-then-act, not serialized: two concurrent
// starts can both observe false and both proceed.
func (r *Repository) HasProcessingJob(videoID, excludeJobID string) (bool, error) {
	var count int64
	err := r.db.Model(&config.TrainingJob{}).
		Where("video_id = ? AND status = ? AND id <> ?", videoID, string(lifecycle.JobProcessing), excludeJobID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteTrainingJob removes a job record. Jobs that are still
// processing are refused.
func (r *Repository) DeleteTrainingJob(id string) error {
	job, err := r.GetTrainingJob(id)
	if err != nil {
		return err
	}
	if job.Status == string(lifecycle.JobProcessing) {
		return fmt.Errorf("cannot delete job %s while it is processing", id)
	}
	return r.db.Where("id = ?", id).Delete(&config.TrainingJob{}).Error
}

// ListActiveJobs lists jobs that are pending or processing, for the
// stale-job watchdog
func (r *Repository) ListActiveJobs() ([]config.TrainingJob, error) {
	var jobs []config.TrainingJob
	err := r.db.Where("status IN ?", []string{string(lifecycle.JobPending), string(lifecycle.JobProcessing)}).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
