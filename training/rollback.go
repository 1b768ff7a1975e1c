package training

import (
	"context"
	"fmt"

	"github.com/framelens/asset-training-backend/audit"
	"github.com/framelens/asset-training-backend/bus"
	"github.com/framelens/asset-training-backend/config"
	"github.com/framelens/asset-training-backend/lifecycle"
)

// Rollback reverses a completed or failed job: deletes the indexed
// vectors, drops the embedding replicas, reverts the frames to selected
// and stamps the job rolled_back. A rollback with zero matching frames
// still succeeds. Rolling back an already rolled-back job is a no-op.
func (o *Orchestrator) Rollback(ctx context.Context, jobID string) error {
	job, err := o.repo.GetTrainingJob(jobID)
	if err != nil {
		return fmt.Errorf("training job not found: %w", err)
	}

	if job.Status == string(lifecycle.JobRolledBack) {
		o.log.Warn("job already rolled back", "job_id", jobID)
		return nil
	}
	if err := lifecycle.ValidateJobTransition(jobID, lifecycle.JobStatus(job.Status), lifecycle.JobRolledBack); err != nil {
		return err
	}

	frames, err := o.repo.FramesForJob(jobID)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		// Older frames may have lost their job link; fall back to every
		// trained frame of the video, which can also catch frames
		// trained by a different job.
		frames, err = o.repo.TrainedFramesForVideo(job.VideoID)
		if err != nil {
			return err
		}
		if len(frames) > 0 {
			o.log.Warn("no frames linked to job, falling back to all trained frames for video",
				"job_id", jobID, "video_id", job.VideoID, "frames", len(frames))
		}
	}

	deleted, deleteFailed := o.deleteVectors(ctx, frames)

	frameIDs := make([]string, 0, len(frames))
	for _, f := range frames {
		frameIDs = append(frameIDs, f.ID)
	}
	if err := o.repo.DeleteEmbeddings(frameIDs); err != nil {
		return fmt.Errorf("failed to delete embedding replicas: %w", err)
	}

	reverted := 0
	for _, f := range frames {
		if err := o.repo.ClearTrainingResult(f.ID); err != nil {
			o.log.Error("failed to revert frame during rollback", "frame_id", f.ID, "error", err)
			continue
		}
		reverted++
	}

	if err := o.repo.UpdateJobStatus(jobID, lifecycle.JobRolledBack, ""); err != nil {
		return err
	}

	message := fmt.Sprintf("rolled back %d frames (%d vectors deleted, %d deletions failed)", reverted, deleted, deleteFailed)
	o.audit.Record(audit.EntityJob, jobID, "rollback", audit.OutcomeSuccess, message, map[string]interface{}{
		"frames_reverted":  reverted,
		"vectors_deleted":  deleted,
		"deletions_failed": deleteFailed,
	})
	o.log.Info("rollback completed", "job_id", jobID, "frames", reverted, "vectors_deleted", deleted)

	event := bus.ProgressEvent{
		Type:            bus.EventRollbackCompleted,
		VideoID:         job.VideoID,
		JobID:           job.ID,
		Current:         reverted,
		Total:           len(frames),
		Percent:         100,
		Status:          "rolled_back",
		Message:         message,
		ClientSessionID: job.ClientSessionID,
	}
	if err := o.bus.Publish(context.Background(), event); err != nil {
		o.log.Warn("failed to publish rollback event", "job_id", jobID, "error", err)
	}
	return nil
}

// deleteVectors removes the frames' points from the index, continuing
// past individual failures
func (o *Orchestrator) deleteVectors(ctx context.Context, frames []config.Frame) (int, int) {
	pointIDs := make([]string, 0, len(frames))
	for _, f := range frames {
		if f.PointID != nil && *f.PointID != "" {
			pointIDs = append(pointIDs, *f.PointID)
		}
	}
	if len(pointIDs) == 0 {
		return 0, 0
	}

	result, err := o.index.DeleteBatch(ctx, pointIDs)
	if err != nil {
		o.log.Error("vector batch delete failed outright", "error", err)
		return 0, len(pointIDs)
	}
	if len(result.Failed) > 0 {
		o.log.Warn("some vector deletions failed", "failed", len(result.Failed))
	}
	return result.Success, len(result.Failed)
}
