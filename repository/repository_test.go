package repository

import (
	"errors"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/framelens/asset-training-backend/config"
	"github.com/framelens/asset-training-backend/lifecycle"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&config.Video{}, &config.Frame{}, &config.FrameEmbedding{}, &config.TrainingJob{}, &config.ProcessingLog{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func newTestVideo(t *testing.T, repo *Repository, status lifecycle.VideoStatus) *config.Video {
	t.Helper()
	video, err := repo.CreateVideo("test.mp4", fmt.Sprintf("hash-%s-%s", t.Name(), status), "uploads/test.mp4", 2)
	if err != nil {
		t.Fatalf("failed to create video: %v", err)
	}
	if status != lifecycle.VideoUploading {
		if err := repo.DB().Model(&config.Video{}).Where("id = ?", video.ID).
			Update("status", string(status)).Error; err != nil {
			t.Fatalf("failed to seed video status: %v", err)
		}
		video.Status = string(status)
	}
	return video
}

func seedFrames(t *testing.T, repo *Repository, videoID string, n int, status lifecycle.FrameStatus) []config.Frame {
	t.Helper()
	frames := make([]config.Frame, 0, n)
	for i := 1; i <= n; i++ {
		f := NewFrame(videoID, i, fmt.Sprintf("frames/video_%s/frame_%06d.jpg", videoID, i),
			fmt.Sprintf("frames/video_%s/frame_%06d_thumb.jpg", videoID, i))
		f.Status = string(status)
		frames = append(frames, f)
	}
	if err := repo.CreateFrames(frames); err != nil {
		t.Fatalf("failed to seed frames: %v", err)
	}
	return frames
}

func TestUpdateVideoStatusValidatesTransition(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	video := newTestVideo(t, repo, lifecycle.VideoUploaded)

	if err := repo.UpdateVideoStatus(video.ID, lifecycle.VideoExtracting, ""); err != nil {
		t.Fatalf("uploaded -> extracting should succeed: %v", err)
	}

	var transErr *lifecycle.TransitionError
	err := repo.UpdateVideoStatus(video.ID, lifecycle.VideoUploaded, "")
	if !errors.As(err, &transErr) {
		t.Fatalf("backward transition should return TransitionError, got %v", err)
	}

	// Idempotent no-op
	if err := repo.UpdateVideoStatus(video.ID, lifecycle.VideoExtracting, ""); err != nil {
		t.Fatalf("same-status update should be a no-op: %v", err)
	}
}

func TestSetFramesSelectedRejectsWithOffenders(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	video := newTestVideo(t, repo, lifecycle.VideoExtracted)

	extracted := seedFrames(t, repo, video.ID, 2, lifecycle.FrameExtracted)
	trained := seedFrames(t, repo, video.ID, 1, lifecycle.FrameTrained)

	ids := []string{extracted[0].ID, extracted[1].ID, trained[0].ID}
	err := repo.SetFramesSelected(ids, true)

	var selErr *lifecycle.SelectionError
	if !errors.As(err, &selErr) {
		t.Fatalf("expected SelectionError, got %v", err)
	}
	if len(selErr.Offending) != 1 || selErr.Offending[0].ID != trained[0].ID {
		t.Fatalf("expected exactly the trained frame listed, got %+v", selErr.Offending)
	}

	// Nothing should have been mutated
	f, err := repo.GetFrame(extracted[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != string(lifecycle.FrameExtracted) {
		t.Errorf("frame status changed despite rejection: %s", f.Status)
	}
}

func TestSetFramesSelectedTogglesBothWays(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	video := newTestVideo(t, repo, lifecycle.VideoExtracted)
	frames := seedFrames(t, repo, video.ID, 3, lifecycle.FrameExtracted)

	ids := []string{frames[0].ID, frames[1].ID, frames[2].ID}
	if err := repo.SetFramesSelected(ids, true); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	selected, err := repo.SelectedFrames(video.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 3 {
		t.Fatalf("expected 3 selected frames, got %d", len(selected))
	}

	if err := repo.SetFramesSelected(ids[:1], false); err != nil {
		t.Fatalf("deselect failed: %v", err)
	}
	selected, _ = repo.SelectedFrames(video.ID)
	if len(selected) != 2 {
		t.Fatalf("expected 2 selected frames after deselect, got %d", len(selected))
	}
}

func TestFrameTrainingLifecycle(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	video := newTestVideo(t, repo, lifecycle.VideoExtracted)
	frames := seedFrames(t, repo, video.ID, 1, lifecycle.FrameSelected)
	job, err := repo.CreateTrainingJob(video.ID, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := repo.MarkFrameTraining(frames[0].ID, job.ID); err != nil {
		t.Fatalf("selected -> training failed: %v", err)
	}
	if err := repo.MarkFrameTrained(frames[0].ID, "point-1"); err != nil {
		t.Fatalf("training -> trained failed: %v", err)
	}

	f, _ := repo.GetFrame(frames[0].ID)
	if f.PointID == nil || *f.PointID != "point-1" {
		t.Errorf("point id not persisted: %+v", f.PointID)
	}
	if f.TrainingJobID == nil || *f.TrainingJobID != job.ID {
		t.Errorf("job link not persisted: %+v", f.TrainingJobID)
	}

	if err := repo.ClearTrainingResult(frames[0].ID); err != nil {
		t.Fatalf("rollback revert failed: %v", err)
	}
	f, _ = repo.GetFrame(frames[0].ID)
	if f.Status != string(lifecycle.FrameSelected) || f.PointID != nil || f.TrainingJobID != nil {
		t.Errorf("rollback revert left residue: status=%s point=%v job=%v", f.Status, f.PointID, f.TrainingJobID)
	}
}

func TestSoftDeletedFramesAreInvisible(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	video := newTestVideo(t, repo, lifecycle.VideoExtracted)
	frames := seedFrames(t, repo, video.ID, 3, lifecycle.FrameExtracted)

	if err := repo.SoftDeleteFrames([]string{frames[0].ID}); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}

	visible, err := repo.ListFrames(video.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 2 {
		t.Fatalf("expected 2 visible frames, got %d", len(visible))
	}

	// Row still physically present
	var count int64
	repo.DB().Model(&config.Frame{}).Unscoped().Where("video_id = ?", video.ID).Count(&count)
	if count != 3 {
		t.Fatalf("expected 3 physical rows, got %d", count)
	}
}

func TestJobStatusTransitionsAndCounters(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	video := newTestVideo(t, repo, lifecycle.VideoExtracted)
	job, err := repo.CreateTrainingJob(video.ID, "session-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := repo.UpdateJobStatus(job.ID, lifecycle.JobProcessing, ""); err != nil {
		t.Fatalf("pending -> processing failed: %v", err)
	}
	if err := repo.SetJobTotal(job.ID, 10); err != nil {
		t.Fatal(err)
	}
	if err := repo.AddJobCounters(job.ID, 7, 0); err != nil {
		t.Fatal(err)
	}
	if err := repo.AddJobCounters(job.ID, 2, 1); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateJobStatus(job.ID, lifecycle.JobCompleted, ""); err != nil {
		t.Fatalf("processing -> completed failed: %v", err)
	}

	got, _ := repo.GetTrainingJob(job.ID)
	if got.ProcessedFrames+got.FailedFrames != got.TotalFrames {
		t.Errorf("terminal counters do not add up: %d + %d != %d",
			got.ProcessedFrames, got.FailedFrames, got.TotalFrames)
	}
	if got.CompletedAt == nil || got.StartedAt == nil {
		t.Errorf("timestamps not stamped: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}

	var transErr *lifecycle.TransitionError
	if err := repo.UpdateJobStatus(job.ID, lifecycle.JobProcessing, ""); !errors.As(err, &transErr) {
		t.Errorf("completed -> processing should be rejected, got %v", err)
	}
}

func TestHasProcessingJob(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	video := newTestVideo(t, repo, lifecycle.VideoExtracted)

	first, _ := repo.CreateTrainingJob(video.ID, "")
	second, _ := repo.CreateTrainingJob(video.ID, "")

	busy, err := repo.HasProcessingJob(video.ID, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if busy {
		t.Fatal("no job is processing yet")
	}

	if err := repo.UpdateJobStatus(first.ID, lifecycle.JobProcessing, ""); err != nil {
		t.Fatal(err)
	}
	busy, _ = repo.HasProcessingJob(video.ID, second.ID)
	if !busy {
		t.Fatal("expected processing job to be detected")
	}
	// A job never blocks on itself
	busy, _ = repo.HasProcessingJob(video.ID, first.ID)
	if busy {
		t.Fatal("job should be excluded from its own check")
	}
}

func TestSaveEmbeddingReplacesExisting(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	video := newTestVideo(t, repo, lifecycle.VideoExtracted)
	frames := seedFrames(t, repo, video.ID, 1, lifecycle.FrameSelected)

	if err := repo.SaveEmbedding(frames[0].ID, []float32{0.1, 0.2}); err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveEmbedding(frames[0].ID, []float32{0.3, 0.4, 0.5}); err != nil {
		t.Fatal(err)
	}

	var replicas []config.FrameEmbedding
	repo.DB().Where("frame_id = ?", frames[0].ID).Find(&replicas)
	if len(replicas) != 1 {
		t.Fatalf("expected a single replica, got %d", len(replicas))
	}
	if replicas[0].Dimension != 3 {
		t.Errorf("expected replacement replica with dimension 3, got %d", replicas[0].Dimension)
	}
}
