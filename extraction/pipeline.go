package extraction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/framelens/asset-training-backend/alert"
	"github.com/framelens/asset-training-backend/audit"
	"github.com/framelens/asset-training-backend/bus"
	"github.com/framelens/asset-training-backend/config"
	"github.com/framelens/asset-training-backend/lifecycle"
	"github.com/framelens/asset-training-backend/logger"
	"github.com/framelens/asset-training-backend/repository"
	"github.com/framelens/asset-training-backend/storage"
)

// Options tunes the extraction pipeline
type Options struct {
	BatchSize      int
	FramePrefix    string
	ThumbnailWidth int
}

// Pipeline materializes a video's frames
type Pipeline struct {
	repo     *repository.Repository
	store    storage.ObjectStore
	decoder  Decoder
	bus      bus.Bus
	audit    *audit.Recorder
	notifier alert.Notifier
	log      *logger.Logger
	opts     Options
}

// NewPipeline creates an extraction pipeline with injected collaborators
func NewPipeline(repo *repository.Repository, store storage.ObjectStore, decoder Decoder,
	eventBus bus.Bus, recorder *audit.Recorder, notifier alert.Notifier,
	log *logger.Logger, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FramePrefix == "" {
		opts.FramePrefix = "frames"
	}
	if opts.ThumbnailWidth <= 0 {
		opts.ThumbnailWidth = 320
	}
	return &Pipeline{
		repo:     repo,
		store:    store,
		decoder:  decoder,
		bus:      eventBus,
		audit:    recorder,
		notifier: notifier,
		log:      log.With("service", "ExtractionPipeline"),
		opts:     opts,
	}
}

// Run extracts all frames for a video. Any error aborts the run and
// marks the video failed; frame rows from already-committed batches are
// kept as-is. There is no per-frame watermark, so re-running a failed
// extraction duplicates frames unless the video is purged first.
func (p *Pipeline) Run(ctx context.Context, videoID, clientSessionID string) error {
	if err := p.run(ctx, videoID, clientSessionID); err != nil {
		if stErr := p.repo.UpdateVideoStatus(videoID, lifecycle.VideoFailed, err.Error()); stErr != nil {
			p.log.Error("failed to mark video failed", "video_id", videoID, "error", stErr)
		}
		p.audit.Record(audit.EntityVideo, videoID, "extract_frames", audit.OutcomeFailure, err.Error(), nil)
		if alertErr := p.notifier.Notify(context.Background(), "Frame extraction failed",
			fmt.Sprintf("Extraction for video %s failed: %v", videoID, err)); alertErr != nil {
			p.log.Warn("failed to send extraction alert", "error", alertErr)
		}
		return err
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, videoID, clientSessionID string) error {
	video, err := p.repo.GetVideo(videoID)
	if err != nil {
		return fmt.Errorf("video not found: %w", err)
	}

	if err := p.repo.UpdateVideoStatus(videoID, lifecycle.VideoExtracting, ""); err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "extract-"+videoID)
	if err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	sourcePath, err := p.downloadSource(ctx, video.ObjectKey, video.Filename, workDir)
	if err != nil {
		return err
	}

	fps := video.FPS
	if fps < 1 || fps > 10 {
		fps = 2
	}

	// Diagnostic only: the decoder's actual output is authoritative
	if duration, err := p.decoder.ProbeDuration(ctx, sourcePath); err == nil {
		p.log.Info("probed video duration",
			"video_id", videoID,
			"duration_sec", duration,
			"expected_frames", int(duration*float64(fps)))
	} else {
		p.log.Warn("duration probe failed", "video_id", videoID, "error", err)
	}

	framesDir := filepath.Join(workDir, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create frames directory: %w", err)
	}

	files, err := p.decoder.Decode(ctx, sourcePath, fps, framesDir)
	if err != nil {
		return err
	}
	total := len(files)
	p.log.Info("decoded frames", "video_id", videoID, "total", total, "fps", fps)

	for start := 0; start < total; start += p.opts.BatchSize {
		if ctx.Err() != nil {
			return fmt.Errorf("extraction interrupted: %w", ctx.Err())
		}

		end := start + p.opts.BatchSize
		if end > total {
			end = total
		}

		batch, err := p.processBatch(ctx, videoID, files[start:end], start)
		if err != nil {
			return err
		}
		if err := p.repo.CreateFrames(batch); err != nil {
			return err
		}
		if err := p.repo.UpdateVideoTotalFrames(videoID, end); err != nil {
			return err
		}

		p.publish(videoID, clientSessionID, end, total, "processing", "")
	}

	// The decoded source has served its purpose
	if err := p.store.Delete(ctx, video.ObjectKey); err != nil {
		p.log.Warn("failed to delete source asset", "video_id", videoID, "key", video.ObjectKey, "error", err)
	}

	if err := p.repo.UpdateVideoStatus(videoID, lifecycle.VideoExtracted, ""); err != nil {
		return err
	}

	p.publish(videoID, clientSessionID, total, total, "completed", fmt.Sprintf("extracted %d frames", total))
	p.audit.Record(audit.EntityVideo, videoID, "extract_frames", audit.OutcomeSuccess,
		fmt.Sprintf("extracted %d frames", total), map[string]interface{}{"total_frames": total, "fps": fps})
	return nil
}

// downloadSource copies the uploaded asset from object storage into the
// working directory for the decoder
func (p *Pipeline) downloadSource(ctx context.Context, objectKey, filename, workDir string) (string, error) {
	data, err := p.store.Get(ctx, objectKey)
	if err != nil {
		return "", fmt.Errorf("failed to download source asset: %w", err)
	}

	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".mp4"
	}
	sourcePath := filepath.Join(workDir, "source"+ext)
	if err := os.WriteFile(sourcePath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write source asset: %w", err)
	}
	return sourcePath, nil
}

// processBatch uploads one batch of frames and thumbnails, returning
// the rows to commit. Local copies are removed as they are consumed.
func (p *Pipeline) processBatch(ctx context.Context, videoID string, files []string, offset int) ([]config.Frame, error) {
	rows := make([]config.Frame, 0, len(files))
	for i, file := range files {
		frameNumber := offset + i + 1

		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %d: %w", frameNumber, err)
		}
		thumb, err := MakeThumbnail(data, p.opts.ThumbnailWidth)
		if err != nil {
			return nil, fmt.Errorf("failed to build thumbnail for frame %d: %w", frameNumber, err)
		}

		objectKey := fmt.Sprintf("%s/video_%s/frame_%06d.jpg", p.opts.FramePrefix, videoID, frameNumber)
		thumbKey := fmt.Sprintf("%s/video_%s/frame_%06d_thumb.jpg", p.opts.FramePrefix, videoID, frameNumber)

		if err := p.store.Put(ctx, objectKey, data, "image/jpeg"); err != nil {
			return nil, fmt.Errorf("failed to upload frame %d: %w", frameNumber, err)
		}
		if err := p.store.Put(ctx, thumbKey, thumb, "image/jpeg"); err != nil {
			return nil, fmt.Errorf("failed to upload thumbnail %d: %w", frameNumber, err)
		}

		rows = append(rows, repository.NewFrame(videoID, frameNumber, objectKey, thumbKey))
		_ = os.Remove(file)
	}
	return rows, nil
}

func (p *Pipeline) publish(videoID, clientSessionID string, current, total int, status, message string) {
	event := bus.ProgressEvent{
		Type:            bus.EventExtractionProgress,
		VideoID:         videoID,
		Current:         current,
		Total:           total,
		Percent:         bus.Percent(current, total),
		Status:          status,
		Message:         message,
		ClientSessionID: clientSessionID,
	}
	if err := p.bus.Publish(context.Background(), event); err != nil {
		p.log.Warn("failed to publish extraction progress", "video_id", videoID, "error", err)
	}
}
