// Package training converts selected frames into indexed vectors with
// bounded concurrency, per-frame retries, a consecutive-failure circuit
// breaker, cooperative pause/resume and rollback.
package training

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/framelens/asset-training-backend/alert"
	"github.com/framelens/asset-training-backend/audit"
	"github.com/framelens/asset-training-backend/bus"
	"github.com/framelens/asset-training-backend/config"
	"github.com/framelens/asset-training-backend/embedding"
	"github.com/framelens/asset-training-backend/lifecycle"
	"github.com/framelens/asset-training-backend/logger"
	"github.com/framelens/asset-training-backend/repository"
	"github.com/framelens/asset-training-backend/storage"
	"github.com/framelens/asset-training-backend/vectorindex"
)

// Options tunes the training orchestrator
type Options struct {
	BatchSize        int
	Workers          int
	CircuitThreshold int
	MaxRetries       int
	VectorDim        int
	RetryBackoff     []time.Duration
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Workers <= 0 {
		o.Workers = 5
	}
	if o.CircuitThreshold <= 0 {
		o.CircuitThreshold = 10
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.VectorDim <= 0 {
		o.VectorDim = 1408
	}
	if len(o.RetryBackoff) == 0 {
		o.RetryBackoff = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}
	}
}

// Orchestrator drives training jobs end to end
type Orchestrator struct {
	repo     *repository.Repository
	store    storage.ObjectStore
	index    vectorindex.VectorIndex
	embedder embedding.Generator
	bus      bus.Bus
	audit    *audit.Recorder
	notifier alert.Notifier
	log      *logger.Logger
	opts     Options

	// Running count of consecutive per-frame failures. Accumulates
	// across batches and resets only after a batch with zero failures.
	mu                  sync.Mutex
	consecutiveFailures map[string]int
}

// NewOrchestrator creates a training orchestrator with injected collaborators
func NewOrchestrator(repo *repository.Repository, store storage.ObjectStore,
	index vectorindex.VectorIndex, embedder embedding.Generator,
	eventBus bus.Bus, recorder *audit.Recorder, notifier alert.Notifier,
	log *logger.Logger, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		repo:                repo,
		store:               store,
		index:               index,
		embedder:            embedder,
		bus:                 eventBus,
		audit:               recorder,
		notifier:            notifier,
		log:                 log.With("service", "TrainingOrchestrator"),
		opts:                opts,
		consecutiveFailures: make(map[string]int),
	}
}

// batchOutcome aggregates one batch after its join barrier
type batchOutcome struct {
	processed int
	failed    int
	attempted int
	tripped   bool
}

// Run processes a pending job to a terminal state. Fatal errors mark
// the job failed and are returned to the task runner.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	if err := o.run(ctx, jobID); err != nil {
		if stErr := o.repo.UpdateJobStatus(jobID, lifecycle.JobFailed, err.Error()); stErr != nil {
			o.log.Error("failed to mark job failed", "job_id", jobID, "error", stErr)
		}
		o.audit.Record(audit.EntityJob, jobID, "train_frames", audit.OutcomeFailure, err.Error(), nil)
		if alertErr := o.notifier.Notify(context.Background(), "Training job failed",
			fmt.Sprintf("Training job %s failed: %v", jobID, err)); alertErr != nil {
			o.log.Warn("failed to send training alert", "error", alertErr)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, jobID string) error {
	job, err := o.repo.GetTrainingJob(jobID)
	if err != nil {
		return fmt.Errorf("training job not found: %w", err)
	}
	video, err := o.repo.GetVideo(job.VideoID)
	if err != nil {
		return fmt.Errorf("video not found: %w", err)
	}

	// Best-effort mutual exclusion; the check and the status write are
	// not one atomic step, so two concurrent starts can both pass it.
	busy, err := o.repo.HasProcessingJob(job.VideoID, job.ID)
	if err != nil {
		return err
	}
	if busy {
		o.log.Warn("another job is already processing this video", "job_id", job.ID, "video_id", job.VideoID)
		return o.repo.UpdateJobStatus(job.ID, lifecycle.JobPaused,
			"another training job for this video is already processing")
	}

	if err := o.repo.UpdateJobStatus(job.ID, lifecycle.JobProcessing, ""); err != nil {
		return err
	}

	frames, err := o.repo.SelectedFrames(job.VideoID)
	if err != nil {
		return err
	}
	if err := o.repo.SetJobTotal(job.ID, len(frames)); err != nil {
		return err
	}
	if len(frames) == 0 {
		if err := o.repo.UpdateJobStatus(job.ID, lifecycle.JobCompleted, "no frames selected for training"); err != nil {
			return err
		}
		o.publish(job, 0, 0, "completed", "no frames selected for training")
		return nil
	}

	o.log.Info("training started", "job_id", job.ID, "video_id", job.VideoID, "total_frames", len(frames))

	done := 0
	for start := 0; start < len(frames); start += o.opts.BatchSize {
		// Cooperative pause, checked only at batch boundaries
		current, err := o.repo.GetTrainingJob(job.ID)
		if err != nil {
			return err
		}
		if current.Status == string(lifecycle.JobPaused) {
			o.log.Info("job paused, stopping before next batch", "job_id", job.ID)
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("training interrupted: %w", ctx.Err())
		}

		end := start + o.opts.BatchSize
		if end > len(frames) {
			end = len(frames)
		}

		outcome := o.processBatch(ctx, job, video, frames[start:end])
		done += outcome.attempted

		// Single writer: counters move only after the join barrier
		if err := o.repo.AddJobCounters(job.ID, outcome.processed, outcome.failed); err != nil {
			return err
		}

		if outcome.tripped {
			reason := fmt.Sprintf("circuit breaker opened after %d consecutive frame failures", o.opts.CircuitThreshold)
			if err := o.repo.UpdateJobStatus(job.ID, lifecycle.JobPaused, reason); err != nil {
				return err
			}
			o.audit.Record(audit.EntityJob, job.ID, "circuit_breaker", audit.OutcomeWarning, reason, nil)
			if alertErr := o.notifier.Notify(context.Background(), "Training circuit breaker opened",
				fmt.Sprintf("Job %s paused: %s", job.ID, reason)); alertErr != nil {
				o.log.Warn("failed to send circuit breaker alert", "error", alertErr)
			}
			o.publish(job, done, len(frames), "paused", reason)
			return nil
		}

		o.publish(job, done, len(frames), "processing", "")
	}

	return o.finish(job.ID, len(frames))
}

// finish resolves the terminal status from the committed counters
func (o *Orchestrator) finish(jobID string, total int) error {
	job, err := o.repo.GetTrainingJob(jobID)
	if err != nil {
		return err
	}

	switch {
	case job.ProcessedFrames == 0 && job.FailedFrames > 0:
		message := fmt.Sprintf("all %d frames failed training", job.FailedFrames)
		if err := o.repo.UpdateJobStatus(jobID, lifecycle.JobFailed, message); err != nil {
			return err
		}
		o.audit.Record(audit.EntityJob, jobID, "train_frames", audit.OutcomeFailure, message, nil)
		o.publish(job, total, total, "failed", message)
	case job.ProcessedFrames > 0 && job.FailedFrames > 0:
		message := fmt.Sprintf("%d out of %d frames failed", job.FailedFrames, job.TotalFrames)
		if err := o.repo.UpdateJobStatus(jobID, lifecycle.JobCompleted, message); err != nil {
			return err
		}
		o.audit.Record(audit.EntityJob, jobID, "train_frames", audit.OutcomeWarning, message, nil)
		if float64(job.FailedFrames) > float64(job.TotalFrames)*0.5 {
			if alertErr := o.notifier.Notify(context.Background(), "Training completed with high failure rate",
				fmt.Sprintf("Job %s: %s", jobID, message)); alertErr != nil {
				o.log.Warn("failed to send failure rate alert", "error", alertErr)
			}
		}
		o.publish(job, total, total, "completed", message)
	default:
		if err := o.repo.UpdateJobStatus(jobID, lifecycle.JobCompleted, ""); err != nil {
			return err
		}
		o.audit.Record(audit.EntityJob, jobID, "train_frames", audit.OutcomeSuccess,
			fmt.Sprintf("trained %d frames", job.ProcessedFrames), nil)
		o.publish(job, total, total, "completed", "")
	}
	return nil
}

// processBatch dispatches one batch to the worker pool and waits for
// the barrier. Workers share no mutable state beyond the breaker count.
func (o *Orchestrator) processBatch(ctx context.Context, job *config.TrainingJob, video *config.Video, frames []config.Frame) batchOutcome {
	var (
		mu      sync.Mutex
		outcome batchOutcome
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)

	for i := range frames {
		frame := frames[i]

		// Stop enqueuing once the breaker trips
		if o.breakerTripped(job.ID) {
			mu.Lock()
			outcome.tripped = true
			mu.Unlock()
			break
		}

		g.Go(func() error {
			// Re-check at execution time: frames already queued behind
			// the tripping failure are left untouched
			if o.breakerTripped(job.ID) {
				mu.Lock()
				outcome.tripped = true
				mu.Unlock()
				return nil
			}

			err := o.trainFrameWithRetry(gctx, job, video, &frame)

			mu.Lock()
			defer mu.Unlock()
			outcome.attempted++
			if err != nil {
				outcome.failed++
				if o.recordFailure(job.ID) {
					outcome.tripped = true
				}
				return nil
			}
			outcome.processed++
			return nil
		})
	}
	_ = g.Wait()

	if outcome.failed == 0 && !outcome.tripped {
		o.resetBreaker(job.ID)
	}
	return outcome
}

// trainFrameWithRetry runs the full per-frame sequence, retrying with
// fixed backoff. Exhaustion reverts the frame to selected so it stays
// queued for a future attempt.
func (o *Orchestrator) trainFrameWithRetry(ctx context.Context, job *config.TrainingJob, video *config.Video, frame *config.Frame) error {
	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		lastErr = o.trainFrame(ctx, job, video, frame)
		if lastErr == nil {
			return nil
		}
		o.log.Warn("frame training attempt failed",
			"job_id", job.ID,
			"frame_id", frame.ID,
			"attempt", attempt,
			"error", lastErr)

		if attempt < o.opts.MaxRetries {
			if err := o.backoff(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}
	}

	if err := o.repo.RevertFrameToSelected(frame.ID, o.opts.MaxRetries, lastErr.Error()); err != nil {
		o.log.Error("failed to revert frame after exhausted retries", "frame_id", frame.ID, "error", err)
	}
	o.audit.Record(audit.EntityFrame, frame.ID, "train_frame", audit.OutcomeFailure, lastErr.Error(),
		map[string]interface{}{"job_id": job.ID, "attempts": o.opts.MaxRetries})
	return lastErr
}

// trainFrame is the five-step sequence: mark training, download, embed,
// index, replicate, mark trained. Any step failing fails the attempt.
func (o *Orchestrator) trainFrame(ctx context.Context, job *config.TrainingJob, video *config.Video, frame *config.Frame) error {
	if err := o.repo.MarkFrameTraining(frame.ID, job.ID); err != nil {
		return fmt.Errorf("mark training: %w", err)
	}

	data, err := o.store.Get(ctx, frame.ObjectKey)
	if err != nil {
		return fmt.Errorf("download frame: %w", err)
	}

	vector, err := o.embedder.Embed(ctx, data)
	if err != nil {
		return fmt.Errorf("generate embedding: %w", err)
	}
	if len(vector) != o.opts.VectorDim {
		return fmt.Errorf("embedding dimension mismatch: expected %d, got %d", o.opts.VectorDim, len(vector))
	}

	pointID := uuid.New().String()
	payload := map[string]interface{}{
		"video_id":     video.ID,
		"frame_id":     frame.ID,
		"frame_number": frame.FrameNumber,
		"asset_name":   video.AssetName,
		"category":     video.Category,
		"manufacturer": video.Manufacturer,
		"location":     video.Location,
		"source_path":  frame.ObjectKey,
	}
	if err := o.index.Upsert(ctx, pointID, vector, payload); err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}

	if err := o.repo.SaveEmbedding(frame.ID, vector); err != nil {
		return fmt.Errorf("persist embedding replica: %w", err)
	}

	if err := o.repo.MarkFrameTrained(frame.ID, pointID); err != nil {
		return fmt.Errorf("mark trained: %w", err)
	}
	return nil
}

func (o *Orchestrator) backoff(ctx context.Context, attempt int) error {
	idx := attempt - 1
	if idx >= len(o.opts.RetryBackoff) {
		idx = len(o.opts.RetryBackoff) - 1
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff interrupted: %w", ctx.Err())
	case <-time.After(o.opts.RetryBackoff[idx]):
		return nil
	}
}

func (o *Orchestrator) recordFailure(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.consecutiveFailures[jobID]++
	return o.consecutiveFailures[jobID] >= o.opts.CircuitThreshold
}

func (o *Orchestrator) breakerTripped(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.consecutiveFailures[jobID] >= o.opts.CircuitThreshold
}

func (o *Orchestrator) resetBreaker(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.consecutiveFailures[jobID] = 0
}

// Pause requests a cooperative stop; the in-flight batch finishes first
func (o *Orchestrator) Pause(jobID string) error {
	if err := o.repo.UpdateJobStatus(jobID, lifecycle.JobPaused, "paused by operator"); err != nil {
		return err
	}
	o.audit.Record(audit.EntityJob, jobID, "pause", audit.OutcomeSuccess, "paused by operator", nil)
	return nil
}

// Resume flips a paused job back to pending. The caller re-submits the
// job to the runner; still-selected frames are naturally re-queued and
// already-trained frames are skipped.
func (o *Orchestrator) Resume(jobID string) error {
	if err := o.repo.UpdateJobStatus(jobID, lifecycle.JobPending, ""); err != nil {
		return err
	}
	o.resetBreaker(jobID)
	o.audit.Record(audit.EntityJob, jobID, "resume", audit.OutcomeSuccess, "", nil)
	return nil
}

func (o *Orchestrator) publish(job *config.TrainingJob, current, total int, status, message string) {
	event := bus.ProgressEvent{
		Type:            bus.EventTrainingProgress,
		VideoID:         job.VideoID,
		JobID:           job.ID,
		Current:         current,
		Total:           total,
		Percent:         bus.Percent(current, total),
		Status:          status,
		Message:         message,
		ClientSessionID: job.ClientSessionID,
	}
	if err := o.bus.Publish(context.Background(), event); err != nil {
		o.log.Warn("failed to publish training progress", "job_id", job.ID, "error", err)
	}
}
