// Package lifecycle encodes the legal status transitions for videos,
// frames and training jobs. It is pure logic with no I/O so that every
// caller (pipelines, handlers, repositories) shares one source of truth.
package lifecycle

import (
	"fmt"
	"strings"
)

// VideoStatus is the processing state of an uploaded video.
type VideoStatus string

const (
	VideoUploading  VideoStatus = "uploading"
	VideoUploaded   VideoStatus = "uploaded"
	VideoExtracting VideoStatus = "extracting"
	VideoExtracted  VideoStatus = "extracted"
	VideoFailed     VideoStatus = "failed"
)

// FrameStatus is the training state of an extracted frame.
type FrameStatus string

const (
	FrameExtracted FrameStatus = "extracted"
	FrameSelected  FrameStatus = "selected"
	FrameTraining  FrameStatus = "training"
	FrameTrained   FrameStatus = "trained"
	FrameDeleted   FrameStatus = "deleted"
)

// JobStatus is the orchestration state of a training job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobPaused     JobStatus = "paused"
	JobRolledBack JobStatus = "rolled_back"
)

// TransitionError reports an illegal status transition for an entity.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// FrameRef pairs a frame id with its current status, used to report
// which frames blocked a selection request.
type FrameRef struct {
	ID     string
	Status FrameStatus
}

// SelectionError lists the frames that cannot be (de)selected because
// they are trained, deleted or mid-training.
type SelectionError struct {
	Offending []FrameRef
}

func (e *SelectionError) Error() string {
	parts := make([]string, 0, len(e.Offending))
	for _, f := range e.Offending {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.ID, f.Status))
	}
	return fmt.Sprintf("frames not selectable: %s", strings.Join(parts, ", "))
}

var videoTransitions = map[VideoStatus][]VideoStatus{
	VideoUploading:  {VideoUploaded, VideoFailed},
	VideoUploaded:   {VideoExtracting, VideoFailed},
	VideoExtracting: {VideoExtracted, VideoFailed},
	VideoExtracted:  {VideoFailed},
	VideoFailed:     {},
}

var frameTransitions = map[FrameStatus][]FrameStatus{
	FrameExtracted: {FrameSelected, FrameDeleted},
	FrameSelected:  {FrameExtracted, FrameTraining, FrameDeleted},
	FrameTraining:  {FrameTrained, FrameSelected},
	FrameTrained:   {FrameSelected, FrameDeleted},
	FrameDeleted:   {},
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing, JobPaused, JobFailed},
	JobProcessing: {JobCompleted, JobFailed, JobPaused},
	JobPaused:     {JobPending},
	JobCompleted:  {JobRolledBack},
	JobFailed:     {JobRolledBack},
	JobRolledBack: {},
}

// ValidateVideoTransition returns nil when from -> to is legal. A
// same-status transition is treated as an idempotent no-op.
func ValidateVideoTransition(id string, from, to VideoStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range videoTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &TransitionError{Entity: "video", ID: id, From: string(from), To: string(to)}
}

// ValidateFrameTransition returns nil when from -> to is legal for a frame.
func ValidateFrameTransition(id string, from, to FrameStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range frameTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &TransitionError{Entity: "frame", ID: id, From: string(from), To: string(to)}
}

// ValidateJobTransition returns nil when from -> to is legal for a job.
func ValidateJobTransition(id string, from, to JobStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &TransitionError{Entity: "job", ID: id, From: string(from), To: string(to)}
}

// ValidateSelection checks that every frame in the set may flip between
// extracted and selected. Frames that are trained, deleted or currently
// training block the whole request; the returned error lists them all.
func ValidateSelection(frames []FrameRef) error {
	var offending []FrameRef
	for _, f := range frames {
		switch f.Status {
		case FrameExtracted, FrameSelected:
			// selectable either way
		default:
			offending = append(offending, f)
		}
	}
	if len(offending) > 0 {
		return &SelectionError{Offending: offending}
	}
	return nil
}

// IsTerminalJob reports whether a job status admits no further
// transitions except rollback.
func IsTerminalJob(s JobStatus) bool {
	return s == JobCompleted || s == JobFailed || s == JobRolledBack
}
