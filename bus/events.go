// Package bus publishes pipeline progress events over Redis pub/sub and
// forwards them to the connection hub for delivery.
package bus

import (
	"context"
	"math"
)

// EventType classifies a progress event
type EventType string

const (
	EventExtractionProgress EventType = "extraction_progress"
	EventTrainingProgress   EventType = "training_progress"
	EventRollbackCompleted  EventType = "rollback_completed"
)

// ProgressEvent is the wire schema delivered to subscribers
type ProgressEvent struct {
	Type            EventType `json:"type"`
	VideoID         string    `json:"video_id"`
	JobID           string    `json:"job_id,omitempty"`
	Current         int       `json:"current"`
	Total           int       `json:"total"`
	Percent         float64   `json:"percent"`
	Status          string    `json:"status"`
	Message         string    `json:"message,omitempty"`
	ClientSessionID string    `json:"client_session_id,omitempty"`
	RequestID       string    `json:"request_id,omitempty"`
}

// Percent computes completion as a percentage rounded to two decimals
func Percent(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(current)/float64(total)*10000) / 100
}

// Bus carries progress events from the pipelines to the hub.
// Publish is fire-and-forget from the pipeline's point of view.
type Bus interface {
	Publish(ctx context.Context, event ProgressEvent) error
	StartForwarder(ctx context.Context, onEvent func(ProgressEvent)) error
	Close() error
}
