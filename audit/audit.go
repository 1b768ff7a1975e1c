// Package audit appends processing log entries for state-changing
// actions. Writes are best-effort: a failed audit write is logged and
// swallowed so it never aborts the action it documents.
package audit

import (
	"github.com/framelens/asset-training-backend/logger"
	"github.com/framelens/asset-training-backend/repository"
)

const (
	EntityVideo = "video"
	EntityFrame = "frame"
	EntityJob   = "training_job"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeWarning = "warning"
)

// Recorder writes append-only audit entries
type Recorder struct {
	repo *repository.Repository
	log  *logger.Logger
}

// NewRecorder creates a new audit recorder
func NewRecorder(repo *repository.Repository, log *logger.Logger) *Recorder {
	return &Recorder{
		repo: repo,
		log:  log.With("service", "Audit"),
	}
}

// Record appends one audit entry. Failures are swallowed.
func (a *Recorder) Record(entityType, entityID, action, outcome, message string, metadata map[string]interface{}) {
	if err := a.repo.AppendLog(entityType, entityID, action, outcome, message, metadata); err != nil {
		a.log.Warn("failed to write audit entry",
			"entity_type", entityType,
			"entity_id", entityID,
			"action", action,
			"error", err)
	}
}
