// Package monitor watches active training jobs for staleness.
package monitor

import (
	"sync"
	"time"

	"github.com/framelens/asset-training-backend/audit"
	"github.com/framelens/asset-training-backend/lifecycle"
	"github.com/framelens/asset-training-backend/logger"
	"github.com/framelens/asset-training-backend/repository"
)

// JobMonitor periodically scans active jobs and flags those whose last
// update is older than the hard time limit. A goroutine past its hard
// limit cannot be killed, so the stale job is marked failed and left
// for manual inspection.
type JobMonitor struct {
	repo      *repository.Repository
	audit     *audit.Recorder
	log       *logger.Logger
	interval  time.Duration
	staleness time.Duration
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewJobMonitor creates a job monitor
func NewJobMonitor(repo *repository.Repository, recorder *audit.Recorder, log *logger.Logger, interval, staleness time.Duration) *JobMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &JobMonitor{
		repo:      repo,
		audit:     recorder,
		log:       log.With("service", "JobMonitor"),
		interval:  interval,
		staleness: staleness,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the monitoring loop
func (m *JobMonitor) Start() {
	m.wg.Add(1)
	go m.monitorLoop()
	m.log.Info("job monitor started", "interval", m.interval, "staleness", m.staleness)
}

// Stop stops the job monitor gracefully
func (m *JobMonitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
	m.log.Info("job monitor stopped")
}

func (m *JobMonitor) monitorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.checkActiveJobs()
		}
	}
}

// checkActiveJobs fails any processing job that has made no progress
// within the staleness window. Pending jobs are left alone; they have
// not started yet.
func (m *JobMonitor) checkActiveJobs() {
	jobs, err := m.repo.ListActiveJobs()
	if err != nil {
		m.log.Error("failed to list active jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	cutoff := time.Now().Add(-m.staleness)
	for _, job := range jobs {
		if job.Status != string(lifecycle.JobProcessing) {
			continue
		}
		if job.UpdatedAt.After(cutoff) {
			continue
		}

		m.log.Error("training job stalled past the hard time limit",
			"job_id", job.ID,
			"video_id", job.VideoID,
			"last_update", job.UpdatedAt)

		message := "job made no progress within the hard time limit"
		if err := m.repo.UpdateJobStatus(job.ID, lifecycle.JobFailed, message); err != nil {
			m.log.Error("failed to mark stale job failed", "job_id", job.ID, "error", err)
			continue
		}
		m.audit.Record(audit.EntityJob, job.ID, "stale_job", audit.OutcomeFailure, message, nil)
	}
}
