package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/internal/db/repos"
	"github.com/dcmirror/dcmirror/internal/logger"
)

// JobManager provides the durable state machine and audit log for sync jobs.
// The SyncJob row is the single source of truth for whether a stage is
// running; every stage loop consults ShouldStop between units of work.
type JobManager struct {
	jobs *repos.JobRepository
	log  *logrus.Entry
}

// NewJobManager creates a job manager over the job repository
func NewJobManager(jobs *repos.JobRepository) *JobManager {
	return &JobManager{jobs: jobs, log: logger.Component("JobManager")}
}

// JobSnapshot is the status read returned to the control surface
type JobSnapshot struct {
	Job      models.SyncJob           `json:"job"`
	Progress []models.SyncJobProgress `json:"progress"`
	Logs     []models.SyncJobLog      `json:"logs"`
}

// GetOrCreateJob returns the most recent job for the (stage, product) pair,
// creating one in IDLE when none exists.
func (m *JobManager) GetOrCreateJob(ctx context.Context, stage models.SyncStage, product models.ProductType) (uint, error) {
	job, err := m.jobs.GetLatestByStage(ctx, stage, product)
	if err != nil {
		return 0, err
	}
	if job != nil {
		return job.ID, nil
	}

	job = &models.SyncJob{Stage: stage, ProductType: product, Status: models.JobStatusIdle}
	if err := m.jobs.Create(ctx, job); err != nil {
		return 0, fmt.Errorf("failed to create job for stage %s: %w", stage, err)
	}
	m.log.WithFields(logrus.Fields{"stage": stage, "product": product, "jobId": job.ID}).Info("Job created")
	return job.ID, nil
}

// GetJob retrieves a job by ID
func (m *JobManager) GetJob(ctx context.Context, jobID uint) (*models.SyncJob, error) {
	return m.jobs.GetByID(ctx, jobID)
}

// GetJobByStage returns the most recent job for the pair, or nil
func (m *JobManager) GetJobByStage(ctx context.Context, stage models.SyncStage, product models.ProductType) (*models.SyncJob, error) {
	return m.jobs.GetLatestByStage(ctx, stage, product)
}

// Snapshot returns the job with its recent progress and log entries
func (m *JobManager) Snapshot(ctx context.Context, stage models.SyncStage, product models.ProductType) (*JobSnapshot, error) {
	job, err := m.jobs.GetLatestByStage(ctx, stage, product)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	progress, err := m.jobs.RecentProgress(ctx, job.ID, models.RecentProgressEntries)
	if err != nil {
		return nil, err
	}
	logs, err := m.jobs.RecentLogs(ctx, job.ID, models.RecentLogEntries)
	if err != nil {
		return nil, err
	}
	return &JobSnapshot{Job: *job, Progress: progress, Logs: logs}, nil
}

// AllJobs returns every job row, newest first
func (m *JobManager) AllJobs(ctx context.Context) ([]models.SyncJob, error) {
	return m.jobs.List(ctx)
}

// StartJob transitions the job to RUNNING and stamps startedAt
func (m *JobManager) StartJob(ctx context.Context, jobID uint) error {
	err := m.jobs.UpdateStatus(ctx, jobID, models.JobStatusRunning, map[string]interface{}{
		"started_at": repos.Now(),
		"paused_at":  nil,
	})
	if err != nil {
		return err
	}
	return m.Log(ctx, jobID, models.LogInfo, "Job started", nil)
}

// PauseJob transitions the job to PAUSED; the running loop observes this at
// its next checkpoint.
func (m *JobManager) PauseJob(ctx context.Context, jobID uint) error {
	err := m.jobs.UpdateStatus(ctx, jobID, models.JobStatusPaused, map[string]interface{}{
		"paused_at": repos.Now(),
	})
	if err != nil {
		return err
	}
	return m.Log(ctx, jobID, models.LogInfo, "Job paused", nil)
}

// ResumeJob transitions a paused job back to RUNNING
func (m *JobManager) ResumeJob(ctx context.Context, jobID uint) error {
	err := m.jobs.UpdateStatus(ctx, jobID, models.JobStatusRunning, map[string]interface{}{
		"paused_at": nil,
	})
	if err != nil {
		return err
	}
	return m.Log(ctx, jobID, models.LogInfo, "Job resumed", nil)
}

// CompleteJob terminally marks the job COMPLETED
func (m *JobManager) CompleteJob(ctx context.Context, jobID uint) error {
	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	err = m.jobs.UpdateStatus(ctx, jobID, models.JobStatusCompleted, map[string]interface{}{
		"completed_at": repos.Now(),
	})
	if err != nil {
		return err
	}
	return m.Log(ctx, jobID, models.LogInfo, "Job completed successfully", map[string]interface{}{
		"totalItems":     job.TotalItems,
		"processedItems": job.ProcessedItems,
		"failedItems":    job.FailedItems,
	})
}

// FailJob terminally marks the job FAILED and records the error
func (m *JobManager) FailJob(ctx context.Context, jobID uint, errMsg string) error {
	err := m.jobs.UpdateStatus(ctx, jobID, models.JobStatusFailed, map[string]interface{}{
		"last_error": errMsg,
	})
	if err != nil {
		return err
	}
	return m.Log(ctx, jobID, models.LogError, "Job failed: "+errMsg, nil)
}

// RestartJob creates a brand-new job row for the pair with all cursors and
// counters reset; the previous row remains as history. Restarting while
// RUNNING is rejected.
func (m *JobManager) RestartJob(ctx context.Context, stage models.SyncStage, product models.ProductType) (uint, error) {
	existing, err := m.jobs.GetLatestByStage(ctx, stage, product)
	if err != nil {
		return 0, err
	}
	if existing != nil && existing.Status == models.JobStatusRunning {
		return 0, ErrAlreadyRunning
	}

	job := &models.SyncJob{Stage: stage, ProductType: product, Status: models.JobStatusIdle}
	if err := m.jobs.Create(ctx, job); err != nil {
		return 0, fmt.Errorf("failed to create restarted job: %w", err)
	}
	m.log.WithFields(logrus.Fields{"stage": stage, "product": product, "jobId": job.ID}).Info("Job restarted with fresh state")
	return job.ID, nil
}

// UpdateProgress applies cursor/counter updates to the job row
func (m *JobManager) UpdateProgress(ctx context.Context, jobID uint, updates map[string]interface{}) error {
	return m.jobs.UpdateProgress(ctx, jobID, updates)
}

// IncrementProcessed bumps processedItems by one
func (m *JobManager) IncrementProcessed(ctx context.Context, jobID uint) error {
	return m.jobs.IncrementProcessed(ctx, jobID, 1)
}

// IncrementFailed bumps failedItems and consecutiveErrors by one
func (m *JobManager) IncrementFailed(ctx context.Context, jobID uint) error {
	return m.jobs.IncrementFailed(ctx, jobID, 1)
}

// ResetConsecutiveErrors zeroes the consecutive error counter
func (m *JobManager) ResetConsecutiveErrors(ctx context.Context, jobID uint) error {
	return m.jobs.ResetConsecutiveErrors(ctx, jobID)
}

// AddFailedPluginKey marks an addon key for targeted retry (deduplicated)
func (m *JobManager) AddFailedPluginKey(ctx context.Context, jobID uint, key string) error {
	return m.jobs.AddFailedKey(ctx, jobID, key)
}

// RemoveFailedPluginKey clears an addon key from the retry set
func (m *JobManager) RemoveFailedPluginKey(ctx context.Context, jobID uint, key string) error {
	return m.jobs.RemoveFailedKey(ctx, jobID, key)
}

// FailedPluginKeys returns the retry set, oldest first
func (m *JobManager) FailedPluginKeys(ctx context.Context, jobID uint) (models.KeySet, error) {
	return m.jobs.FailedKeys(ctx, jobID)
}

// AddProgress appends a progress snapshot for activity feeds
func (m *JobManager) AddProgress(ctx context.Context, jobID uint, phase, message, currentItem string, itemsProcessed, itemsTotal int) error {
	return m.jobs.AppendProgress(ctx, &models.SyncJobProgress{
		JobID:          jobID,
		Phase:          phase,
		Message:        message,
		CurrentItem:    currentItem,
		ItemsProcessed: itemsProcessed,
		ItemsTotal:     itemsTotal,
	})
}

// Log appends a job log entry and mirrors it to the process logger
func (m *JobManager) Log(ctx context.Context, jobID uint, level models.LogLevel, message string, metadata map[string]interface{}) error {
	entry := &models.SyncJobLog{JobID: jobID, Level: level, Message: message}
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			entry.Metadata = string(raw)
		} else {
			entry.Metadata = fmt.Sprintf("%v", metadata)
		}
	}
	if err := m.jobs.AppendLog(ctx, entry); err != nil {
		return err
	}

	fields := logrus.Fields{"jobId": jobID}
	for k, v := range metadata {
		fields[k] = v
	}
	switch level {
	case models.LogError:
		m.log.WithFields(fields).Error(message)
	case models.LogWarn:
		m.log.WithFields(fields).Warn(message)
	case models.LogDebug:
		m.log.WithFields(fields).Debug(message)
	default:
		m.log.WithFields(fields).Info(message)
	}
	return nil
}

// ShouldStop reports whether the job's loop should exit at its next
// checkpoint (any status other than RUNNING).
func (m *JobManager) ShouldStop(ctx context.Context, jobID uint) (bool, error) {
	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		return true, err
	}
	return job.Status != models.JobStatusRunning, nil
}
