package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/dcmirror/dcmirror/internal/db/models"
)

// JobRepository provides access to sync-job database operations
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository instance
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create creates a new sync job in the database
func (r *JobRepository) Create(ctx context.Context, job *models.SyncJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a sync job by its ID
func (r *JobRepository) GetByID(ctx context.Context, id uint) (*models.SyncJob, error) {
	var job models.SyncJob
	err := r.db.WithContext(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sync job %d not found: %w", id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return &job, nil
}

// GetLatestByStage returns the most recent job row for a (stage, product)
// pair, or nil when no row exists yet.
func (r *JobRepository) GetLatestByStage(ctx context.Context, stage models.SyncStage, product models.ProductType) (*models.SyncJob, error) {
	var job models.SyncJob
	err := r.db.WithContext(ctx).
		Where(&models.SyncJob{Stage: stage, ProductType: product}).
		Order(models.JobCreatedAtField + " DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job for stage %s: %w", stage, err)
	}
	return &job, nil
}

// List returns all sync jobs, newest first
func (r *JobRepository) List(ctx context.Context) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	err := r.db.WithContext(ctx).
		Order(models.JobCreatedAtField + " DESC").
		Find(&jobs).Error
	return jobs, err
}

// UpdateStatus sets the job status together with the lifecycle timestamps
// belonging to the transition.
func (r *JobRepository) UpdateStatus(ctx context.Context, id uint, status models.JobStatus, fields map[string]interface{}) error {
	updates := map[string]interface{}{"status": status}
	for k, v := range fields {
		updates[k] = v
	}
	return r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpdateProgress applies counter/cursor updates to the job row
func (r *JobRepository) UpdateProgress(ctx context.Context, id uint, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// IncrementProcessed adds count to processed_items
func (r *JobRepository) IncrementProcessed(ctx context.Context, id uint, count int) error {
	return r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		UpdateColumn("processed_items", gorm.Expr("processed_items + ?", count)).Error
}

// IncrementFailed adds count to both failed_items and consecutive_errors
func (r *JobRepository) IncrementFailed(ctx context.Context, id uint, count int) error {
	return r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"failed_items":       gorm.Expr("failed_items + ?", count),
			"consecutive_errors": gorm.Expr("consecutive_errors + ?", count),
		}).Error
}

// ResetConsecutiveErrors zeroes the consecutive error counter
func (r *JobRepository) ResetConsecutiveErrors(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		UpdateColumn("consecutive_errors", 0).Error
}

// AddFailedKey records an addon key for targeted retry; adding a key that is
// already pending is a no-op.
func (r *JobRepository) AddFailedKey(ctx context.Context, id uint, key string) error {
	return r.mutateFailedKeys(ctx, id, func(set models.KeySet) models.KeySet {
		return set.Add(key)
	})
}

// RemoveFailedKey removes an addon key from the retry set
func (r *JobRepository) RemoveFailedKey(ctx context.Context, id uint, key string) error {
	return r.mutateFailedKeys(ctx, id, func(set models.KeySet) models.KeySet {
		return set.Remove(key)
	})
}

// ClearFailedKeys empties the retry set
func (r *JobRepository) ClearFailedKeys(ctx context.Context, id uint) error {
	return r.mutateFailedKeys(ctx, id, func(models.KeySet) models.KeySet {
		return models.KeySet{}
	})
}

// FailedKeys returns the addon keys pending retry, oldest first
func (r *JobRepository) FailedKeys(ctx context.Context, id uint) (models.KeySet, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return job.FailedPluginKeys, nil
}

func (r *JobRepository) mutateFailedKeys(ctx context.Context, id uint, mutate func(models.KeySet) models.KeySet) error {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	updated := mutate(job.FailedPluginKeys)
	return r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		UpdateColumn("failed_plugin_keys", updated).Error
}

// AppendLog stores an append-only log entry for the job
func (r *JobRepository) AppendLog(ctx context.Context, entry *models.SyncJobLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// AppendProgress stores an append-only progress snapshot for the job
func (r *JobRepository) AppendProgress(ctx context.Context, entry *models.SyncJobProgress) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// RecentLogs returns the newest limit log entries for the job
func (r *JobRepository) RecentLogs(ctx context.Context, jobID uint, limit int) ([]models.SyncJobLog, error) {
	var logs []models.SyncJobLog
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order(models.JobCreatedAtField + " DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// RecentProgress returns the newest limit progress entries for the job
func (r *JobRepository) RecentProgress(ctx context.Context, jobID uint, limit int) ([]models.SyncJobProgress, error) {
	var entries []models.SyncJobProgress
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order(models.JobCreatedAtField + " DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Timestamp helpers used by status transitions

// Now returns a pointer to the current time for nullable timestamp columns
func Now() *time.Time {
	t := time.Now()
	return &t
}
