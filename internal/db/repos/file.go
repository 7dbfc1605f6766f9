package repos

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/dcmirror/dcmirror/internal/db/models"
)

// PluginFileRepository maintains the download-attempt ledger: one row per
// (plugin, version) no matter how many attempts are made.
type PluginFileRepository struct {
	db *gorm.DB
}

// NewPluginFileRepository creates a new plugin file repository instance
func NewPluginFileRepository(db *gorm.DB) *PluginFileRepository {
	return &PluginFileRepository{db: db}
}

// Get retrieves the file row for a (plugin, version) pair, or nil when no
// attempt has been recorded. Explicit column conditions keep an empty version
// from matching an arbitrary row of the plugin.
func (r *PluginFileRepository) Get(ctx context.Context, pluginID uint, version string) (*models.PluginFile, error) {
	var file models.PluginFile
	err := r.db.WithContext(ctx).
		Where("plugin_id = ? AND version = ?", pluginID, version).
		First(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin file: %w", err)
	}
	return &file, nil
}

// MarkDownloading upserts the row into DOWNLOADING state, incrementing the
// attempt counter and clearing any previous error message.
func (r *PluginFileRepository) MarkDownloading(ctx context.Context, pluginID, versionID uint, version, downloadURL string) (*models.PluginFile, error) {
	existing, err := r.Get(ctx, pluginID, version)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		file := &models.PluginFile{
			PluginID:         pluginID,
			VersionID:        versionID,
			Version:          version,
			DownloadURL:      downloadURL,
			DownloadStatus:   models.DownloadStatusDownloading,
			DownloadAttempts: 1,
			LastAttemptAt:    Now(),
		}
		if createErr := r.db.WithContext(ctx).Create(file).Error; createErr != nil {
			return nil, fmt.Errorf("failed to create plugin file: %w", createErr)
		}
		return file, nil
	}

	err = r.db.WithContext(ctx).Model(existing).Updates(map[string]interface{}{
		"download_status":   models.DownloadStatusDownloading,
		"download_url":      downloadURL,
		"download_attempts": gorm.Expr("download_attempts + 1"),
		"last_attempt_at":   Now(),
		"error_message":     "",
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to mark plugin file downloading: %w", err)
	}
	return r.Get(ctx, pluginID, version)
}

// MarkCompleted records a successful download with its on-disk location,
// checksum and size.
func (r *PluginFileRepository) MarkCompleted(ctx context.Context, id uint, filePath, checksum string, size int64) error {
	return r.db.WithContext(ctx).Model(&models.PluginFile{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"download_status": models.DownloadStatusCompleted,
			"file_path":       filePath,
			"checksum":        checksum,
			"size":            size,
			"downloaded_at":   Now(),
		}).Error
}

// MarkFailed records a failed attempt; the row remains retryable
func (r *PluginFileRepository) MarkFailed(ctx context.Context, pluginID uint, version, errMsg string) error {
	return r.db.WithContext(ctx).Model(&models.PluginFile{}).
		Where("plugin_id = ? AND version = ?", pluginID, version).
		Updates(map[string]interface{}{
			"download_status": models.DownloadStatusFailed,
			"error_message":   errMsg,
		}).Error
}

// MarkSkipped upserts the row into the terminal SKIPPED state, used when no
// download URL exists at all.
func (r *PluginFileRepository) MarkSkipped(ctx context.Context, pluginID, versionID uint, version, reason string) error {
	existing, err := r.Get(ctx, pluginID, version)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.db.WithContext(ctx).Create(&models.PluginFile{
			PluginID:       pluginID,
			VersionID:      versionID,
			Version:        version,
			DownloadStatus: models.DownloadStatusSkipped,
			ErrorMessage:   reason,
		}).Error
	}
	return r.db.WithContext(ctx).Model(existing).Updates(map[string]interface{}{
		"download_status": models.DownloadStatusSkipped,
		"error_message":   reason,
	}).Error
}

// ListByPlugin returns all file rows for a plugin
func (r *PluginFileRepository) ListByPlugin(ctx context.Context, pluginID uint) ([]models.PluginFile, error) {
	var files []models.PluginFile
	err := r.db.WithContext(ctx).
		Where("plugin_id = ?", pluginID).
		Find(&files).Error
	return files, err
}
