package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DownloadStatus represents the state of a plugin file download attempt
type DownloadStatus string

// Download status constants
const (
	// DownloadStatusDownloading indicates an attempt is in flight
	DownloadStatusDownloading DownloadStatus = "DOWNLOADING"
	// DownloadStatusCompleted indicates the file is on disk with checksum and size recorded
	DownloadStatusCompleted DownloadStatus = "COMPLETED"
	// DownloadStatusFailed indicates the last attempt failed; the row stays retryable
	DownloadStatusFailed DownloadStatus = "FAILED"
	// DownloadStatusSkipped indicates no download URL exists; there is nothing to retry
	DownloadStatusSkipped DownloadStatus = "SKIPPED"
)

func (s DownloadStatus) String() string {
	return string(s)
}

// Plugin is one marketplace-listed addon for one product family. Rows are
// created and refreshed by idempotent upsert on (addon_key, product_type) and
// outlive any individual sync job.
type Plugin struct {
	gorm.Model
	AddonKey       string          `json:"addon_key" gorm:"not null;uniqueIndex:idx_plugins_key_product"`
	ProductType    ProductType     `json:"product_type" gorm:"not null;uniqueIndex:idx_plugins_key_product"`
	AppID          string          `json:"app_id,omitempty"`
	Name           string          `json:"name" gorm:"not null"`
	Vendor         string          `json:"vendor,omitempty"`
	Summary        string          `json:"summary,omitempty" gorm:"type:text"`
	MarketplaceURL string          `json:"marketplace_url,omitempty"`
	BatchNumber    *int            `json:"batch_number,omitempty" gorm:"index"`
	Versions       []PluginVersion `json:"versions,omitempty" gorm:"foreignKey:PluginID"`
	Files          []PluginFile    `json:"files,omitempty" gorm:"foreignKey:PluginID"`
}

// Validate ensures the plugin row carries its natural key
func (p *Plugin) Validate() error {
	if p.AddonKey == "" {
		return fmt.Errorf("addon key cannot be empty")
	}
	if p.ProductType == "" {
		return fmt.Errorf("product type cannot be empty")
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the row
func (p *Plugin) BeforeCreate(_ *gorm.DB) error {
	return p.Validate()
}

// PluginVersion is one released version of a plugin. A version is only
// persisted when the upstream marks it Data-Center deployable; an empty
// compatibility window means compatible with all product versions.
type PluginVersion struct {
	gorm.Model
	PluginID             uint       `json:"plugin_id" gorm:"not null;uniqueIndex:idx_plugin_versions_plugin_version"`
	Version              string     `json:"version" gorm:"not null;uniqueIndex:idx_plugin_versions_plugin_version"`
	ReleaseDate          *time.Time `json:"release_date,omitempty" gorm:"index"`
	ProductVersionMin    string     `json:"product_version_min,omitempty"`
	ProductVersionMax    string     `json:"product_version_max,omitempty"`
	DataCenterCompatible bool       `json:"data_center_compatible" gorm:"not null;default:false;index"`
	DownloadURL          string     `json:"download_url,omitempty" gorm:"type:text"`
	Changelog            string     `json:"changelog,omitempty" gorm:"type:text"`
	ChangelogURL         string     `json:"changelog_url,omitempty"`
	ReleaseNotes         string     `json:"release_notes,omitempty" gorm:"type:text"`
	Hidden               bool       `json:"hidden" gorm:"not null;default:false"`
	Deprecated           bool       `json:"deprecated" gorm:"not null;default:false"`
}

// PluginFile is the download-attempt ledger: one row per (plugin, version)
// regardless of how many attempts were made.
type PluginFile struct {
	gorm.Model
	PluginID         uint           `json:"plugin_id" gorm:"not null;uniqueIndex:idx_plugin_files_plugin_version"`
	Version          string         `json:"version" gorm:"not null;uniqueIndex:idx_plugin_files_plugin_version"`
	VersionID        uint           `json:"version_id" gorm:"not null"`
	FilePath         string         `json:"file_path,omitempty"`
	Checksum         string         `json:"checksum,omitempty"`
	Size             int64          `json:"size" gorm:"not null;default:0"`
	DownloadStatus   DownloadStatus `json:"download_status" gorm:"not null;index"`
	DownloadURL      string         `json:"download_url,omitempty" gorm:"type:text"`
	DownloadAttempts int            `json:"download_attempts" gorm:"not null;default:0"`
	ErrorMessage     string         `json:"error_message,omitempty" gorm:"type:text"`
	LastAttemptAt    *time.Time     `json:"last_attempt_at,omitempty"`
	DownloadedAt     *time.Time     `json:"downloaded_at,omitempty"`
}
