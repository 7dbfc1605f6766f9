package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// JobCreatedAtField is the database field name for the job creation timestamp
const JobCreatedAtField = "created_at"

// SyncStage identifies one phase of the sync pipeline
type SyncStage string

// Sync stage constants
const (
	// StageMetadataIngestion crawls the marketplace catalog (Stage 1)
	StageMetadataIngestion SyncStage = "METADATA_INGESTION"
	// StageDownloadLatest downloads the latest compatible version per target product version (Stage 2)
	StageDownloadLatest SyncStage = "DOWNLOAD_LATEST"
	// StageDownloadAll downloads every Data-Center-compatible version (Stage 3)
	StageDownloadAll SyncStage = "DOWNLOAD_ALL"
)

func (s SyncStage) String() string {
	return string(s)
}

// ProductType identifies the product family an addon belongs to
type ProductType string

// Product type constants
const (
	// ProductJira is the Jira product family
	ProductJira ProductType = "JIRA"
	// ProductConfluence is the Confluence product family
	ProductConfluence ProductType = "CONFLUENCE"
)

func (p ProductType) String() string {
	return string(p)
}

// Application returns the marketplace query value for the product family
func (p ProductType) Application() string {
	if p == ProductConfluence {
		return "confluence"
	}
	return "jira"
}

// ParseProductType converts a string to a ProductType
func ParseProductType(str string) (ProductType, error) {
	switch str {
	case "jira", "JIRA":
		return ProductJira, nil
	case "confluence", "CONFLUENCE":
		return ProductConfluence, nil
	default:
		return "", fmt.Errorf("invalid product type: %s", str)
	}
}

// JobStatus represents the current state of a sync job
type JobStatus string

// Job status constants
const (
	// JobStatusIdle indicates the job has been created but never started
	JobStatusIdle JobStatus = "IDLE"
	// JobStatusRunning indicates the job loop is active
	JobStatusRunning JobStatus = "RUNNING"
	// JobStatusPaused indicates the job was paused and can be resumed
	JobStatusPaused JobStatus = "PAUSED"
	// JobStatusCompleted indicates the job finished successfully
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed indicates the job aborted with an error
	JobStatusFailed JobStatus = "FAILED"
)

func (s JobStatus) String() string {
	return string(s)
}

// ParseJobStatus converts a string to a JobStatus
func ParseJobStatus(str string) (JobStatus, error) {
	switch JobStatus(str) {
	case JobStatusIdle, JobStatusRunning, JobStatusPaused, JobStatusCompleted, JobStatusFailed:
		return JobStatus(str), nil
	default:
		return "", fmt.Errorf("invalid job status: %s", str)
	}
}

// LogLevel is the severity of a job log entry
type LogLevel string

// Log level constants
const (
	// LogDebug is the debug log level
	LogDebug LogLevel = "DEBUG"
	// LogInfo is the info log level
	LogInfo LogLevel = "INFO"
	// LogWarn is the warn log level
	LogWarn LogLevel = "WARN"
	// LogError is the error log level
	LogError LogLevel = "ERROR"
)

// KeySet is a deduplicated list of addon keys stored as a JSON column.
// Membership and removal are O(n) over a small retry list; Add never
// introduces duplicates.
type KeySet []string

// Contains reports whether the set holds the given key
func (k KeySet) Contains(key string) bool {
	for _, existing := range k {
		if existing == key {
			return true
		}
	}
	return false
}

// Add returns the set with the key appended if it was absent
func (k KeySet) Add(key string) KeySet {
	if k.Contains(key) {
		return k
	}
	return append(k, key)
}

// Remove returns the set without the given key
func (k KeySet) Remove(key string) KeySet {
	out := k[:0]
	for _, existing := range k {
		if existing != key {
			out = append(out, existing)
		}
	}
	return out
}

// Value implements driver.Valuer so the set round-trips through a jsonb column
func (k KeySet) Value() (driver.Value, error) {
	if k == nil {
		k = KeySet{}
	}
	return json.Marshal(k)
}

// Scan implements sql.Scanner
func (k *KeySet) Scan(value interface{}) error {
	if value == nil {
		*k = KeySet{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, k)
	case string:
		return json.Unmarshal([]byte(v), k)
	default:
		return fmt.Errorf("unsupported type for KeySet: %T", value)
	}
}

// SyncJob is the durable state machine for one sync stage of one product
// family. At most one non-terminal row exists per (stage, product_type);
// restart creates a fresh row and leaves older rows as history.
type SyncJob struct {
	gorm.Model
	Stage             SyncStage   `json:"stage" gorm:"not null;index:idx_sync_jobs_stage_product"`
	ProductType       ProductType `json:"product_type" gorm:"not null;index:idx_sync_jobs_stage_product"`
	Status            JobStatus   `json:"status" gorm:"not null;index"`
	TotalItems        int         `json:"total_items" gorm:"not null;default:0"`
	ProcessedItems    int         `json:"processed_items" gorm:"not null;default:0"`
	FailedItems       int         `json:"failed_items" gorm:"not null;default:0"`
	CurrentOffset     int         `json:"current_offset" gorm:"not null;default:0"`
	CurrentBatch      int         `json:"current_batch" gorm:"not null;default:0"`
	ConsecutiveErrors int         `json:"consecutive_errors" gorm:"not null;default:0"`
	FailedPluginKeys  KeySet      `json:"failed_plugin_keys" gorm:"type:jsonb"`
	LastError         string      `json:"last_error,omitempty" gorm:"type:text"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	PausedAt          *time.Time  `json:"paused_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at" gorm:"index"`
}

// BeforeCreate is a GORM hook that sets the initial status
func (j *SyncJob) BeforeCreate(_ *gorm.DB) error {
	if j.Status == "" {
		j.Status = JobStatusIdle
	}
	if j.FailedPluginKeys == nil {
		j.FailedPluginKeys = KeySet{}
	}
	return nil
}

// SyncJobLog is an append-only log entry attached to a sync job. Entries are
// never mutated or deleted by the sync pipeline.
type SyncJobLog struct {
	gorm.Model
	JobID    uint     `json:"job_id" gorm:"not null;index"`
	Level    LogLevel `json:"level" gorm:"not null"`
	Message  string   `json:"message" gorm:"not null;type:text"`
	Metadata string   `json:"metadata,omitempty" gorm:"type:jsonb"`
}

// SyncJobProgress is an append-only progress snapshot used for activity feeds
type SyncJobProgress struct {
	gorm.Model
	JobID          uint   `json:"job_id" gorm:"not null;index"`
	Phase          string `json:"phase" gorm:"not null"`
	Message        string `json:"message,omitempty" gorm:"type:text"`
	CurrentItem    string `json:"current_item,omitempty"`
	ItemsProcessed int    `json:"items_processed" gorm:"not null;default:0"`
	ItemsTotal     int    `json:"items_total" gorm:"not null;default:0"`
}
