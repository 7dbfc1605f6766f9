// Package config loads environment-sourced configuration for the mirror
// service. A .env file is honored when present.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dcmirror/dcmirror/internal/db/models"
)

// MarketplaceConfig holds upstream API client settings
type MarketplaceConfig struct {
	BaseURL           string
	MaxRetries        int
	RetryDelay        time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
}

// ErrorThreshold holds the circuit-breaker settings for Stage 1
type ErrorThreshold struct {
	ConsecutiveErrors    int
	ErrorRate            float64
	MinItemsForRateCheck int
}

// JobConfig holds sync pipeline settings
type JobConfig struct {
	ChunkSize           int
	ConcurrentDownloads int
	MaxVersionsPerAddon int
	AutoContinue        bool
	AutoStartDelay      time.Duration
	BatchContinueDelay  time.Duration
	ErrorThreshold      ErrorThreshold
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	Name       string
	SSLEnabled bool
}

// Config is the root configuration for the service
type Config struct {
	Port           string
	StorageRoot    string
	Database       DatabaseConfig
	Marketplace    MarketplaceConfig
	Job            JobConfig
	TargetVersions map[models.ProductType][]string
}

// Load reads configuration from the environment, loading .env first if one
// exists.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:        GetEnv("PORT", "8080"),
		StorageRoot: GetEnv("JAR_STORAGE_PATH", "./jars"),
		Database: DatabaseConfig{
			Host:       GetEnv("DB_HOST", "localhost"),
			Port:       GetEnvInt("DB_PORT", 5432),
			User:       GetEnv("DB_USER", "postgres"),
			Password:   GetEnv("DB_PASSWORD", "postgres"),
			Name:       GetEnv("DB_NAME", "dcmirror"),
			SSLEnabled: GetEnvBool("DB_SSL", false),
		},
		Marketplace: MarketplaceConfig{
			BaseURL:           GetEnv("MARKETPLACE_BASE_URL", "https://marketplace.atlassian.com"),
			MaxRetries:        GetEnvInt("MARKETPLACE_MAX_RETRIES", 5),
			RetryDelay:        GetEnvDuration("MARKETPLACE_RETRY_DELAY", 5*time.Second),
			RequestTimeout:    GetEnvDuration("MARKETPLACE_REQUEST_TIMEOUT", 30*time.Second),
			RequestsPerSecond: GetEnvFloat("MARKETPLACE_REQUESTS_PER_SECOND", 10),
		},
		Job: JobConfig{
			ChunkSize:           GetEnvInt("JOB_CHUNK_SIZE", 100),
			ConcurrentDownloads: GetEnvInt("JOB_CONCURRENT_DOWNLOADS", 5),
			MaxVersionsPerAddon: GetEnvInt("JOB_MAX_VERSIONS_PER_ADDON", 25),
			AutoContinue:        GetEnvBool("JOB_AUTO_CONTINUE", false),
			AutoStartDelay:      GetEnvDuration("JOB_AUTO_START_DELAY", 50*time.Second),
			BatchContinueDelay:  GetEnvDuration("JOB_BATCH_CONTINUE_DELAY", 5*time.Second),
			ErrorThreshold: ErrorThreshold{
				ConsecutiveErrors:    GetEnvInt("JOB_ERROR_CONSECUTIVE_THRESHOLD", 10),
				ErrorRate:            GetEnvFloat("JOB_ERROR_RATE_THRESHOLD", 0.5),
				MinItemsForRateCheck: GetEnvInt("JOB_ERROR_MIN_ITEMS", 20),
			},
		},
		TargetVersions: map[models.ProductType][]string{
			models.ProductJira:       GetEnvList("JIRA_TARGET_VERSIONS", []string{"8.13", "8.20", "9.12", "10.3", "11.3"}),
			models.ProductConfluence: GetEnvList("CONFLUENCE_TARGET_VERSIONS", []string{"7.19", "8.5", "9.2"}),
		},
	}
}

// GetEnv retrieves the value of an environment variable with a fallback value if not set
func GetEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// GetEnvInt retrieves an integer environment variable with a fallback
func GetEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// GetEnvFloat retrieves a float environment variable with a fallback
func GetEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// GetEnvBool retrieves a boolean environment variable with a fallback
func GetEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// GetEnvDuration retrieves a duration environment variable with a fallback.
// Plain integers are read as milliseconds for compatibility with older
// deployments.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// GetEnvList retrieves a comma-separated environment variable with a fallback
func GetEnvList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
