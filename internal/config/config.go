package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all agent configuration.
// Supports environment variables with sensible defaults.
//
// Environment Variables:
// Backend API:
// - OMR_API_URL: Base URL of the OMR backend REST API (required)
// - OMR_API_TOKEN: Bearer token for authenticated requests (required)
// - OMR_API_TIMEOUT: Per-request timeout in seconds for non-chunk calls (default: 30)
//
// Upload Pipeline:
// - CHUNK_CONCURRENCY: Parallel chunk workers per file (default: 4)
// - MAX_UPLOAD_MB: Absolute per-file size limit in MB (default: 8192)
//
// Queue:
// - QUEUE_DB_PATH: SQLite path for queue persistence (default: data/queue.db)
// - BATCH_POLL_SECONDS: Batch status poll interval (default: 2)
// - UPLOAD_COOLDOWN_SECONDS: Pause between finished jobs (default: 5)
// - CLEANUP_CRON: Cron expression for clearing terminal jobs (default: "0 3 * * *")
//
// Control API:
// - HTTP_ADDR: Listen address for the local control API (default: :8787)
//
// Logging:
// - LOG_LEVEL: debug|info|warn|error (default: info)

type Config struct {
	API     APIConfig     `json:"api"`
	Upload  UploadConfig  `json:"upload"`
	Queue   QueueConfig   `json:"queue"`
	HTTP    HTTPConfig    `json:"http"`
	Logging LoggingConfig `json:"logging"`
}

// APIConfig holds the connection settings for the OMR backend.
type APIConfig struct {
	BaseURL        string `json:"base_url"`
	Token          string `json:"token"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// UploadConfig holds the tuning knobs for the chunked upload engine.
type UploadConfig struct {
	ChunkConcurrency int   `json:"chunk_concurrency"`
	MaxUploadBytes   int64 `json:"max_upload_bytes"`
}

// QueueConfig holds persistence and pacing settings for the upload queue.
type QueueConfig struct {
	DBPath          string `json:"db_path"`
	PollSeconds     int    `json:"poll_seconds"`
	CooldownSeconds int    `json:"cooldown_seconds"`
	CleanupCron     string `json:"cleanup_cron"`
}

// HTTPConfig holds the local control API settings.
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `json:"level"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		API: APIConfig{
			BaseURL:        strings.TrimRight(getEnvString("OMR_API_URL", ""), "/"),
			Token:          getEnvString("OMR_API_TOKEN", ""),
			TimeoutSeconds: getEnvInt("OMR_API_TIMEOUT", 30),
		},
		Upload: UploadConfig{
			ChunkConcurrency: getEnvInt("CHUNK_CONCURRENCY", 4),
			MaxUploadBytes:   int64(getEnvInt("MAX_UPLOAD_MB", 8192)) << 20,
		},
		Queue: QueueConfig{
			DBPath:          getEnvString("QUEUE_DB_PATH", "data/queue.db"),
			PollSeconds:     getEnvInt("BATCH_POLL_SECONDS", 2),
			CooldownSeconds: getEnvInt("UPLOAD_COOLDOWN_SECONDS", 5),
			CleanupCron:     getEnvString("CLEANUP_CRON", "0 3 * * *"),
		},
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":8787"),
		},
		Logging: LoggingConfig{
			Level: getEnvString("LOG_LEVEL", "info"),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("OMR_API_URL is required")
	}
	if c.API.Token == "" {
		return fmt.Errorf("OMR_API_TOKEN is required")
	}
	if c.Upload.ChunkConcurrency <= 0 {
		return fmt.Errorf("CHUNK_CONCURRENCY must be positive")
	}
	if c.Queue.PollSeconds <= 0 {
		return fmt.Errorf("BATCH_POLL_SECONDS must be positive")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
