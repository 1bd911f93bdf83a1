package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the sync pipeline
type Config struct {
	// Server configuration
	Port  string
	Debug bool

	// Store of record and redis
	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string

	// Token vault: 32-byte AES key, hex encoded (64 characters)
	VaultKeyHex string

	// HTTP surface auth
	JWTSecret string

	// Token refresh scheduler
	RefreshScanInterval time.Duration
	RefreshLeadWindow   time.Duration
	RefreshMaxAttempts  int
	RefreshConcurrency  int

	// Content polling scheduler
	PollInterval    time.Duration
	WorkerPoolSize  int
	AdapterTimeout  time.Duration
	MaxFetchRetries int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration

	// Per-platform rate limits, requests per second (0 = unlimited)
	PlatformRateLimits map[string]float64
	RateBurst          int

	// Search propagation
	SearchQueueSize  int
	SearchWorkers    int
	ReindexBatchSize int

	// Platform adapter credentials
	MastodonBaseURL      string
	MastodonClientID     string
	MastodonClientSecret string
	BlueskyBaseURL       string

	// Operator alerting
	AlertWebhookURL string
	AlertEmail      string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string

	// Raw payload archive (optional)
	ArchiveAccount   string
	ArchiveContainer string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:  getEnv("PORT", "8080"),
		Debug: getBoolEnv("DEBUG", false),

		DatabaseDSN:   getEnv("DATABASE_DSN", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		VaultKeyHex: getEnv("VAULT_KEY", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		RefreshScanInterval: getDurationEnv("REFRESH_SCAN_INTERVAL", time.Minute),
		RefreshLeadWindow:   getDurationEnv("REFRESH_LEAD_WINDOW", 5*time.Minute),
		RefreshMaxAttempts:  getIntEnv("REFRESH_MAX_ATTEMPTS", 3),
		RefreshConcurrency:  getIntEnv("REFRESH_CONCURRENCY", 4),

		PollInterval:    getDurationEnv("POLL_INTERVAL", 2*time.Minute),
		WorkerPoolSize:  getIntEnv("WORKER_POOL_SIZE", 8),
		AdapterTimeout:  getDurationEnv("ADAPTER_TIMEOUT", 30*time.Second),
		MaxFetchRetries: getIntEnv("MAX_FETCH_RETRIES", 3),
		RetryBaseDelay:  getDurationEnv("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:   getDurationEnv("RETRY_MAX_DELAY", 10*time.Second),

		PlatformRateLimits: getRateLimitEnv("PLATFORM_RATE_LIMITS", map[string]float64{}),
		RateBurst:          getIntEnv("RATE_BURST", 1),

		SearchQueueSize:  getIntEnv("SEARCH_QUEUE_SIZE", 1024),
		SearchWorkers:    getIntEnv("SEARCH_WORKERS", 2),
		ReindexBatchSize: getIntEnv("REINDEX_BATCH_SIZE", 500),

		MastodonBaseURL:      getEnv("MASTODON_BASE_URL", "https://mastodon.social"),
		MastodonClientID:     getEnv("MASTODON_CLIENT_ID", ""),
		MastodonClientSecret: getEnv("MASTODON_CLIENT_SECRET", ""),
		BlueskyBaseURL:       getEnv("BLUESKY_BASE_URL", "https://bsky.social"),

		AlertWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),
		AlertEmail:      getEnv("ALERT_EMAIL", ""),
		SMTPHost:        getEnv("SMTP_HOST", ""),
		SMTPPort:        getIntEnv("SMTP_PORT", 587),
		SMTPUsername:    getEnv("SMTP_USERNAME", ""),
		SMTPPassword:    getEnv("SMTP_PASSWORD", ""),

		ArchiveAccount:   getEnv("ARCHIVE_STORAGE_ACCOUNT", ""),
		ArchiveContainer: getEnv("ARCHIVE_STORAGE_CONTAINER", "raw-payloads"),
	}

	// Validate required configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN is required")
	}

	key, err := hex.DecodeString(c.VaultKeyHex)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("VAULT_KEY must be 32 bytes, hex encoded (64 characters)")
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.RefreshLeadWindow <= 0 {
		return fmt.Errorf("REFRESH_LEAD_WINDOW must be positive")
	}

	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive")
	}

	if c.AlertEmail != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP configuration is required when ALERT_EMAIL is set")
		}
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getRateLimitEnv parses "platform=rps" pairs, e.g. "mastodon=1,bluesky=0.5"
func getRateLimitEnv(key string, defaultValue map[string]float64) map[string]float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	limits := make(map[string]float64)
	for _, pair := range strings.Split(value, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		if rps, err := strconv.ParseFloat(parts[1], 64); err == nil {
			limits[parts[0]] = rps
		}
	}
	return limits
}
