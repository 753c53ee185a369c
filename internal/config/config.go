/**
 * Configuration for the OCR orchestrator
 *
 * Loads configuration from environment variables (optionally seeded from .env).
 * Provider rows (enable flags, base URLs, quotas) live in the store, not here.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds service configuration
type Config struct {
	// PostgreSQL configuration. Empty runs the in-memory store (OCR-only mode).
	DatabaseURL string

	// Redis configuration. Empty disables the queue, quotas and events.
	RedisURL  string
	QueueName string

	// Worker configuration
	WorkerConcurrency int
	PageConcurrency   int
	ProcessingTimeout time.Duration
	ProviderTimeout   time.Duration

	// How often a running job checks for a cancel made by another worker
	CancelPollInterval time.Duration

	// Multilingual server. Empty runs the simulation.
	MultilingualURL    string
	HealthProbeTimeout time.Duration
	HealthCacheTTL     time.Duration

	// HTR task polling
	HTRPollInterval    time.Duration
	HTRMaxPollAttempts int

	// Trusted boundary
	GatewayURL        string
	GatewaySigningKey string

	// Object storage
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// HTTP API
	HTTPAddr string

	// Local engine
	TesseractLanguages []string

	// Provider config cache
	ConfigCacheTTL time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Provider seed file used by ocrctl
	ProvidersFile string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:        getEnvOrDefault("DATABASE_URL", ""),
		RedisURL:           getEnvOrDefault("REDIS_URL", ""),
		QueueName:          getEnvOrDefault("QUEUE_NAME", "ocr"),
		WorkerConcurrency:  getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		PageConcurrency:    getEnvAsIntOrDefault("PAGE_CONCURRENCY", 4),
		ProcessingTimeout:  getEnvAsDurationOrDefault("PROCESSING_TIMEOUT", 30*time.Minute),
		ProviderTimeout:    getEnvAsDurationOrDefault("PROVIDER_TIMEOUT", 2*time.Minute),
		CancelPollInterval: getEnvAsDurationOrDefault("CANCEL_POLL_INTERVAL", 2*time.Second),
		MultilingualURL:    getEnvOrDefault("MULTILINGUAL_URL", ""),
		HealthProbeTimeout: getEnvAsDurationOrDefault("HEALTH_PROBE_TIMEOUT", 3*time.Second),
		HealthCacheTTL:     getEnvAsDurationOrDefault("HEALTH_CACHE_TTL", 30*time.Second),
		HTRPollInterval:    getEnvAsDurationOrDefault("HTR_POLL_INTERVAL", 2*time.Second),
		HTRMaxPollAttempts: getEnvAsIntOrDefault("HTR_MAX_POLL_ATTEMPTS", 60),
		GatewayURL:         getEnvOrDefault("GATEWAY_URL", "http://nexus-gateway:8080/api/internal/ocr"),
		GatewaySigningKey:  getEnvOrDefault("GATEWAY_SIGNING_KEY", ""),
		MinioEndpoint:      getEnvOrDefault("MINIO_ENDPOINT", ""),
		MinioAccessKey:     getEnvOrDefault("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:     getEnvOrDefault("MINIO_SECRET_KEY", ""),
		MinioBucket:        getEnvOrDefault("MINIO_BUCKET", "ocr-artifacts"),
		MinioUseSSL:        getEnvAsBoolOrDefault("MINIO_USE_SSL", false),
		HTTPAddr:           getEnvOrDefault("HTTP_ADDR", ":8097"),
		TesseractLanguages: getEnvAsListOrDefault("TESSERACT_LANGUAGES", []string{"eng"}),
		ConfigCacheTTL:     getEnvAsDurationOrDefault("CONFIG_CACHE_TTL", time.Minute),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          getEnvOrDefault("LOG_FORMAT", "json"),
		ProvidersFile:      getEnvOrDefault("PROVIDERS_FILE", "providers.yaml"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.PageConcurrency < 1 || c.PageConcurrency > 64 {
		return fmt.Errorf("PAGE_CONCURRENCY must be between 1 and 64, got %d", c.PageConcurrency)
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}

	if c.CancelPollInterval <= 0 {
		return fmt.Errorf("CANCEL_POLL_INTERVAL must be positive")
	}

	if c.ProcessingTimeout < c.ProviderTimeout {
		return fmt.Errorf("PROCESSING_TIMEOUT (%v) must not be shorter than PROVIDER_TIMEOUT (%v)",
			c.ProcessingTimeout, c.ProviderTimeout)
	}

	if c.HealthProbeTimeout <= 0 || c.HealthProbeTimeout > 10*time.Second {
		return fmt.Errorf("HEALTH_PROBE_TIMEOUT must be between 0 and 10s, got %v", c.HealthProbeTimeout)
	}

	if c.HTRPollInterval <= 0 {
		return fmt.Errorf("HTR_POLL_INTERVAL must be positive")
	}

	if c.HTRMaxPollAttempts < 1 {
		return fmt.Errorf("HTR_MAX_POLL_ATTEMPTS must be at least 1, got %d", c.HTRMaxPollAttempts)
	}

	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}

	if len(c.TesseractLanguages) == 0 {
		return fmt.Errorf("TESSERACT_LANGUAGES must name at least one language")
	}

	return nil
}

// OCROnly reports whether the service runs without a database
func (c *Config) OCROnly() bool {
	return c.DatabaseURL == ""
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault accepts Go durations ("90s") or plain milliseconds ("90000")
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsListOrDefault splits a "+" or "," separated list ("eng+fra")
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.FieldsFunc(valueStr, func(r rune) bool { return r == '+' || r == ',' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
