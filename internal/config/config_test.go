package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.OCROnly())
	assert.Equal(t, 3*time.Second, cfg.HealthProbeTimeout)
	assert.Equal(t, []string{"eng"}, cfg.TesseractLanguages)
	assert.Equal(t, "ocr", cfg.QueueName)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://ocr@localhost/ocr?sslmode=disable")
	t.Setenv("PAGE_CONCURRENCY", "8")
	t.Setenv("PROVIDER_TIMEOUT", "45s")
	t.Setenv("PROCESSING_TIMEOUT", "600000")
	t.Setenv("TESSERACT_LANGUAGES", "eng+fra, ara")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.False(t, cfg.OCROnly())
	assert.Equal(t, 8, cfg.PageConcurrency)
	assert.Equal(t, 45*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 10*time.Minute, cfg.ProcessingTimeout)
	assert.Equal(t, []string{"eng", "fra", "ara"}, cfg.TesseractLanguages)
	assert.True(t, cfg.MinioUseSSL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"page concurrency", func(c *Config) { c.PageConcurrency = 0 }, "PAGE_CONCURRENCY"},
		{"timeouts", func(c *Config) { c.ProcessingTimeout = time.Second }, "PROCESSING_TIMEOUT"},
		{"cancel poll", func(c *Config) { c.CancelPollInterval = 0 }, "CANCEL_POLL_INTERVAL"},
		{"probe", func(c *Config) { c.HealthProbeTimeout = time.Minute }, "HEALTH_PROBE_TIMEOUT"},
		{"minio creds", func(c *Config) { c.MinioEndpoint = "minio:9000" }, "MINIO_ACCESS_KEY"},
		{"poll attempts", func(c *Config) { c.HTRMaxPollAttempts = 0 }, "HTR_MAX_POLL_ATTEMPTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func validConfig() *Config {
	return &Config{
		WorkerConcurrency:  2,
		PageConcurrency:    2,
		ProcessingTimeout:  time.Minute,
		ProviderTimeout:    10 * time.Second,
		CancelPollInterval: time.Second,
		HealthProbeTimeout: 3 * time.Second,
		HTRPollInterval:    time.Second,
		HTRMaxPollAttempts: 5,
		TesseractLanguages: []string{"eng"},
	}
}
