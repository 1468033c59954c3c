package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HUB_URL", "ws://hub.local:8123/api/websocket")
	t.Setenv("HUB_TOKEN", "test-token")
	t.Setenv("STORE_URL", "http://influx.local:8086")
}

func TestLoadFromEnvDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, -1, cfg.MaxRetries)
	assert.Equal(t, 300*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
	assert.Equal(t, 10_000, cfg.BufferCapacity)
	assert.Equal(t, 7_500, cfg.BufferHighWater)
	assert.Equal(t, 24*time.Hour, cfg.MaxClockSkew)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 90*time.Second, cfg.SilenceTimeout)
	assert.Equal(t, 8080, cfg.HealthPort)
	assert.Equal(t, "home_assistant_events", cfg.StoreMeasurement)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("MAX_RETRY_DELAY_SEC", "60")
	t.Setenv("BATCH_SIZE", "500")
	t.Setenv("BATCH_TIMEOUT_SEC", "1")
	t.Setenv("BUFFER_CAPACITY", "20000")
	t.Setenv("BUFFER_HIGH_WATER", "15000")
	t.Setenv("HEALTH_PORT", "9090")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Minute, cfg.MaxRetryDelay)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, time.Second, cfg.BatchTimeout)
	assert.Equal(t, 20000, cfg.BufferCapacity)
	assert.Equal(t, 15000, cfg.BufferHighWater)
	assert.Equal(t, 9090, cfg.HealthPort)
}

func TestLoadFromEnvMissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{"missing hub url", "HUB_URL"},
		{"missing hub token", "HUB_TOKEN"},
		{"missing store url", "STORE_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.unset, "")

			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.unset)
		})
	}
}

func TestLoadFromEnvInvalidValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BATCH_SIZE", "not-a-number")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_SIZE")
}

func TestValidateBufferConsistency(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BUFFER_CAPACITY", "100")
	t.Setenv("BUFFER_HIGH_WATER", "500")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUFFER_HIGH_WATER")
}

func TestValidateRejectsNonWebSocketURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HUB_URL", "ftp://hub.local")

	_, err := LoadFromEnv()
	require.Error(t, err)
}
