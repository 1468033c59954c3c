// Package config loads service configuration from environment variables.
//
// All knobs have defaults except the hub and store endpoints; a missing
// HUB_URL, HUB_TOKEN, or STORE_URL is a fatal startup error. Durations are
// expressed in whole seconds in the environment (matching the *_SEC naming)
// and surfaced as time.Duration here.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds the full runtime configuration of the ingestion service.
type Config struct {
	// Hub connection
	HubURL   string
	HubToken string

	// Supervisor retry policy
	MaxRetries    int           // -1 = retry forever
	MaxRetryDelay time.Duration // cap for exponential backoff

	// Batch writer
	BatchSize       int
	BatchTimeout    time.Duration
	BufferCapacity  int
	BufferHighWater int

	// Normalizer
	MaxClockSkew time.Duration

	// Session liveness
	PingInterval   time.Duration
	SilenceTimeout time.Duration

	// External collaborators
	MetadataURL      string // empty disables metadata upserts
	StoreURL         string
	StoreToken       string
	StoreOrg         string
	StoreBucket      string
	StoreMeasurement string

	// Health surface
	HealthPort int
}

// LoadFromEnv builds a Config from the process environment.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		HubURL:           os.Getenv("HUB_URL"),
		HubToken:         os.Getenv("HUB_TOKEN"),
		MetadataURL:      os.Getenv("METADATA_URL"),
		StoreURL:         os.Getenv("STORE_URL"),
		StoreToken:       os.Getenv("STORE_TOKEN"),
		StoreOrg:         getEnvOrDefault("STORE_ORG", "home"),
		StoreBucket:      getEnvOrDefault("STORE_BUCKET", "home_assistant"),
		StoreMeasurement: getEnvOrDefault("STORE_MEASUREMENT", "home_assistant_events"),
	}

	var err error
	if cfg.MaxRetries, err = intEnv("MAX_RETRIES", -1); err != nil {
		return nil, err
	}
	if cfg.MaxRetryDelay, err = secondsEnv("MAX_RETRY_DELAY_SEC", 300); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = intEnv("BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.BatchTimeout, err = secondsEnv("BATCH_TIMEOUT_SEC", 5); err != nil {
		return nil, err
	}
	if cfg.BufferCapacity, err = intEnv("BUFFER_CAPACITY", 10_000); err != nil {
		return nil, err
	}
	if cfg.BufferHighWater, err = intEnv("BUFFER_HIGH_WATER", 7_500); err != nil {
		return nil, err
	}
	if cfg.MaxClockSkew, err = secondsEnv("MAX_CLOCK_SKEW_SEC", 86_400); err != nil {
		return nil, err
	}
	if cfg.PingInterval, err = secondsEnv("PING_INTERVAL_SEC", 30); err != nil {
		return nil, err
	}
	if cfg.SilenceTimeout, err = secondsEnv("SILENCE_TIMEOUT_SEC", 90); err != nil {
		return nil, err
	}
	if cfg.HealthPort, err = intEnv("HEALTH_PORT", 8080); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and internal consistency.
func (c *Config) Validate() error {
	if c.HubURL == "" {
		return fmt.Errorf("HUB_URL is required")
	}
	u, err := url.Parse(c.HubURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("HUB_URL %q is not a valid WebSocket URL", c.HubURL)
	}
	if c.HubToken == "" {
		return fmt.Errorf("HUB_TOKEN is required")
	}
	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.BufferCapacity < c.BatchSize {
		return fmt.Errorf("BUFFER_CAPACITY (%d) must be at least BATCH_SIZE (%d)", c.BufferCapacity, c.BatchSize)
	}
	if c.BufferHighWater <= 0 || c.BufferHighWater > c.BufferCapacity {
		return fmt.Errorf("BUFFER_HIGH_WATER (%d) must be in (0, BUFFER_CAPACITY]", c.BufferHighWater)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func secondsEnv(key string, defaultSec int) (time.Duration, error) {
	n, err := intEnv(key, defaultSec)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must be non-negative", key)
	}
	return time.Duration(n) * time.Second, nil
}
