// Package metadata is the HTTP client for the metadata service, which owns
// the relational device and entity catalog. The discovery task pushes bulk
// upserts here after each registry fetch.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wtthornton/ha-ingestor/pkg/version"
)

// ErrNotConfigured is returned when no metadata service URL was set.
var ErrNotConfigured = errors.New("metadata service not configured")

// Device is one row of the device catalog.
type Device struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	SWVersion    string `json:"sw_version,omitempty"`
	AreaID       string `json:"area_id,omitempty"`
	Integration  string `json:"integration,omitempty"`
}

// Entity is one row of the entity catalog.
type Entity struct {
	EntityID string `json:"entity_id"`
	DeviceID string `json:"device_id,omitempty"`
	Domain   string `json:"domain"`
	Platform string `json:"platform,omitempty"`
	UniqueID string `json:"unique_id,omitempty"`
	AreaID   string `json:"area_id,omitempty"`
	Disabled bool   `json:"disabled"`
}

// ClientConfig configures the metadata client. A zero URL disables it.
type ClientConfig struct {
	URL            string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	return c
}

// Client posts bulk upserts to the metadata service.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a metadata client.
func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: slog.With("component", "metadata.client"),
	}
}

// Enabled reports whether a metadata service URL was configured.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.URL != ""
}

// UpsertDevices replaces or inserts the given devices in one call.
func (c *Client) UpsertDevices(ctx context.Context, devices []Device) error {
	if len(devices) == 0 {
		return nil
	}
	return c.post(ctx, "/internal/devices/bulk_upsert", map[string]any{"devices": devices})
}

// UpsertEntities replaces or inserts the given entities in one call.
func (c *Client) UpsertEntities(ctx context.Context, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}
	return c.post(ctx, "/internal/entities/bulk_upsert", map[string]any{"entities": entities})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding upsert payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := c.cfg.RetryBaseDelay << (attempt - 2)
			c.logger.Warn("Retrying metadata upsert", "path", path, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = c.postOnce(ctx, path, body)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("upserting to %s after %d attempts: %w", path, c.cfg.MaxRetries, lastErr)
}

func (c *Client) postOnce(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting upsert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("metadata service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}
