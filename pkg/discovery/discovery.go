// Package discovery fetches the hub's device and entity registries after
// each session goes active, pushes the catalog to the metadata service, and
// refreshes the in-process entity enrichment cache.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wtthornton/ha-ingestor/pkg/ingest"
	"github.com/wtthornton/ha-ingestor/pkg/metadata"
)

// Registry list commands.
const (
	cmdDeviceRegistryList = "config/device_registry/list"
	cmdEntityRegistryList = "config/entity_registry/list"
)

// Caller issues a typed request over the active session and returns the
// result payload.
type Caller interface {
	Call(ctx context.Context, msgType string) (json.RawMessage, error)
}

// deviceEntry is one raw device registry row.
type deviceEntry struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	NameByUser    string     `json:"name_by_user"`
	Manufacturer  string     `json:"manufacturer"`
	Model         string     `json:"model"`
	SWVersion     string     `json:"sw_version"`
	AreaID        string     `json:"area_id"`
	Identifiers   [][]string `json:"identifiers"`
	ConfigEntries []string   `json:"config_entries"`
}

// entityEntry is one raw entity registry row.
type entityEntry struct {
	EntityID   string  `json:"entity_id"`
	DeviceID   string  `json:"device_id"`
	Platform   string  `json:"platform"`
	UniqueID   string  `json:"unique_id"`
	AreaID     string  `json:"area_id"`
	DisabledBy *string `json:"disabled_by"`
}

// TaskConfig controls discovery timing.
type TaskConfig struct {
	// CallTimeout bounds each registry list request.
	CallTimeout time.Duration

	// RetryDelays are the waits between immediate retries of a failed
	// fetch cycle before giving up until the next reschedule.
	RetryDelays []time.Duration

	// RescheduleAfter is how long to wait before trying a whole new cycle
	// once the immediate retries are spent.
	RescheduleAfter time.Duration
}

func (c TaskConfig) withDefaults() TaskConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RetryDelays == nil {
		c.RetryDelays = []time.Duration{2 * time.Second, 4 * time.Second}
	}
	if c.RescheduleAfter <= 0 {
		c.RescheduleAfter = 5 * time.Minute
	}
	return c
}

// Task runs registry discovery for one session. Create one per session and
// invoke Run from the session's on-active hook.
type Task struct {
	cfg      TaskConfig
	meta     *metadata.Client
	registry *ingest.RegistryCache
	logger   *slog.Logger
}

// NewTask creates a discovery task. meta may be disabled; the enrichment
// cache is still refreshed.
func NewTask(cfg TaskConfig, meta *metadata.Client, registry *ingest.RegistryCache) *Task {
	return &Task{
		cfg:      cfg.withDefaults(),
		meta:     meta,
		registry: registry,
		logger:   slog.With("component", "discovery"),
	}
}

// Run performs discovery against the given session, retrying failed cycles
// until one succeeds or ctx (the session's lifetime) ends.
func (t *Task) Run(ctx context.Context, caller Caller) {
	for {
		err := t.runCycle(ctx, caller)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("Discovery cycle failed, rescheduling", "error", err, "retry_in", t.cfg.RescheduleAfter)
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.RescheduleAfter):
		}
	}
}

// runCycle attempts one discovery with the configured immediate retries.
func (t *Task) runCycle(ctx context.Context, caller Caller) error {
	err := t.discover(ctx, caller)
	for _, delay := range t.cfg.RetryDelays {
		if err == nil || ctx.Err() != nil {
			return err
		}
		t.logger.Warn("Registry fetch failed, retrying", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		err = t.discover(ctx, caller)
	}
	return err
}

// discover fetches both registries, swaps the enrichment cache, and pushes
// the catalog to the metadata service. A fetch failure aborts before the
// cache is touched so the previous snapshot keeps serving. Metadata upsert
// failures are logged but do not fail the cycle; the ingest path does not
// depend on them.
func (t *Task) discover(ctx context.Context, caller Caller) error {
	devices, err := t.listDevices(ctx, caller)
	if err != nil {
		return err
	}
	entities, err := t.listEntities(ctx, caller)
	if err != nil {
		return err
	}

	t.registry.Replace(buildCache(devices, entities))
	t.logger.Info("Registries discovered", "devices", len(devices), "entities", len(entities))

	if t.meta.Enabled() {
		if err := t.meta.UpsertDevices(ctx, transformDevices(devices)); err != nil {
			t.logger.Error("Device catalog upsert failed", "error", err)
		}
		if err := t.meta.UpsertEntities(ctx, transformEntities(entities)); err != nil {
			t.logger.Error("Entity catalog upsert failed", "error", err)
		}
	}
	return nil
}

func (t *Task) listDevices(ctx context.Context, caller Caller) ([]deviceEntry, error) {
	raw, err := t.list(ctx, caller, cmdDeviceRegistryList)
	if err != nil {
		return nil, err
	}
	var devices []deviceEntry
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, fmt.Errorf("parsing device registry: %w", err)
	}
	return devices, nil
}

func (t *Task) listEntities(ctx context.Context, caller Caller) ([]entityEntry, error) {
	raw, err := t.list(ctx, caller, cmdEntityRegistryList)
	if err != nil {
		return nil, err
	}
	var entities []entityEntry
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, fmt.Errorf("parsing entity registry: %w", err)
	}
	return entities, nil
}

func (t *Task) list(ctx context.Context, caller Caller, cmd string) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()
	raw, err := caller.Call(callCtx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return raw, nil
}

// buildCache derives the entity enrichment snapshot. An entity's area falls
// back to its device's area when it has none of its own.
func buildCache(devices []deviceEntry, entities []entityEntry) map[string]ingest.RegistryEntry {
	deviceAreas := make(map[string]string, len(devices))
	for _, d := range devices {
		deviceAreas[d.ID] = d.AreaID
	}

	cache := make(map[string]ingest.RegistryEntry, len(entities))
	for _, e := range entities {
		if e.EntityID == "" {
			continue
		}
		area := e.AreaID
		if area == "" {
			area = deviceAreas[e.DeviceID]
		}
		cache[e.EntityID] = ingest.RegistryEntry{DeviceID: e.DeviceID, AreaID: area}
	}
	return cache
}

func transformDevices(devices []deviceEntry) []metadata.Device {
	out := make([]metadata.Device, 0, len(devices))
	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		name := d.NameByUser
		if name == "" {
			name = d.Name
		}
		out = append(out, metadata.Device{
			ID:           d.ID,
			Name:         name,
			Manufacturer: d.Manufacturer,
			Model:        d.Model,
			SWVersion:    d.SWVersion,
			AreaID:       d.AreaID,
			Integration:  integrationOf(d),
		})
	}
	return out
}

// integrationOf pulls the integration domain from the first identifier
// tuple, e.g. ["hue", "00:17:88"] identifies the hue integration.
func integrationOf(d deviceEntry) string {
	if len(d.Identifiers) > 0 && len(d.Identifiers[0]) > 0 {
		return d.Identifiers[0][0]
	}
	return ""
}

func transformEntities(entities []entityEntry) []metadata.Entity {
	out := make([]metadata.Entity, 0, len(entities))
	for _, e := range entities {
		if e.EntityID == "" {
			continue
		}
		domain, _, _ := strings.Cut(e.EntityID, ".")
		out = append(out, metadata.Entity{
			EntityID: e.EntityID,
			DeviceID: e.DeviceID,
			Domain:   domain,
			Platform: e.Platform,
			UniqueID: e.UniqueID,
			AreaID:   e.AreaID,
			Disabled: e.DisabledBy != nil,
		})
	}
	return out
}
