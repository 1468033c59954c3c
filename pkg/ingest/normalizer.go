package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wtthornton/ha-ingestor/pkg/clock"
	"github.com/wtthornton/ha-ingestor/pkg/metrics"
)

// Validation failure sentinels. Each rejected event increments a counter and
// is logged with its entity_id; none of these terminate the session.
var (
	ErrInvalidEntityID     = errors.New("invalid entity_id")
	ErrMissingState        = errors.New("event has neither new_state nor old_state")
	ErrTimestampOutOfRange = errors.New("timestamp outside allowed clock skew")
)

// unknownState is persisted when a state object is absent (entity created
// or removed).
const unknownState = "unknown"

// Stats counts normalization outcomes.
type Stats struct {
	Accepted          atomic.Int64
	Rejected          atomic.Int64
	DroppedOtherTypes atomic.Int64
}

// Normalizer turns raw envelopes into Records. All lookups are O(1) against
// in-memory structures; it never blocks on I/O.
type Normalizer struct {
	clock     clock.Clock
	registry  *RegistryCache
	durations *DurationTracker
	maxSkew   time.Duration
	stats     *Stats
	metrics   *metrics.Metrics
}

// NewNormalizer wires the normalizer to its caches.
// metrics may be nil (prometheus disabled in tests).
func NewNormalizer(clk clock.Clock, registry *RegistryCache, durations *DurationTracker, maxSkew time.Duration, m *metrics.Metrics) *Normalizer {
	return &Normalizer{
		clock:     clk,
		registry:  registry,
		durations: durations,
		maxSkew:   maxSkew,
		stats:     &Stats{},
		metrics:   m,
	}
}

// Stats returns the live counters.
func (n *Normalizer) Stats() *Stats {
	return n.stats
}

// Normalize validates an envelope and produces exactly one Record, or nil
// when the event is dropped (wrong event type) or rejected (validation
// failure, reported as an error).
func (n *Normalizer) Normalize(env *Envelope) (*Record, error) {
	if env.EventType != "state_changed" {
		n.stats.DroppedOtherTypes.Add(1)
		n.metrics.IncEventsDropped()
		return nil, nil
	}

	entityID := env.Data.EntityID
	domain, ok := splitDomain(entityID)
	if !ok {
		return nil, n.reject(entityID, ErrInvalidEntityID, "invalid_entity_id")
	}

	if env.Data.NewState == nil && env.Data.OldState == nil {
		return nil, n.reject(entityID, ErrMissingState, "missing_state")
	}

	now := n.clock.Now()
	ts := n.eventTimestamp(env, now)
	if delta := now.Sub(ts); delta > n.maxSkew || delta < -n.maxSkew {
		return nil, n.reject(entityID, fmt.Errorf("%w: event %s vs receive %s",
			ErrTimestampOutOfRange, ts.Format(time.RFC3339), now.Format(time.RFC3339)), "timestamp_out_of_range")
	}

	state := unknownState
	if env.Data.NewState != nil {
		state = env.Data.NewState.State
	}
	previous := unknownState
	if env.Data.OldState != nil {
		previous = env.Data.OldState.State
	}

	rec := &Record{
		Timestamp:       ts,
		EntityID:        entityID,
		Domain:          domain,
		State:           state,
		PreviousState:   previous,
		StateChanged:    state != previous,
		ContextID:       env.Context.ID,
		ContextParentID: env.Context.ParentID,
		ContextUserID:   env.Context.UserID,
	}

	if d, ok := n.durations.Observe(entityID, state, ts); ok {
		secs := d.Seconds()
		rec.DurationInState = &secs
	}

	if entry, ok := n.registry.Lookup(entityID); ok {
		rec.DeviceID = entry.DeviceID
		rec.AreaID = entry.AreaID
	}

	// Promote exactly the whitelisted attribute keys; everything else in the
	// heterogeneous attributes map is ignored to keep tag cardinality bounded.
	if env.Data.NewState != nil {
		attrs := env.Data.NewState.Attributes
		rec.FriendlyName = stringAttr(attrs, "friendly_name")
		rec.UnitOfMeasurement = stringAttr(attrs, "unit_of_measurement")
		rec.DeviceClass = stringAttr(attrs, "device_class")
	}

	if v, err := strconv.ParseFloat(state, 64); err == nil {
		rec.NumericState = &v
	}

	n.stats.Accepted.Add(1)
	return rec, nil
}

// eventTimestamp prefers time_fired and falls back to receive time when it
// is missing or unparsable.
func (n *Normalizer) eventTimestamp(env *Envelope, now time.Time) time.Time {
	if env.TimeFired == "" {
		return now
	}
	ts, err := time.Parse(time.RFC3339Nano, env.TimeFired)
	if err != nil {
		slog.Debug("Unparsable time_fired, using receive time",
			"entity_id", env.Data.EntityID, "time_fired", env.TimeFired, "error", err)
		return now
	}
	return ts
}

func (n *Normalizer) reject(entityID string, err error, reason string) error {
	n.stats.Rejected.Add(1)
	n.metrics.IncEventsRejected(reason)
	slog.Info("Event rejected", "entity_id", entityID, "reason", reason, "error", err)
	return err
}

// splitDomain extracts the domain prefix from an entity id. Valid ids have
// exactly one dot separating two non-empty parts.
func splitDomain(entityID string) (string, bool) {
	if strings.Count(entityID, ".") != 1 {
		return "", false
	}
	domain, object, _ := strings.Cut(entityID, ".")
	if domain == "" || object == "" {
		return "", false
	}
	return domain, true
}

func stringAttr(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	s, _ := attrs[key].(string)
	return s
}
