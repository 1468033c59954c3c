// Package ingest transforms raw hub state-change envelopes into the flat
// record schema persisted to the time-series store. It owns the validation
// rules, the attribute whitelist, the per-entity duration tracker, and the
// registry cache consulted for spatial tags.
package ingest

import (
	"encoding/json"
	"time"
)

// Envelope is the nested event object pushed by the hub inside an event
// frame: {event_type, data, time_fired, origin, context}.
type Envelope struct {
	EventType string       `json:"event_type"`
	Data      StateChange  `json:"data"`
	TimeFired string       `json:"time_fired"`
	Origin    string       `json:"origin"`
	Context   EventContext `json:"context"`
}

// StateChange carries the entity and its before/after states. Either state
// may be absent: new_state on entity removal, old_state on entity creation.
type StateChange struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State is a single entity state snapshot. Attributes is heterogeneous;
// only whitelisted keys are ever promoted into the normalized record.
type State struct {
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
}

// EventContext identifies the automation/user chain that caused the change.
type EventContext struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	UserID   string `json:"user_id"`
}

// ParseEnvelope decodes the raw event payload from an event frame.
func ParseEnvelope(raw json.RawMessage) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Record is the flat normalized form written to the time-series store.
// String fields with an empty value and nil float pointers are treated as
// absent and omitted from the persisted point.
type Record struct {
	Timestamp time.Time

	// Tags (indexed, low cardinality)
	EntityID          string
	Domain            string
	PreviousState     string
	ContextID         string
	ContextParentID   string
	ContextUserID     string
	DeviceID          string
	AreaID            string
	UnitOfMeasurement string
	DeviceClass       string

	// Fields (value payload)
	State           string
	StateChanged    bool
	DurationInState *float64 // seconds; absent on first observed transition
	FriendlyName    string
	NumericState    *float64
}
