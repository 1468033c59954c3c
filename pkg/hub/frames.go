// Package hub implements the client side of the Home Assistant WebSocket
// API: the frame codec, the authentication handshake, event subscriptions,
// the session lifecycle, and the supervisor that keeps one session alive
// with backoff across hub restarts and network partitions.
package hub

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Incoming message types.
const (
	msgTypeAuthRequired = "auth_required"
	msgTypeAuthOK       = "auth_ok"
	msgTypeAuthInvalid  = "auth_invalid"
	msgTypeResult       = "result"
	msgTypeEvent        = "event"
	msgTypePong         = "pong"
)

// Outgoing message types.
const (
	msgTypeAuth              = "auth"
	msgTypeSubscribeEvents   = "subscribe_events"
	msgTypeUnsubscribeEvents = "unsubscribe_events"
	msgTypePing              = "ping"
)

// eventTypeStateChanged is the only event type this service subscribes to.
const eventTypeStateChanged = "state_changed"

// request is an outgoing frame. The hub requires a type on every message;
// id is the correlation id for everything after the auth phase.
type request struct {
	ID           int64  `json:"id,omitempty"`
	Type         string `json:"type"`
	EventType    string `json:"event_type,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	Subscription int64  `json:"subscription,omitempty"`
}

// frame is a decoded incoming message. Fields are populated depending on
// Type; Result and Event stay raw so the payload is only parsed by the
// component that understands it.
type frame struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Success   *bool           `json:"success"`
	Result    json.RawMessage `json:"result"`
	Event     json.RawMessage `json:"event"`
	Error     *resultError    `json:"error"`
	Message   string          `json:"message"`
	HAVersion string          `json:"ha_version"`
}

// resultError is the error object attached to failed results.
type resultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// codec serializes outgoing requests, parses incoming frames, and issues
// monotonically increasing correlation ids unique within a session.
type codec struct {
	lastID atomic.Int64
}

// NextID returns the next correlation id.
func (c *codec) NextID() int64 {
	return c.lastID.Add(1)
}

// Encode serializes a request, rejecting one without a type.
func (c *codec) Encode(req request) ([]byte, error) {
	if req.Type == "" {
		return nil, ErrMissingType
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", req.Type, err)
	}
	return data, nil
}

// Decode parses an incoming frame. Anything that is not a JSON object with
// a type is a malformed frame.
func (c *codec) Decode(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &f, nil
}
