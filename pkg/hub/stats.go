package hub

import (
	"sync"
	"time"

	"github.com/wtthornton/ha-ingestor/pkg/metrics"
)

// SessionState names the phase a session is in.
type SessionState string

const (
	StateDisconnected   SessionState = "disconnected"
	StateConnecting     SessionState = "connecting"
	StateAuthenticating SessionState = "authenticating"
	StateSubscribing    SessionState = "subscribing"
	StateActive         SessionState = "active"
	StateClosed         SessionState = "closed"
)

// Stats aggregates connection and event counters across sessions. One Stats
// instance outlives individual sessions so the totals survive reconnects.
type Stats struct {
	mu             sync.Mutex
	state          SessionState
	attempts       int64
	successful     int64
	failed         int64
	subscribed     bool
	eventsReceived int64
	lastError      string
	lastErrorAt    time.Time
	rate           *metrics.RateWindow
}

// NewStats creates a Stats in the disconnected state.
func NewStats() *Stats {
	return &Stats{state: StateDisconnected, rate: metrics.NewRateWindow()}
}

// SetState records the current session phase.
func (s *Stats) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// RecordAttempt counts a connection attempt.
func (s *Stats) RecordAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
}

// RecordSuccess counts a session that reached the active state.
func (s *Stats) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successful++
}

// RecordFailure counts a session that ended in an error and keeps the
// classification for the health surface.
func (s *Stats) RecordFailure(classification string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	s.lastError = classification
	s.lastErrorAt = time.Now()
}

// SetSubscribed records whether the event subscription is live.
func (s *Stats) SetSubscribed(subscribed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = subscribed
}

// RecordEvent counts one received event frame.
func (s *Stats) RecordEvent() {
	s.mu.Lock()
	s.eventsReceived++
	s.mu.Unlock()
	s.rate.Mark()
}

// StatsSnapshot is a point-in-time copy of the counters, shaped for the
// health endpoint.
type StatsSnapshot struct {
	State           string    `json:"state"`
	Attempts        int64     `json:"attempts"`
	Successful      int64     `json:"successful"`
	Failed          int64     `json:"failed"`
	Subscribed      bool      `json:"subscribed"`
	EventsReceived  int64     `json:"events_received"`
	EventsPerMinute int64     `json:"events_per_minute"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at,omitzero"`
}

// Snapshot returns a consistent copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	snap := StatsSnapshot{
		State:          string(s.state),
		Attempts:       s.attempts,
		Successful:     s.successful,
		Failed:         s.failed,
		Subscribed:     s.subscribed,
		EventsReceived: s.eventsReceived,
		LastError:      s.lastError,
		LastErrorAt:    s.lastErrorAt,
	}
	s.mu.Unlock()
	snap.EventsPerMinute = s.rate.PerMinute()
	return snap
}
