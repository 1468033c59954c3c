package ingest

import (
	"sync"
	"time"
)

type lastTransition struct {
	state string
	at    time.Time
}

// DurationTracker remembers the last transition instant per entity so the
// normalizer can derive duration_in_state for successive transitions. State
// is in-memory only: it survives session reconnects but not process
// restarts.
type DurationTracker struct {
	mu      sync.Mutex
	entries map[string]lastTransition
}

// NewDurationTracker creates an empty tracker.
func NewDurationTracker() *DurationTracker {
	return &DurationTracker{entries: make(map[string]lastTransition)}
}

// Observe records a state observation at the given instant and returns the
// time spent in the previous state when this observation is a transition
// from a previously tracked state.
//
// The anchor instant only advances on actual transitions: repeated updates
// of an unchanged state neither produce a duration nor reset the clock, so
// duration_in_state always measures time since the state was entered.
func (t *DurationTracker) Observe(entityID, state string, at time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.entries[entityID]
	if !seen {
		t.entries[entityID] = lastTransition{state: state, at: at}
		return 0, false
	}
	if prev.state == state {
		return 0, false
	}

	t.entries[entityID] = lastTransition{state: state, at: at}
	return at.Sub(prev.at), true
}

// Len returns the number of tracked entities.
func (t *DurationTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
