package metrics

import (
	"sync"
	"time"
)

// RateWindow tracks event counts in per-second buckets over a sliding window
// and reports the total for the last minute. Writers call Mark on every
// event; the health surface calls PerMinute.
type RateWindow struct {
	mu      sync.Mutex
	buckets [60]int64
	stamps  [60]int64 // unix second each bucket was last written
	now     func() time.Time
}

// NewRateWindow creates a sliding one-minute rate tracker.
func NewRateWindow() *RateWindow {
	return &RateWindow{now: time.Now}
}

// newRateWindowAt creates a tracker with an injected time source for tests.
func newRateWindowAt(now func() time.Time) *RateWindow {
	return &RateWindow{now: now}
}

// Mark records one event at the current instant.
func (r *RateWindow) Mark() {
	sec := r.now().Unix()
	idx := sec % 60

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stamps[idx] != sec {
		r.buckets[idx] = 0
		r.stamps[idx] = sec
	}
	r.buckets[idx]++
}

// PerMinute returns the number of events marked in the last 60 seconds.
func (r *RateWindow) PerMinute() int64 {
	sec := r.now().Unix()

	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for i := 0; i < 60; i++ {
		if sec-r.stamps[i] < 60 {
			total += r.buckets[i]
		}
	}
	return total
}
