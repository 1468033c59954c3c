package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 300 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{9, 256 * time.Second},
		{10, 300 * time.Second},
		{50, 300 * time.Second},
		{0, time.Second},
		{-5, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffDelayNoOverflow(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 5 * time.Minute}
	// Attempt numbers far beyond what doubling can represent must still
	// return the cap, not a wrapped negative duration.
	assert.Equal(t, 5*time.Minute, b.Delay(100000))
}
