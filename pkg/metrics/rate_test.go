package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateWindowCountsRecentEvents(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	r := newRateWindowAt(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		r.Mark()
	}
	assert.EqualValues(t, 5, r.PerMinute())

	// Events spread across several seconds still count.
	now = now.Add(10 * time.Second)
	r.Mark()
	assert.EqualValues(t, 6, r.PerMinute())
}

func TestRateWindowExpiresOldBuckets(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	r := newRateWindowAt(func() time.Time { return now })

	r.Mark()
	r.Mark()

	// After the window slides past the marks, the rate drops to zero.
	now = now.Add(61 * time.Second)
	assert.EqualValues(t, 0, r.PerMinute())
}

func TestRateWindowBucketReuse(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	r := newRateWindowAt(func() time.Time { return now })

	r.Mark()

	// Same bucket index one full revolution later must not double-count.
	now = now.Add(60 * time.Second)
	r.Mark()
	assert.EqualValues(t, 1, r.PerMinute())
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncEventsReceived()
		m.IncEventsRejected("invalid_entity_id")
		m.AddRecordsWritten(10)
		m.AddRecordsDropped(1)
		m.IncReconnects()
	})
	assert.Nil(t, m.Registry())
}
