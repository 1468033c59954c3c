package ingest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationTrackerFirstObservation(t *testing.T) {
	tr := NewDurationTracker()

	_, ok := tr.Observe("light.bedroom", "on", time.Now())
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len())
}

func TestDurationTrackerTransition(t *testing.T) {
	tr := NewDurationTracker()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tr.Observe("light.bedroom", "off", base)
	d, ok := tr.Observe("light.bedroom", "on", base.Add(30*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)
}

func TestDurationTrackerUnchangedStateKeepsAnchor(t *testing.T) {
	tr := NewDurationTracker()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tr.Observe("sensor.temp", "21", base)

	// Repeated updates of the same state do not move the anchor.
	_, ok := tr.Observe("sensor.temp", "21", base.Add(10*time.Second))
	assert.False(t, ok)

	d, ok := tr.Observe("sensor.temp", "22", base.Add(60*time.Second))
	assert.True(t, ok)
	assert.Equal(t, time.Minute, d, "duration measured from state entry, not last update")
}

func TestDurationTrackerIndependentEntities(t *testing.T) {
	tr := NewDurationTracker()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tr.Observe("light.a", "off", base)
	tr.Observe("light.b", "off", base.Add(5*time.Second))

	d, ok := tr.Observe("light.a", "on", base.Add(10*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, d)

	d, ok = tr.Observe("light.b", "on", base.Add(10*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
}

func TestDurationTrackerConcurrentAccess(t *testing.T) {
	tr := NewDurationTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("light.room%d", i)
			at := time.Now()
			for j := 0; j < 100; j++ {
				tr.Observe(id, fmt.Sprintf("state%d", j), at.Add(time.Duration(j)*time.Second))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, tr.Len())
}
