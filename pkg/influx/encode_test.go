package influx

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtthornton/ha-ingestor/pkg/ingest"
)

func TestEncodeBatchFullRecord(t *testing.T) {
	duration := 30.5
	numeric := 42.0
	recs := []ingest.Record{{
		Timestamp:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EntityID:          "sensor.power",
		Domain:            "sensor",
		State:             "42",
		PreviousState:     "40",
		StateChanged:      true,
		ContextID:         "c1",
		DeviceID:          "dev-1",
		AreaID:            "kitchen",
		UnitOfMeasurement: "W",
		DeviceClass:       "power",
		FriendlyName:      "Power Meter",
		DurationInState:   &duration,
		NumericState:      &numeric,
	}}

	out, kept, skipped := encodeBatch("home_assistant_events", recs)
	require.Len(t, kept, 1)
	require.Empty(t, skipped)
	line := strings.TrimSpace(string(out))

	assert.True(t, strings.HasPrefix(line, "home_assistant_events,"))
	assert.Contains(t, line, "entity_id=sensor.power")
	assert.Contains(t, line, "domain=sensor")
	assert.Contains(t, line, "previous_state=40")
	assert.Contains(t, line, "area_id=kitchen")
	assert.Contains(t, line, "device_id=dev-1")
	assert.Contains(t, line, "device_class=power")
	assert.Contains(t, line, "unit_of_measurement=W")
	assert.Contains(t, line, "context_id=c1")
	assert.Contains(t, line, `state="42"`)
	assert.Contains(t, line, "state_changed=true")
	assert.Contains(t, line, "duration_in_state=30.5")
	assert.Contains(t, line, "numeric_state=42")
	assert.Contains(t, line, `friendly_name="Power Meter"`)
	// Nanosecond timestamp suffix.
	assert.True(t, strings.HasSuffix(line, "1735689600000000000"))
}

func TestEncodeBatchOmitsAbsentOptionals(t *testing.T) {
	recs := []ingest.Record{{
		Timestamp:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EntityID:      "light.bedroom",
		Domain:        "light",
		State:         "on",
		PreviousState: "off",
		StateChanged:  true,
	}}

	out, _, skipped := encodeBatch("m", recs)
	require.Empty(t, skipped)
	line := string(out)

	assert.NotContains(t, line, "device_id")
	assert.NotContains(t, line, "area_id")
	assert.NotContains(t, line, "duration_in_state")
	assert.NotContains(t, line, "numeric_state")
	assert.NotContains(t, line, "friendly_name")
	assert.NotContains(t, line, "context_id")
}

func TestEncodeBatchEscapesSpecialCharacters(t *testing.T) {
	recs := []ingest.Record{{
		Timestamp:     time.Unix(0, 1),
		EntityID:      "light.bedroom",
		Domain:        "light",
		State:         "on",
		PreviousState: "off",
		FriendlyName:  `Bed "Main" Light`,
		AreaID:        "living room",
	}}

	out, _, skipped := encodeBatch("m", recs)
	require.Empty(t, skipped)
	line := string(out)

	// Tag spaces and field quotes are escaped per line protocol rules.
	assert.Contains(t, line, `area_id=living\ room`)
	assert.Contains(t, line, `friendly_name="Bed \"Main\" Light"`)
}

func TestEncodeBatchMultipleLines(t *testing.T) {
	recs := []ingest.Record{
		*testRecord("light.a", "on"),
		*testRecord("light.b", "off"),
	}
	out, kept, skipped := encodeBatch("m", recs)
	require.Len(t, kept, 2)
	require.Empty(t, skipped)

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "light.a")
	assert.Contains(t, lines[1], "light.b")
}

func TestEncodeBatchSkipsUnencodableRecord(t *testing.T) {
	bad := *testRecord("light.bad", "on")
	bad.AreaID = "attic\xffloft" // invalid UTF-8 in a tag value

	recs := []ingest.Record{
		*testRecord("light.a", "on"),
		bad,
		*testRecord("light.c", "on"),
	}

	out, kept, skipped := encodeBatch("m", recs)

	require.Len(t, skipped, 1)
	assert.Equal(t, "light.bad", skipped[0].EntityID)
	require.Len(t, kept, 2)

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "light.a")
	assert.Contains(t, lines[1], "light.c")
}
