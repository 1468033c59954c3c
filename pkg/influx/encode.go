package influx

import (
	"log/slog"

	"github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/wtthornton/ha-ingestor/pkg/ingest"
)

// encodeBatch renders records as InfluxDB line protocol with nanosecond
// precision. Each record gets its own encoder so one unencodable value
// (invalid UTF-8, a newline in a tag) skips only that record; the rest of
// the batch still ships. Returns the encoded lines, the records they cover,
// and the records that were skipped.
func encodeBatch(measurement string, recs []ingest.Record) (body []byte, kept, skipped []ingest.Record) {
	for i := range recs {
		var enc lineprotocol.Encoder
		enc.SetPrecision(lineprotocol.Nanosecond)
		encodeRecord(&enc, measurement, &recs[i])
		if err := enc.Err(); err != nil {
			slog.Warn("Skipping unencodable record",
				"entity_id", recs[i].EntityID, "error", err)
			skipped = append(skipped, recs[i])
			continue
		}
		body = append(body, enc.Bytes()...)
		kept = append(kept, recs[i])
	}
	return body, kept, skipped
}

// encodeRecord appends one point. Empty tag values and nil optional fields
// are omitted entirely rather than written as empty strings.
func encodeRecord(enc *lineprotocol.Encoder, measurement string, rec *ingest.Record) {
	enc.StartLine(measurement)

	// Lexical tag order, as the encoder requires.
	addTag(enc, "area_id", rec.AreaID)
	addTag(enc, "context_id", rec.ContextID)
	addTag(enc, "context_parent_id", rec.ContextParentID)
	addTag(enc, "context_user_id", rec.ContextUserID)
	addTag(enc, "device_class", rec.DeviceClass)
	addTag(enc, "device_id", rec.DeviceID)
	addTag(enc, "domain", rec.Domain)
	addTag(enc, "entity_id", rec.EntityID)
	addTag(enc, "previous_state", rec.PreviousState)
	addTag(enc, "unit_of_measurement", rec.UnitOfMeasurement)

	if rec.DurationInState != nil {
		addFloatField(enc, "duration_in_state", *rec.DurationInState)
	}
	if rec.FriendlyName != "" {
		addStringField(enc, "friendly_name", rec.FriendlyName)
	}
	if rec.NumericState != nil {
		addFloatField(enc, "numeric_state", *rec.NumericState)
	}
	addStringField(enc, "state", rec.State)
	enc.AddField("state_changed", lineprotocol.BoolValue(rec.StateChanged))

	enc.EndLine(rec.Timestamp)
}

func addTag(enc *lineprotocol.Encoder, key, value string) {
	if value != "" {
		enc.AddTag(key, value)
	}
}

func addStringField(enc *lineprotocol.Encoder, key, value string) {
	if v, ok := lineprotocol.StringValue(value); ok {
		enc.AddField(key, v)
	}
}

func addFloatField(enc *lineprotocol.Encoder, key string, value float64) {
	if v, ok := lineprotocol.FloatValue(value); ok {
		enc.AddField(key, v)
	}
}
