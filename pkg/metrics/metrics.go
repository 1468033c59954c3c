// Package metrics exposes Prometheus collectors for the ingestion pipeline
// and a rolling per-minute event rate used by the health surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is safe
// to pass to components; all methods are nil-guarded so tests can omit it.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived  prometheus.Counter
	EventsRejected  *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	RecordsWritten  prometheus.Counter
	BatchesWritten  prometheus.Counter
	RecordsRejected prometheus.Counter
	RecordsDropped  prometheus.Counter
	WriteRetries    prometheus.Counter
	Reconnects      prometheus.Counter
	AuthFailures    prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ha_ingestor_events_received_total",
			Help: "State-change event frames received from the hub.",
		}),
		EventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ha_ingestor_events_rejected_total",
			Help: "Events rejected during validation, by reason.",
		}, []string{"reason"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ha_ingestor_events_dropped_total",
			Help: "Non-state_changed event frames dropped without processing.",
		}),
		RecordsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "ha_ingestor_records_written_total",
			Help: "Normalized records acknowledged by the time-series store.",
		}),
		BatchesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "ha_ingestor_batches_written_total",
			Help: "Batches acknowledged by the time-series store.",
		}),
		RecordsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "ha_ingestor_records_rejected_total",
			Help: "Records dropped due to schema conflicts at write time.",
		}),
		RecordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ha_ingestor_records_dropped_total",
			Help: "Records dropped due to buffer overflow or shutdown deadline.",
		}),
		WriteRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ha_ingestor_write_retries_total",
			Help: "Retried batch writes after transient store failures.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ha_ingestor_reconnects_total",
			Help: "Session reconnect attempts performed by the supervisor.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ha_ingestor_auth_failures_total",
			Help: "Sessions terminated by the hub rejecting the access token.",
		}),
	}
}

// Registry returns the underlying registry for HTTP exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncEventsReceived increments the received-events counter.
func (m *Metrics) IncEventsReceived() {
	if m != nil {
		m.EventsReceived.Inc()
	}
}

// IncEventsRejected increments the rejected-events counter for a reason.
func (m *Metrics) IncEventsRejected(reason string) {
	if m != nil {
		m.EventsRejected.WithLabelValues(reason).Inc()
	}
}

// IncEventsDropped increments the dropped-events counter.
func (m *Metrics) IncEventsDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

// AddRecordsWritten records an acknowledged batch of n records.
func (m *Metrics) AddRecordsWritten(n int) {
	if m != nil {
		m.RecordsWritten.Add(float64(n))
		m.BatchesWritten.Inc()
	}
}

// AddRecordsRejected records n records dropped on schema conflict.
func (m *Metrics) AddRecordsRejected(n int) {
	if m != nil {
		m.RecordsRejected.Add(float64(n))
	}
}

// AddRecordsDropped records n records lost to overflow or shutdown.
func (m *Metrics) AddRecordsDropped(n int) {
	if m != nil {
		m.RecordsDropped.Add(float64(n))
	}
}

// IncWriteRetries increments the write-retry counter.
func (m *Metrics) IncWriteRetries() {
	if m != nil {
		m.WriteRetries.Inc()
	}
}

// IncReconnects increments the reconnect counter.
func (m *Metrics) IncReconnects() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

// IncAuthFailures increments the auth-failure counter.
func (m *Metrics) IncAuthFailures() {
	if m != nil {
		m.AuthFailures.Inc()
	}
}
