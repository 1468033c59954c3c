package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wtthornton/ha-ingestor/pkg/influx"
	"github.com/wtthornton/ha-ingestor/pkg/metrics"
)

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.IncEventsReceived()
	m.AddRecordsWritten(100)

	s := NewServer(activeStats(), &fakeWriter{stats: influx.Stats{Healthy: true}}, m)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "ha_ingestor_events_received_total 1")
	assert.Contains(t, body, "ha_ingestor_records_written_total 100")
	assert.Contains(t, body, "ha_ingestor_batches_written_total 1")
}

func TestMetricsEndpointWithoutRegistry(t *testing.T) {
	s := NewServer(activeStats(), &fakeWriter{stats: influx.Stats{Healthy: true}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}
