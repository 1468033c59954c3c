package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/wtthornton/ha-ingestor/pkg/hub"
	"github.com/wtthornton/ha-ingestor/pkg/influx"
	"github.com/wtthornton/ha-ingestor/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// ConnectionStatus describes the hub connection in the health payload.
type ConnectionStatus struct {
	IsRunning   bool      `json:"is_running"`
	State       string    `json:"state"`
	Attempts    int64     `json:"attempts"`
	Successful  int64     `json:"successful"`
	Failed      int64     `json:"failed"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitzero"`
}

// SubscriptionStatus describes the event subscription in the health payload.
type SubscriptionStatus struct {
	IsSubscribed        bool  `json:"is_subscribed"`
	TotalEventsReceived int64 `json:"total_events_received"`
	EventRatePerMinute  int64 `json:"event_rate_per_minute"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Connection    ConnectionStatus   `json:"connection"`
	Subscription  SubscriptionStatus `json:"subscription"`
	Writer        influx.Stats       `json:"writer"`
}

// healthHandler handles GET /health.
// The response is safe for unauthenticated access: counters and states only,
// no tokens or URLs. Status is binary: healthy requires an active subscribed
// session and a writer that has not latched unhealthy; anything less is
// unhealthy with a 503, so orchestrator probes catch a dead session even
// while the supervisor is still retrying.
func (s *Server) healthHandler(c *echo.Context) error {
	conn := s.conn.Snapshot()
	writer := s.writer.Snapshot()

	running := conn.State == string(hub.StateActive)
	status := healthStatusHealthy
	if !running || !conn.Subscribed || !writer.Healthy {
		status = healthStatusUnhealthy
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:        status,
		Version:       version.GitCommit,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Connection: ConnectionStatus{
			IsRunning:   running,
			State:       conn.State,
			Attempts:    conn.Attempts,
			Successful:  conn.Successful,
			Failed:      conn.Failed,
			LastError:   conn.LastError,
			LastErrorAt: conn.LastErrorAt,
		},
		Subscription: SubscriptionStatus{
			IsSubscribed:        conn.Subscribed,
			TotalEventsReceived: conn.EventsReceived,
			EventRatePerMinute:  conn.EventsPerMinute,
		},
		Writer: writer,
	})
}
