// Package api exposes the service's HTTP surface: the health endpoint used
// by orchestrators and the Prometheus metrics endpoint.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wtthornton/ha-ingestor/pkg/hub"
	"github.com/wtthornton/ha-ingestor/pkg/influx"
	"github.com/wtthornton/ha-ingestor/pkg/metrics"
)

// WriterStats is the slice of the batch writer the health surface reads.
type WriterStats interface {
	Snapshot() influx.Stats
	Healthy() bool
}

// Server serves the health and metrics endpoints.
type Server struct {
	echo      *echo.Echo
	srv       *http.Server
	startedAt time.Time

	conn    *hub.Stats
	writer  WriterStats
	metrics *metrics.Metrics
}

// NewServer wires the routes. conn and writer may not be nil; metrics may be,
// in which case /metrics serves an empty registry response.
func NewServer(conn *hub.Stats, writer WriterStats, m *metrics.Metrics) *Server {
	s := &Server{
		echo:      echo.New(),
		startedAt: time.Now(),
		conn:      conn,
		writer:    writer,
		metrics:   m,
	}
	s.echo.Use(securityHeaders())
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", s.metricsHandler)
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) metricsHandler(c *echo.Context) error {
	reg := s.metrics.Registry()
	if reg == nil {
		return c.NoContent(http.StatusNoContent)
	}
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(c.Response(), c.Request())
	return nil
}
