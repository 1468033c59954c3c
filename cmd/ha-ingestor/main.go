// ha-ingestor subscribes to a Home Assistant hub's state_changed events,
// normalizes them, and batches them into a time-series store. It also runs
// device/entity registry discovery and serves a health endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wtthornton/ha-ingestor/pkg/api"
	"github.com/wtthornton/ha-ingestor/pkg/clock"
	"github.com/wtthornton/ha-ingestor/pkg/config"
	"github.com/wtthornton/ha-ingestor/pkg/discovery"
	"github.com/wtthornton/ha-ingestor/pkg/hub"
	"github.com/wtthornton/ha-ingestor/pkg/influx"
	"github.com/wtthornton/ha-ingestor/pkg/ingest"
	"github.com/wtthornton/ha-ingestor/pkg/metadata"
	"github.com/wtthornton/ha-ingestor/pkg/metrics"
	"github.com/wtthornton/ha-ingestor/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting ha-ingestor",
		"version", version.Full(),
		"hub_url", cfg.HubURL,
		"health_port", cfg.HealthPort)

	m := metrics.New()
	registry := ingest.NewRegistryCache()
	durations := ingest.NewDurationTracker()
	normalizer := ingest.NewNormalizer(clock.Real{}, registry, durations, cfg.MaxClockSkew, m)

	writer := influx.NewWriter(influx.StoreConfig{
		URL:         cfg.StoreURL,
		Token:       cfg.StoreToken,
		Org:         cfg.StoreOrg,
		Bucket:      cfg.StoreBucket,
		Measurement: cfg.StoreMeasurement,
	}, influx.WriterConfig{
		BatchSize:      cfg.BatchSize,
		BatchTimeout:   cfg.BatchTimeout,
		BufferCapacity: cfg.BufferCapacity,
		HighWater:      cfg.BufferHighWater,
	}, m)
	writer.Start()

	meta := metadata.NewClient(metadata.ClientConfig{URL: cfg.MetadataURL})
	discoverer := discovery.NewTask(discovery.TaskConfig{}, meta, registry)

	// Event path: session read loop -> normalizer -> batch writer.
	handler := func(event json.RawMessage) {
		env, err := ingest.ParseEnvelope(event)
		if err != nil {
			slog.Debug("Unparsable event payload", "error", err)
			return
		}
		rec, err := normalizer.Normalize(env)
		if err != nil {
			slog.Debug("Rejected event", "error", err)
			return
		}
		if rec == nil {
			return
		}
		if err := writer.Append(rec); err != nil {
			if !errors.Is(err, influx.ErrBufferFull) {
				slog.Warn("Could not buffer record", "error", err)
			}
		}
	}

	connStats := hub.NewStats()
	sessionCfg := hub.SessionConfig{
		URL:            cfg.HubURL,
		Token:          cfg.HubToken,
		PingInterval:   cfg.PingInterval,
		SilenceTimeout: cfg.SilenceTimeout,
	}
	onActive := func(ctx context.Context, s *hub.Session) {
		discoverer.Run(ctx, s)
	}
	supervisor := hub.NewSupervisor(hub.SupervisorConfig{
		MaxRetries: cfg.MaxRetries,
		Backoff:    hub.Backoff{Base: time.Second, Max: cfg.MaxRetryDelay},
	}, func() hub.SessionRunner {
		return hub.NewSession(sessionCfg, handler, onActive, connStats, m)
	}, connStats, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supDone := make(chan error, 1)
	go func() {
		supDone <- supervisor.Run(ctx)
	}()

	httpServer := api.NewServer(connStats, writer, m)
	httpErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HealthPort)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			httpErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	supFinished := false
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-supDone:
		supFinished = true
		if err != nil {
			slog.Error("Supervisor gave up", "error", err)
			exitCode = 1
		}
	case <-httpErr:
		exitCode = 1
	}

	// Stop the session first so no new records arrive, then flush the
	// writer, then close the HTTP surface.
	cancel()
	if !supFinished {
		select {
		case <-supDone:
		case <-time.After(5 * time.Second):
			slog.Warn("Session did not close in time")
		}
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := writer.Close(flushCtx); err != nil {
		slog.Warn("Writer closed with unflushed records", "error", err)
	}
	flushCancel()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("Shutdown complete")
	os.Exit(exitCode)
}
