package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wtthornton/ha-ingestor/pkg/metrics"
)

// SessionRunner is one connection attempt. Run blocks until the session
// ends and reports how long it was active.
type SessionRunner interface {
	Run(ctx context.Context) (time.Duration, error)
}

// SessionFactory builds a fresh runner per attempt. Sessions are single-use
// so correlation ids and subscriptions start clean after a reconnect.
type SessionFactory func() SessionRunner

// SupervisorConfig controls the retry policy.
type SupervisorConfig struct {
	// MaxRetries caps consecutive failed attempts; negative means retry
	// forever.
	MaxRetries int

	Backoff Backoff

	// SuccessThreshold is how long a session must stay active for the
	// backoff to reset.
	SuccessThreshold time.Duration

	// AuthRetryFloor is the minimum delay after the hub rejects the token,
	// so a revoked credential does not produce a tight retry loop.
	AuthRetryFloor time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = time.Minute
	}
	if c.AuthRetryFloor <= 0 {
		c.AuthRetryFloor = time.Minute
	}
	return c
}

// Supervisor keeps exactly one session alive, reconnecting with exponential
// backoff whenever the current one ends.
type Supervisor struct {
	cfg     SupervisorConfig
	factory SessionFactory
	stats   *Stats
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSupervisor creates a supervisor over the given session factory.
func NewSupervisor(cfg SupervisorConfig, factory SessionFactory, stats *Stats, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		factory: factory,
		stats:   stats,
		metrics: m,
		logger:  slog.With("component", "hub.supervisor"),
	}
}

// Run loops until ctx is cancelled or the retry budget is spent. A
// cancellation is a graceful stop and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	consecutive := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.stats.RecordAttempt()
		activeFor, err := s.factory().Run(ctx)
		if activeFor > 0 {
			s.stats.RecordSuccess()
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Sessions only end cleanly on cancellation; anything else
			// is an abnormal close without a cause.
			err = errors.New("session ended unexpectedly")
		}

		s.stats.RecordFailure(Classify(err))
		if errors.Is(err, ErrAuthFailed) {
			s.metrics.IncAuthFailures()
		}

		if activeFor >= s.cfg.SuccessThreshold {
			consecutive = 0
		}
		consecutive++
		if s.cfg.MaxRetries >= 0 && consecutive > s.cfg.MaxRetries {
			return fmt.Errorf("giving up after %d consecutive failures: %w", consecutive, err)
		}

		delay := s.cfg.Backoff.Delay(consecutive)
		if errors.Is(err, ErrAuthFailed) && delay < s.cfg.AuthRetryFloor {
			delay = s.cfg.AuthRetryFloor
		}

		s.metrics.IncReconnects()
		s.logger.Warn("Session ended, reconnecting",
			"error", err,
			"consecutive_failures", consecutive,
			"active_for", activeFor,
			"retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
