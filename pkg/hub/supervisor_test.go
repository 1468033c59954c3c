package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner replays a fixed sequence of session outcomes and records
// when each attempt started.
type scriptedRunner struct {
	mu       sync.Mutex
	script   []sessionOutcome
	calls    int
	startsAt []time.Time
}

type sessionOutcome struct {
	active time.Duration
	err    error
}

func (r *scriptedRunner) Run(ctx context.Context) (time.Duration, error) {
	r.mu.Lock()
	r.startsAt = append(r.startsAt, time.Now())
	i := r.calls
	r.calls++
	r.mu.Unlock()
	if i >= len(r.script) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	out := r.script[i]
	return out.active, out.err
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *scriptedRunner) starts() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.startsAt...)
}

var errConnReset = errors.New("connection reset")

func TestSupervisorGivesUpAfterMaxRetries(t *testing.T) {
	runner := &scriptedRunner{script: []sessionOutcome{
		{0, errConnReset}, {0, errConnReset}, {0, errConnReset}, {0, errConnReset},
	}}
	stats := NewStats()
	sup := NewSupervisor(SupervisorConfig{
		MaxRetries: 2,
		Backoff:    Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
	}, func() SessionRunner { return runner }, stats, nil)

	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errConnReset)
	assert.Equal(t, 3, runner.callCount())

	snap := stats.Snapshot()
	assert.Equal(t, int64(3), snap.Attempts)
	assert.Equal(t, int64(3), snap.Failed)
	assert.Equal(t, "network_error", snap.LastError)
}

func TestSupervisorRetriesForever(t *testing.T) {
	var calls atomic.Int32
	factory := func() SessionRunner {
		return runnerFunc(func(ctx context.Context) (time.Duration, error) {
			calls.Add(1)
			return 0, errConnReset
		})
	}
	sup := NewSupervisor(SupervisorConfig{
		MaxRetries: -1,
		Backoff:    Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
	}, factory, NewStats(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := sup.Run(ctx)

	assert.NoError(t, err)
	assert.Greater(t, calls.Load(), int32(10))
}

func TestSupervisorBackoffResetsAfterStableSession(t *testing.T) {
	base := 60 * time.Millisecond
	runner := &scriptedRunner{script: []sessionOutcome{
		{0, errConnReset},                   // delay base
		{0, errConnReset},                   // delay 2*base
		{10 * time.Millisecond, errConnReset}, // stable; delay resets to base
		{0, errConnReset},
	}}
	sup := NewSupervisor(SupervisorConfig{
		MaxRetries:       -1,
		Backoff:          Backoff{Base: base, Max: 10 * base},
		SuccessThreshold: 5 * time.Millisecond,
	}, func() SessionRunner { return runner }, NewStats(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sup.Run(ctx)
	}()

	waitFor(t, 3*time.Second, func() bool { return runner.callCount() >= 4 })
	cancel()
	<-done

	starts := runner.starts()
	require.GreaterOrEqual(t, len(starts), 4)
	// Second failure backs off 2*base; the stable third session resets the
	// counter so the fourth delay is back near base.
	gapAfterSecond := starts[2].Sub(starts[1])
	gapAfterStable := starts[3].Sub(starts[2])
	assert.GreaterOrEqual(t, gapAfterSecond, 2*base)
	assert.Less(t, gapAfterStable, 2*base)
	assert.GreaterOrEqual(t, gapAfterStable, base)
}

func TestSupervisorAuthFailureFloor(t *testing.T) {
	var calls atomic.Int32
	factory := func() SessionRunner {
		return runnerFunc(func(ctx context.Context) (time.Duration, error) {
			calls.Add(1)
			return 0, ErrAuthFailed
		})
	}
	sup := NewSupervisor(SupervisorConfig{
		MaxRetries:     -1,
		Backoff:        Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
		AuthRetryFloor: time.Minute,
	}, factory, NewStats(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, sup.Run(ctx))

	// The floor keeps the cadence slow despite the tiny backoff base.
	assert.Equal(t, int32(1), calls.Load())
}

func TestSupervisorStopsOnCancelDuringBackoff(t *testing.T) {
	runner := &scriptedRunner{script: []sessionOutcome{{0, errConnReset}}}
	sup := NewSupervisor(SupervisorConfig{
		MaxRetries: -1,
		Backoff:    Backoff{Base: time.Hour, Max: time.Hour},
	}, func() SessionRunner { return runner }, NewStats(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return runner.callCount() == 1 })
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop on cancel")
	}
}

func TestSupervisorReconnectsThroughHubRestart(t *testing.T) {
	var conns atomic.Int32
	url := newFakeHub(t, func(c *hubConn) {
		n := conns.Add(1)
		if !c.handshake() {
			return
		}
		c.acceptSubscribe()
		if n == 1 {
			// Simulate a hub restart right after the session goes active.
			return
		}
		c.serve()
	})

	stats := NewStats()
	factory := func() SessionRunner {
		return NewSession(testSessionConfig(url), nil, nil, stats, nil)
	}
	sup := NewSupervisor(SupervisorConfig{
		MaxRetries: -1,
		Backoff:    Backoff{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond},
	}, factory, stats, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		snap := stats.Snapshot()
		return snap.Attempts >= 2 && snap.State == string(StateActive)
	})

	snap := stats.Snapshot()
	assert.GreaterOrEqual(t, snap.Successful, int64(2))
	assert.GreaterOrEqual(t, snap.Failed, int64(1))

	cancel()
	require.NoError(t, <-done)
}

// runnerFunc adapts a function to SessionRunner.
type runnerFunc func(ctx context.Context) (time.Duration, error)

func (f runnerFunc) Run(ctx context.Context) (time.Duration, error) { return f(ctx) }
