package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/wtthornton/ha-ingestor/pkg/metrics"
	"github.com/wtthornton/ha-ingestor/pkg/version"
)

// SessionConfig carries everything one session needs to connect, handshake,
// and stay alive.
type SessionConfig struct {
	URL   string
	Token string

	PingInterval   time.Duration
	SilenceTimeout time.Duration

	ConnectTimeout   time.Duration
	AuthTimeout      time.Duration
	SubscribeTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration

	// MaxConsecutiveMalformed terminates the session once this many frames
	// in a row fail to decode.
	MaxConsecutiveMalformed int

	// EventBuffer sizes the channel between the read loop and the event
	// handler goroutine.
	EventBuffer int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 90 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 5 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxConsecutiveMalformed <= 0 {
		c.MaxConsecutiveMalformed = 10
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

// Session is one WebSocket connection to the hub, from dial through auth and
// subscription to teardown. Sessions are single-use; the supervisor creates
// a fresh one per attempt.
type Session struct {
	cfg      SessionConfig
	handler  EventHandler
	onActive func(ctx context.Context, s *Session)
	stats    *Stats
	metrics  *metrics.Metrics
	logger   *slog.Logger

	codec codec
	subs  *SubscriptionManager
	conn  *websocket.Conn

	writeCh chan []byte
	eventCh chan *frame

	pendingMu sync.Mutex
	pending   map[int64]chan *frame
	closed    bool
}

// NewSession builds a session. handler receives the payload of every
// state_changed event; onActive, if set, runs in its own goroutine once the
// subscription is confirmed and is used for registry discovery.
func NewSession(cfg SessionConfig, handler EventHandler, onActive func(ctx context.Context, s *Session), stats *Stats, m *metrics.Metrics) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:      cfg,
		handler:  handler,
		onActive: onActive,
		stats:    stats,
		metrics:  m,
		logger:   slog.With("component", "hub.session", "session_id", uuid.NewString()[:8]),
		subs:     NewSubscriptionManager(),
		writeCh:  make(chan []byte, 16),
		eventCh:  make(chan *frame, cfg.EventBuffer),
		pending:  make(map[int64]chan *frame),
	}
}

// Run drives the session to completion. It returns how long the session was
// active (zero if it never got there) and the error that ended it. A nil
// error means the parent context was cancelled and the session closed
// gracefully.
func (s *Session) Run(ctx context.Context) (time.Duration, error) {
	s.stats.SetState(StateConnecting)
	s.logger.Info("Connecting to hub", "url", s.cfg.URL)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.cfg.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{version.Full()}},
	})
	cancel()
	if err != nil {
		s.stats.SetState(StateClosed)
		return 0, fmt.Errorf("dialing hub: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	s.conn = conn
	defer conn.CloseNow()

	s.stats.SetState(StateAuthenticating)
	if err := s.authenticate(ctx); err != nil {
		s.stats.SetState(StateClosed)
		return 0, err
	}

	// Loop lifetime is owned by this function, not the parent context, so
	// a graceful unsubscribe can still use the socket after ctx is done.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	errCh := make(chan error, 4)
	var wg sync.WaitGroup

	wg.Add(3)
	go s.writeLoop(runCtx, &wg, errCh)
	go s.readLoop(runCtx, &wg, errCh)
	go s.handleLoop(runCtx, &wg)

	s.stats.SetState(StateSubscribing)
	subID, err := s.subscribe(ctx)
	if err != nil {
		cancelRun()
		conn.CloseNow()
		s.failPending()
		wg.Wait()
		s.stats.SetState(StateClosed)
		return 0, err
	}

	s.stats.SetState(StateActive)
	s.stats.SetSubscribed(true)
	activeAt := time.Now()
	s.logger.Info("Session active", "subscription_id", subID)

	wg.Add(1)
	go s.pingLoop(runCtx, &wg, errCh)

	if s.onActive != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.onActive(runCtx, s)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.shutdown(subID)
	case runErr = <-errCh:
		s.logger.Warn("Session terminated", "error", runErr)
	}

	cancelRun()
	conn.CloseNow()
	s.failPending()
	wg.Wait()
	s.stats.SetSubscribed(false)
	s.stats.SetState(StateClosed)
	return time.Since(activeAt), runErr
}

// authenticate performs the sequential auth handshake before any loops run.
func (s *Session) authenticate(ctx context.Context) error {
	first, err := s.readFrameTimeout(ctx, s.cfg.AuthTimeout)
	if err != nil {
		return fmt.Errorf("waiting for auth challenge: %w", err)
	}
	if first.Type != msgTypeAuthRequired {
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformedFrame, msgTypeAuthRequired, first.Type)
	}

	data, err := s.codec.Encode(request{Type: msgTypeAuth, AccessToken: s.cfg.Token})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	err = s.conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	reply, err := s.readFrameTimeout(ctx, s.cfg.AuthTimeout)
	if err != nil {
		return fmt.Errorf("waiting for auth result: %w", err)
	}
	switch reply.Type {
	case msgTypeAuthOK:
		s.logger.Info("Authenticated", "hub_version", reply.HAVersion)
		return nil
	case msgTypeAuthInvalid:
		return fmt.Errorf("%w: %s", ErrAuthFailed, reply.Message)
	default:
		return fmt.Errorf("%w: unexpected auth reply %s", ErrMalformedFrame, reply.Type)
	}
}

func (s *Session) readFrameTimeout(ctx context.Context, timeout time.Duration) (*frame, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, data, err := s.conn.Read(readCtx)
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(data)
}

// subscribe registers the state_changed handler and confirms it with the hub.
func (s *Session) subscribe(ctx context.Context) (int64, error) {
	id := s.codec.NextID()
	s.subs.Subscribe(id, s.onEvent)

	_, err := s.call(ctx, request{ID: id, Type: msgTypeSubscribeEvents, EventType: eventTypeStateChanged}, s.cfg.SubscribeTimeout)
	if err != nil {
		s.subs.Cancel(id)
		if errors.Is(err, ErrSessionClosed) || ctx.Err() != nil {
			return 0, fmt.Errorf("subscribing to events: %w", err)
		}
		return 0, fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
	}
	return id, nil
}

func (s *Session) onEvent(event json.RawMessage) {
	s.stats.RecordEvent()
	s.metrics.IncEventsReceived()
	if s.handler != nil {
		s.handler(event)
	}
}

// Call sends a typed request and waits for its result payload. Used by the
// discovery task for registry list commands; the caller bounds ctx.
func (s *Session) Call(ctx context.Context, msgType string) (json.RawMessage, error) {
	f, err := s.call(ctx, request{Type: msgType}, 0)
	if err != nil {
		return nil, err
	}
	return f.Result, nil
}

// call issues a correlated request and blocks for the matching reply. A zero
// timeout defers entirely to ctx.
func (s *Session) call(ctx context.Context, req request, timeout time.Duration) (*frame, error) {
	if req.ID == 0 {
		req.ID = s.codec.NextID()
	}
	data, err := s.codec.Encode(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *frame, 1)
	s.pendingMu.Lock()
	if s.closed {
		s.pendingMu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending[req.ID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, req.ID)
		s.pendingMu.Unlock()
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case s.writeCh <- data:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case f := <-ch:
		if f == nil {
			return nil, ErrSessionClosed
		}
		if f.Type == msgTypeResult && f.Success != nil && !*f.Success {
			if f.Error != nil {
				return nil, fmt.Errorf("%s failed: %s (%s)", req.Type, f.Error.Message, f.Error.Code)
			}
			return nil, fmt.Errorf("%s failed", req.Type)
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) writeLoop(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-s.writeCh:
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.sendErr(errCh, fmt.Errorf("writing frame: %w", err))
				}
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()
	malformed := 0
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.SilenceTimeout)
		_, data, err := s.conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if readCtx.Err() != nil {
				s.sendErr(errCh, fmt.Errorf("%w after %s", ErrSilenceTimeout, s.cfg.SilenceTimeout))
			} else {
				s.sendErr(errCh, fmt.Errorf("reading frame: %w", err))
			}
			return
		}

		f, err := s.codec.Decode(data)
		if err != nil {
			malformed++
			s.logger.Debug("Dropping malformed frame", "error", err, "consecutive", malformed)
			if malformed >= s.cfg.MaxConsecutiveMalformed {
				s.sendErr(errCh, fmt.Errorf("%w: %d in a row", ErrTooManyMalformed, malformed))
				return
			}
			continue
		}
		malformed = 0

		switch f.Type {
		case msgTypeResult, msgTypePong:
			s.deliverReply(f)
		case msgTypeEvent:
			select {
			case s.eventCh <- f:
			case <-ctx.Done():
				return
			}
		default:
			s.logger.Debug("Ignoring unexpected frame", "type", f.Type, "id", f.ID)
		}
	}
}

func (s *Session) handleLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.eventCh:
			if !s.subs.Dispatch(f.ID, f.Event) {
				s.logger.Debug("Event for unknown subscription", "id", f.ID)
			}
		}
	}
}

func (s *Session) pingLoop(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.call(ctx, request{Type: msgTypePing}, s.cfg.PingTimeout); err != nil {
				if ctx.Err() == nil {
					s.sendErr(errCh, fmt.Errorf("%w: %v", ErrPingTimeout, err))
				}
				return
			}
		}
	}
}

// deliverReply routes a result or pong to the waiting caller. Replies with
// no waiter, including duplicates for an already-answered id, are ignored.
func (s *Session) deliverReply(f *frame) {
	s.pendingMu.Lock()
	ch, ok := s.pending[f.ID]
	if ok {
		delete(s.pending, f.ID)
	}
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Debug("Reply with unmatched correlation id", "id", f.ID, "type", f.Type)
		return
	}
	ch <- f
}

// failPending unblocks every in-flight call after the loops stop.
func (s *Session) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// shutdown performs a best-effort graceful close: cancel the subscription,
// then send a normal closure. Failures are ignored since the process is
// exiting either way.
func (s *Session) shutdown(subID int64) {
	s.logger.Info("Closing session")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = s.call(ctx, request{Type: msgTypeUnsubscribeEvents, Subscription: subID}, 0)
	s.subs.Cancel(subID)
	_ = s.conn.Close(websocket.StatusNormalClosure, "shutting down")
}

func (s *Session) sendErr(errCh chan<- error, err error) {
	select {
	case errCh <- err:
	default:
	}
}
