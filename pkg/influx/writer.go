package influx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wtthornton/ha-ingestor/pkg/ingest"
	"github.com/wtthornton/ha-ingestor/pkg/metrics"
	"github.com/wtthornton/ha-ingestor/pkg/version"
)

// StoreConfig identifies the time-series store write endpoint.
type StoreConfig struct {
	URL         string // base URL, e.g. http://influx:8086
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// WriterConfig tunes buffering and flush behavior.
type WriterConfig struct {
	// BatchSize triggers a flush when the buffer reaches this many records.
	BatchSize int
	// BatchTimeout triggers a flush this long after the oldest buffered record.
	BatchTimeout time.Duration
	// BufferCapacity is the hard cap on buffered records.
	BufferCapacity int
	// HighWater is the occupancy at which Append starts blocking.
	HighWater int
	// MaxRetriesPerBatch bounds retries of transient store failures.
	MaxRetriesPerBatch int
	// RetryBaseDelay is the first retry delay (doubles per attempt).
	RetryBaseDelay time.Duration
	// AppendWait bounds how long Append blocks above the high-water mark.
	AppendWait time.Duration
	// FlushTimeout bounds a single write call to the store.
	FlushTimeout time.Duration
}

func (c *WriterConfig) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 10_000
	}
	if c.HighWater <= 0 || c.HighWater > c.BufferCapacity {
		c.HighWater = c.BufferCapacity * 3 / 4
	}
	if c.MaxRetriesPerBatch <= 0 {
		c.MaxRetriesPerBatch = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.AppendWait <= 0 {
		c.AppendWait = 2 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
}

// Stats is a point-in-time snapshot of writer counters for the health surface.
type Stats struct {
	RecordsWritten  int64     `json:"records"`
	BatchesWritten  int64     `json:"batches"`
	RecordsRejected int64     `json:"records_rejected"`
	RecordsDropped  int64     `json:"records_dropped"`
	Retries         int64     `json:"retries"`
	Buffered        int       `json:"buffered"`
	Healthy         bool      `json:"healthy"`
	LastWrite       time.Time `json:"last_write,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at,omitempty"`
}

// Writer buffers normalized records and flushes them to the store from a
// single internal worker. Producers call Append; flushes happen on size,
// deadline, or explicit request. There is never more than one flush in
// flight, so batch ordering follows append order.
type Writer struct {
	cfg     WriterConfig
	store   StoreConfig
	client  *http.Client
	metrics *metrics.Metrics

	mu      sync.Mutex
	buf     []ingest.Record
	oldest  time.Time
	fatal   bool
	closed  bool
	spaceCh chan struct{} // closed and replaced when buffer space frees up

	nudgeCh    chan struct{}
	flushReqCh chan chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	recordsWritten  atomic.Int64
	batchesWritten  atomic.Int64
	recordsRejected atomic.Int64
	recordsDropped  atomic.Int64
	retries         atomic.Int64

	statsMu     sync.Mutex
	lastWrite   time.Time
	lastError   string
	lastErrorAt time.Time
}

// NewWriter creates a writer. m may be nil (prometheus disabled).
func NewWriter(store StoreConfig, cfg WriterConfig, m *metrics.Metrics) *Writer {
	cfg.withDefaults()
	return &Writer{
		cfg:        cfg,
		store:      store,
		client:     &http.Client{Timeout: cfg.FlushTimeout},
		metrics:    m,
		buf:        make([]ingest.Record, 0, cfg.BatchSize),
		nudgeCh:    make(chan struct{}, 1),
		flushReqCh: make(chan chan struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the flush worker.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// Append adds a record to the buffer. Below the high-water mark it returns
// immediately; between high water and capacity it blocks up to AppendWait
// for the worker to drain; at capacity it fails with ErrBufferFull and the
// record is counted as dropped.
func (w *Writer) Append(rec *ingest.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if w.fatal {
		return ErrWriterUnhealthy
	}

	if len(w.buf) >= w.cfg.HighWater {
		w.waitForSpaceLocked()
		if w.closed {
			return ErrWriterClosed
		}
		if w.fatal {
			return ErrWriterUnhealthy
		}
		if len(w.buf) >= w.cfg.BufferCapacity {
			w.recordsDropped.Add(1)
			w.metrics.AddRecordsDropped(1)
			return ErrBufferFull
		}
	}

	if len(w.buf) == 0 {
		w.oldest = time.Now()
		w.nudge() // re-arm the worker's deadline timer
	}
	w.buf = append(w.buf, *rec)
	if len(w.buf) >= w.cfg.BatchSize {
		w.nudge()
	}
	return nil
}

// waitForSpaceLocked blocks (releasing the mutex) until occupancy drops
// below the high-water mark or the bounded wait expires.
func (w *Writer) waitForSpaceLocked() {
	deadline := time.Now().Add(w.cfg.AppendWait)
	for len(w.buf) >= w.cfg.HighWater && !w.closed && !w.fatal {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if w.spaceCh == nil {
			w.spaceCh = make(chan struct{})
		}
		ch := w.spaceCh

		w.mu.Unlock()
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
		w.mu.Lock()
	}
}

func (w *Writer) nudge() {
	select {
	case w.nudgeCh <- struct{}{}:
	default:
	}
}

// Flush synchronously drains the buffer, bounded by ctx. Used on shutdown.
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case w.flushReqCh <- done:
	case <-w.stopCh:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes with the given context, then stops the worker. Records
// still buffered when the context expires are dropped with a counter
// increment.
func (w *Writer) Close(ctx context.Context) error {
	flushErr := w.Flush(ctx)

	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()

	w.mu.Lock()
	w.closed = true
	remaining := len(w.buf)
	w.buf = nil
	w.signalSpaceLocked()
	w.mu.Unlock()

	if remaining > 0 {
		w.recordsDropped.Add(int64(remaining))
		w.metrics.AddRecordsDropped(remaining)
		slog.Warn("Dropped buffered records at shutdown", "count", remaining)
	}
	return flushErr
}

// Reset clears the fatal latch so the writer accepts records again.
func (w *Writer) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fatal = false
}

// Healthy reports whether the writer is accepting records.
func (w *Writer) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.fatal && !w.closed
}

// Snapshot returns current counters.
func (w *Writer) Snapshot() Stats {
	w.mu.Lock()
	buffered := len(w.buf)
	healthy := !w.fatal && !w.closed
	w.mu.Unlock()

	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return Stats{
		RecordsWritten:  w.recordsWritten.Load(),
		BatchesWritten:  w.batchesWritten.Load(),
		RecordsRejected: w.recordsRejected.Load(),
		RecordsDropped:  w.recordsDropped.Load(),
		Retries:         w.retries.Load(),
		Buffered:        buffered,
		Healthy:         healthy,
		LastWrite:       w.lastWrite,
		LastError:       w.lastError,
		LastErrorAt:     w.lastErrorAt,
	}
}

// run is the single flush worker: it reacts to size nudges, deadline
// expiry, explicit flush requests, and shutdown.
func (w *Writer) run() {
	defer w.wg.Done()

	timer := time.NewTimer(w.cfg.BatchTimeout)
	defer timer.Stop()

	for {
		w.mu.Lock()
		wait := w.cfg.BatchTimeout
		if len(w.buf) > 0 {
			wait = time.Until(w.oldest.Add(w.cfg.BatchTimeout))
			if wait < 0 {
				wait = 0
			}
		}
		w.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-w.stopCh:
			return
		case done := <-w.flushReqCh:
			w.drain()
			close(done)
		case <-w.nudgeCh:
			w.flushIfReady(false)
		case <-timer.C:
			w.flushIfReady(true)
		}
	}
}

// flushIfReady takes the whole buffer and writes it when a flush trigger
// has fired: size threshold, or deadline when timerFired is set.
func (w *Writer) flushIfReady(timerFired bool) {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	deadlinePassed := timerFired && !time.Now().Before(w.oldest.Add(w.cfg.BatchTimeout))
	if len(w.buf) < w.cfg.BatchSize && !deadlinePassed {
		w.mu.Unlock()
		return
	}
	batch := w.takeBatchLocked()
	w.mu.Unlock()

	w.writeBatch(batch)
}

// drain flushes until the buffer is empty.
func (w *Writer) drain() {
	for {
		w.mu.Lock()
		if len(w.buf) == 0 || w.fatal {
			w.mu.Unlock()
			return
		}
		batch := w.takeBatchLocked()
		w.mu.Unlock()

		w.writeBatch(batch)
	}
}

func (w *Writer) takeBatchLocked() []ingest.Record {
	batch := w.buf
	w.buf = make([]ingest.Record, 0, w.cfg.BatchSize)
	w.signalSpaceLocked()
	return batch
}

func (w *Writer) signalSpaceLocked() {
	if w.spaceCh != nil {
		close(w.spaceCh)
		w.spaceCh = nil
	}
}

// writeBatch writes one batch with retries, conflict splitting, and fatal
// classification. It never returns an error to the worker loop; terminal
// outcomes are recorded in counters and the last-error slot.
func (w *Writer) writeBatch(recs []ingest.Record) {
	if len(recs) == 0 {
		return
	}

	body, kept, skipped := encodeBatch(w.store.Measurement, recs)
	if n := len(skipped); n > 0 {
		w.recordsRejected.Add(int64(n))
		w.metrics.AddRecordsRejected(n)
	}
	if len(kept) == 0 {
		return
	}

	delay := w.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		werr := w.writeOnce(body)
		if werr == nil {
			w.recordsWritten.Add(int64(len(kept)))
			w.batchesWritten.Add(1)
			w.metrics.AddRecordsWritten(len(kept))
			w.statsMu.Lock()
			w.lastWrite = time.Now()
			w.statsMu.Unlock()
			return
		}

		switch werr.kind {
		case errRetryable:
			if attempt >= w.cfg.MaxRetriesPerBatch {
				w.recordFailure(werr)
				w.recordsDropped.Add(int64(len(kept)))
				w.metrics.AddRecordsDropped(len(kept))
				slog.Error("Batch dropped after exhausting retries",
					"records", len(kept), "attempts", attempt+1, "error", werr)
				return
			}
			sleep := delay
			if werr.retryAfter > sleep {
				sleep = werr.retryAfter
			}
			w.retries.Add(1)
			w.metrics.IncWriteRetries()
			slog.Warn("Retrying batch write", "records", len(kept),
				"attempt", attempt+1, "delay", sleep, "error", werr)
			select {
			case <-w.stopCh:
				w.recordsDropped.Add(int64(len(kept)))
				w.metrics.AddRecordsDropped(len(kept))
				return
			case <-time.After(sleep):
			}
			delay *= 2

		case errConflict:
			w.splitOnConflict(kept, werr)
			return

		case errFatal:
			w.recordFailure(werr)
			w.mu.Lock()
			w.fatal = true
			w.signalSpaceLocked()
			w.mu.Unlock()
			w.recordsDropped.Add(int64(len(kept)))
			w.metrics.AddRecordsDropped(len(kept))
			slog.Error("Store rejected credentials, writer marked unhealthy", "error", werr)
			return

		case errRejected:
			w.recordFailure(werr)
			w.recordsRejected.Add(int64(len(kept)))
			w.metrics.AddRecordsRejected(len(kept))
			slog.Error("Batch rejected by store", "records", len(kept), "error", werr)
			return
		}
	}
}

// splitOnConflict isolates schema-conflicting records by bisecting the
// batch: halves that still conflict split again, so offending records are
// located in O(log n) writes and only they are dropped.
func (w *Writer) splitOnConflict(recs []ingest.Record, werr *writeError) {
	if len(recs) == 1 {
		w.recordFailure(werr)
		w.recordsRejected.Add(1)
		w.metrics.AddRecordsRejected(1)
		slog.Warn("Dropping record with field type conflict",
			"entity_id", recs[0].EntityID, "error", werr)
		return
	}
	mid := len(recs) / 2
	w.writeBatch(recs[:mid])
	w.writeBatch(recs[mid:])
}

// writeOnce performs a single write call against the store with
// pre-encoded line protocol.
func (w *Writer) writeOnce(body []byte) *writeError {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ns",
		w.store.URL, url.QueryEscape(w.store.Org), url.QueryEscape(w.store.Bucket))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &writeError{kind: errRejected, msg: err.Error()}
	}
	req.Header.Set("Authorization", "Token "+w.store.Token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("User-Agent", version.Full())

	resp, err := w.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyStatus(resp.StatusCode, string(msg), parseRetryAfter(resp.Header.Get("Retry-After")))
}

func (w *Writer) recordFailure(werr *writeError) {
	w.statsMu.Lock()
	w.lastError = werr.Error()
	w.lastErrorAt = time.Now()
	w.statsMu.Unlock()
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
