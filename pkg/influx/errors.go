// Package influx buffers normalized records and writes them to an
// InfluxDB-compatible time-series store in batches, with bounded latency,
// backpressure toward producers, and per-batch retry and schema-conflict
// mitigation.
package influx

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Writer-level sentinels surfaced to producers.
var (
	// ErrBufferFull is returned by Append when the buffer is at capacity and
	// the bounded backpressure wait expired without space freeing up.
	ErrBufferFull = errors.New("record buffer full")

	// ErrWriterUnhealthy is returned after a fatal store error (401/403)
	// latched the writer; Reset clears it.
	ErrWriterUnhealthy = errors.New("writer is unhealthy")

	// ErrWriterClosed is returned once Close has been called.
	ErrWriterClosed = errors.New("writer is closed")
)

// errorKind classifies a failed store write.
type errorKind int

const (
	errRetryable errorKind = iota // network, 5xx, 429
	errConflict                   // field type conflict: split the batch
	errFatal                      // 401/403: latch unhealthy
	errRejected                   // other 4xx: drop the batch, do not retry
)

// writeError is a classified failure from the store's write endpoint.
type writeError struct {
	kind       errorKind
	status     int // 0 for transport errors
	retryAfter time.Duration
	msg        string
}

func (e *writeError) Error() string {
	if e.status == 0 {
		return fmt.Sprintf("store write: %s", e.msg)
	}
	return fmt.Sprintf("store write: HTTP %d: %s", e.status, e.msg)
}

// classifyStatus maps an HTTP response to a writeError per the store's
// semantics: network/5xx/429 retryable, 400 "field type conflict" split,
// 401/403 fatal, any other 4xx rejected outright.
func classifyStatus(status int, body string, retryAfter time.Duration) *writeError {
	e := &writeError{status: status, msg: strings.TrimSpace(body)}
	switch {
	case status == 429:
		e.kind = errRetryable
		e.retryAfter = retryAfter
	case status >= 500:
		e.kind = errRetryable
	case status == 401 || status == 403:
		e.kind = errFatal
	case status == 400 && strings.Contains(strings.ToLower(body), "field type conflict"):
		e.kind = errConflict
	default:
		e.kind = errRejected
	}
	return e
}

func transportError(err error) *writeError {
	return &writeError{kind: errRetryable, msg: err.Error()}
}
