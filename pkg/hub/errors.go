package hub

import (
	"context"
	"errors"
)

var (
	// ErrAuthFailed means the hub explicitly rejected the access token.
	// The supervisor slows its retry cadence when it sees this.
	ErrAuthFailed = errors.New("hub rejected access token")

	// ErrSubscribeFailed means the hub refused the event subscription.
	ErrSubscribeFailed = errors.New("hub refused event subscription")

	// ErrPingTimeout means a keepalive ping got no pong in time.
	ErrPingTimeout = errors.New("ping timed out")

	// ErrSilenceTimeout means no frame of any kind arrived within the
	// silence window, including pongs.
	ErrSilenceTimeout = errors.New("no frames received within silence window")

	// ErrMalformedFrame marks a single frame that could not be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrTooManyMalformed terminates a session after consecutive decode
	// failures, on the assumption the stream itself is corrupt.
	ErrTooManyMalformed = errors.New("too many consecutive malformed frames")

	// ErrMissingType rejects an outgoing frame without a type.
	ErrMissingType = errors.New("outgoing frame missing type")

	// ErrSessionClosed is returned for calls issued after the session's
	// read or write loops have stopped.
	ErrSessionClosed = errors.New("session closed")
)

// Classify maps a session-ending error to a short label for the health
// surface and logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, ErrSubscribeFailed):
		return "subscribe_failed"
	case errors.Is(err, ErrPingTimeout):
		return "ping_timeout"
	case errors.Is(err, ErrSilenceTimeout):
		return "silence_timeout"
	case errors.Is(err, ErrTooManyMalformed):
		return "protocol_violation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "network_error"
	}
}
