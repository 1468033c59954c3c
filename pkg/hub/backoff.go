package hub

import "time"

// Backoff computes exponential reconnect delays: Base doubled per attempt,
// capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff matches the reconnect cadence used in production: start at
// one second, cap at five minutes.
var DefaultBackoff = Backoff{Base: time.Second, Max: 5 * time.Minute}

// Delay returns the wait before the given retry attempt (1-based). The
// doubling loop bails out at Max so large attempt numbers cannot overflow.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d >= b.Max {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
