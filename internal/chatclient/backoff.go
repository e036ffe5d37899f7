package chatclient

import (
	"math"
	"time"
)

// Backoff computes reconnect delays that grow geometrically from
// BaseDelay up to MaxDelay.
type Backoff struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultBackoff is used when Config.Backoff is zero.
var DefaultBackoff = Backoff{
	BaseDelay:  250 * time.Millisecond,
	Multiplier: 2,
	MaxDelay:   30 * time.Second,
}

// Delay returns the wait before reconnect attempt n, counting from zero.
func (b Backoff) Delay(n int) time.Duration {
	if n <= 0 {
		return b.BaseDelay
	}
	d := float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(n))
	if d > float64(b.MaxDelay) || math.IsInf(d, 0) {
		return b.MaxDelay
	}
	return time.Duration(d)
}

func (b Backoff) withDefaults() Backoff {
	if b.BaseDelay <= 0 {
		b.BaseDelay = DefaultBackoff.BaseDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	if b.MaxDelay < b.BaseDelay {
		b.MaxDelay = max(b.BaseDelay, DefaultBackoff.MaxDelay)
	}
	return b
}
