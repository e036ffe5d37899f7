package server

import (
	"sync"
	"time"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

// frameBudget meters the inbound frames of one connection with a token
// bucket holding up to Burst tokens and refilling Burst tokens per
// RefillInterval. Frames of an exempt type never spend a token, so a
// client that hits the limit still keeps its heartbeat and is not evicted
// for silence.
type frameBudget struct {
	mu      sync.Mutex
	burst   float64
	perSec  float64
	tokens  float64
	updated time.Time
	now     func() time.Time
	exempt  map[protocol.Type]struct{}
}

func newFrameBudget(cfg RateLimitConfig, now func() time.Time, exempt ...protocol.Type) *frameBudget {
	burst := max(cfg.Burst, 1)
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	b := &frameBudget{
		burst:   float64(burst),
		perSec:  float64(burst) / interval.Seconds(),
		tokens:  float64(burst),
		updated: now(),
		now:     now,
		exempt:  make(map[protocol.Type]struct{}, len(exempt)),
	}
	for _, t := range exempt {
		b.exempt[t] = struct{}{}
	}
	return b
}

// admit reports whether a frame of type kind may be dispatched, spending a
// token for it unless the type is exempt.
func (b *frameBudget) admit(kind protocol.Type) bool {
	if _, ok := b.exempt[kind]; ok {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *frameBudget) refill() {
	now := b.now()
	if elapsed := now.Sub(b.updated); elapsed > 0 {
		b.tokens = min(b.burst, b.tokens+elapsed.Seconds()*b.perSec)
	}
	b.updated = now
}
