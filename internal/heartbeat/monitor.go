//go:generate go run go.uber.org/mock/mockgen -source=monitor.go -destination=../mocks/mock_evictor.go -package=mocks

// Package heartbeat runs the liveness sweep that evicts connections which
// stopped heartbeating.
package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

// Evictor closes every connection whose last heartbeat is older than
// cutoff, with reason Timeout, and returns how many it closed.
type Evictor interface {
	EvictStale(ctx context.Context, cutoff time.Time) (int, error)
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor expects a heartbeat from every connection within Interval and
// evicts connections silent for longer than Timeout (twice the interval).
type Monitor struct {
	interval time.Duration
	evictor  Evictor
	log      *slog.Logger
	now      func() time.Time
}

func NewMonitor(interval time.Duration, evictor Evictor, log *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		interval: interval,
		evictor:  evictor,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Interval() time.Duration { return m.interval }

func (m *Monitor) Timeout() time.Duration { return 2 * m.interval }

// SweepInterval is how often Run sweeps.
func (m *Monitor) SweepInterval() time.Duration {
	if d := m.interval / 2; d > 0 {
		return d
	}
	return m.interval
}

// Run sweeps on a fixed interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("Heartbeat monitor started", "interval", m.interval, "timeout", m.Timeout())
	ticker := time.NewTicker(m.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Debug("Heartbeat monitor stopping")
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one eviction pass. A sweep never waits longer than one sweep
// interval for the evictor.
func (m *Monitor) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, m.SweepInterval())
	defer cancel()

	cutoff := m.now().Add(-m.Timeout())
	evicted, err := m.evictor.EvictStale(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("Heartbeat sweep failed", "error", err)
		}
		return 0
	}
	if evicted > 0 {
		m.log.Info("Evicted silent connections", "count", evicted, "cutoff", cutoff)
	}
	return evicted
}
