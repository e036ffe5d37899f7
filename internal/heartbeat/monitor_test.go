package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/gochat-hub/internal/mocks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMonitor_Sweep_Uses_Twice_The_Interval(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	evictor := mocks.NewMockEvictor(ctrl)
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	evictor.EXPECT().
		EvictStale(gomock.Any(), now.Add(-60*time.Second)).
		Return(2, nil)

	m := NewMonitor(30*time.Second, evictor, discardLogger(), WithClock(func() time.Time { return now }))

	req.Equal(60*time.Second, m.Timeout())
	req.Equal(15*time.Second, m.SweepInterval())
	req.Equal(2, m.Sweep(context.Background()))
}

func TestMonitor_Sweep_Error_Evicts_Nothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	evictor := mocks.NewMockEvictor(ctrl)
	evictor.EXPECT().EvictStale(gomock.Any(), gomock.Any()).Return(0, errors.New("hub closed"))

	m := NewMonitor(time.Second, evictor, discardLogger())
	require.Zero(t, m.Sweep(context.Background()))
}

// TestMonitor_Run_Sweeps_Periodically verifies the monitor keeps sweeping on
// its own goroutine and stops with its context.
func TestMonitor_Run_Sweeps_Periodically(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	evictor := mocks.NewMockEvictor(ctrl)

	var sweeps atomic.Int32
	evictor.EXPECT().
		EvictStale(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, time.Time) (int, error) {
			sweeps.Add(1)
			return 0, nil
		}).
		AnyTimes()

	m := NewMonitor(20*time.Millisecond, evictor, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	req.Eventually(func() bool { return sweeps.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}
