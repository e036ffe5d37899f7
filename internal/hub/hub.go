//go:generate go run go.uber.org/mock/mockgen -source=hub.go -destination=../mocks/mock_hub.go -package=mocks

// Package hub is the coordinator that owns every piece of shared state: the
// connection registry, the membership index, the presence tracker and the
// router.
//
// All of that state is touched by exactly one goroutine, the loop started
// by Run. Public methods post a closure to the loop and wait for its
// result, so operations on the same connection, and sends to the same
// conversation, are totally ordered. Calls into slow collaborators
// (identity verification, authorization, history reads) are made on the
// caller's goroutine before or after the loop is involved, never on it.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-hub/internal/heartbeat"
	"github.com/Tyrowin/gochat-hub/internal/membership"
	"github.com/Tyrowin/gochat-hub/internal/presence"
	"github.com/Tyrowin/gochat-hub/internal/protocol"
	"github.com/Tyrowin/gochat-hub/internal/registry"
	"github.com/Tyrowin/gochat-hub/internal/router"
)

var (
	// ErrHubClosed is returned by every operation once the loop has stopped.
	ErrHubClosed = errors.New("hub is closed")
	// ErrNoHistory is returned by History when no reader is configured.
	ErrNoHistory = errors.New("message history is not available")
)

// IdentityVerifier checks a client's credentials and returns the verified
// user id. claimedUserID may be empty, in which case the identity comes
// from the token alone.
type IdentityVerifier interface {
	Verify(ctx context.Context, claimedUserID, token string) (string, error)
}

// IdentityVerifierFunc adapts a function to IdentityVerifier.
type IdentityVerifierFunc func(ctx context.Context, claimedUserID, token string) (string, error)

func (f IdentityVerifierFunc) Verify(ctx context.Context, claimedUserID, token string) (string, error) {
	return f(ctx, claimedUserID, token)
}

// HistoryReader reads persisted messages of a conversation with a sequence
// number greater than afterSeq, oldest first.
type HistoryReader interface {
	History(ctx context.Context, conversationID string, afterSeq uint64, limit int) ([]protocol.Message, error)
}

// SequenceReader reports the highest sequence number stored for a
// conversation, or zero when none is.
type SequenceReader interface {
	LastSeq(ctx context.Context, conversationID string) (uint64, error)
}

// Config holds the coordinator's tunables.
type Config struct {
	QueueSize         int
	HeartbeatInterval time.Duration
	PresenceDebounce  time.Duration
	TypingTimeout     time.Duration
	MaxBodyLength     int
	PersistWorkers    int
	PersistQueueSize  int
	PersistTimeout    time.Duration
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		QueueSize:         1000,
		HeartbeatInterval: 30 * time.Second,
		PresenceDebounce:  2 * time.Second,
		TypingTimeout:     5 * time.Second,
		MaxBodyLength:     4000,
		PersistWorkers:    4,
		PersistQueueSize:  1024,
		PersistTimeout:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PresenceDebounce < 0 {
		c.PresenceDebounce = 0
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = d.TypingTimeout
	}
	if c.MaxBodyLength <= 0 {
		c.MaxBodyLength = d.MaxBodyLength
	}
	if c.PersistWorkers <= 0 {
		c.PersistWorkers = d.PersistWorkers
	}
	if c.PersistQueueSize <= 0 {
		c.PersistQueueSize = d.PersistQueueSize
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	return c
}

// Option customizes a Hub.
type Option func(*options)

type options struct {
	authorizer membership.Authorizer
	store      router.MessageStore
	history    HistoryReader
	sequences  SequenceReader
	now        func() time.Time
}

// WithAuthorizer sets the join authorizer. Without one every join is
// admitted.
func WithAuthorizer(a membership.Authorizer) Option {
	return func(o *options) { o.authorizer = a }
}

// WithStore sets the message store. If the store can also read history it
// backs History as well, and if it reports stored sequence numbers every
// conversation continues from its last stored message.
func WithStore(s router.MessageStore) Option {
	return func(o *options) {
		o.store = s
		if h, ok := s.(HistoryReader); ok && o.history == nil {
			o.history = h
		}
		if q, ok := s.(SequenceReader); ok && o.sequences == nil {
			o.sequences = q
		}
	}
}

// WithSequences sets where a conversation's first sequence number comes
// from after a start.
func WithSequences(q SequenceReader) Option {
	return func(o *options) { o.sequences = q }
}

// WithHistory sets the reader behind History.
func WithHistory(h HistoryReader) Option {
	return func(o *options) { o.history = h }
}

// WithClock replaces time.Now in the hub and its components, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type op struct {
	connID registry.ID
	name   string
	fn     func() error
	result chan error
}

type Hub struct {
	cfg      Config
	log      *slog.Logger
	verifier  IdentityVerifier
	history   HistoryReader
	sequences SequenceReader
	now       func() time.Time

	reg     *registry.Registry
	index   *membership.Index
	tracker *presence.Tracker
	router  *router.Router
	monitor *heartbeat.Monitor

	ops      chan op
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// New wires the coordinator's components together. verifier must not be
// nil.
func New(cfg Config, verifier IdentityVerifier, log *slog.Logger, opts ...Option) *Hub {
	cfg = cfg.withDefaults()
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Hub{
		cfg:       cfg,
		log:       log,
		verifier:  verifier,
		history:   o.history,
		sequences: o.sequences,
		now:       o.now,
		ops:       make(chan op),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	h.reg = registry.New(cfg.QueueSize, log, registry.WithClock(o.now))
	h.index = membership.NewIndex(o.authorizer)
	h.tracker = presence.NewTracker(h.reg, cfg.PresenceDebounce, presence.WithClock(o.now))
	h.reg.AddListener(h.tracker)
	h.router = router.New(h.reg, h.index, h.tracker, o.store, router.Config{
		TypingTimeout:    cfg.TypingTimeout,
		MaxBodyLength:    cfg.MaxBodyLength,
		PersistWorkers:   cfg.PersistWorkers,
		PersistQueueSize: cfg.PersistQueueSize,
		PersistTimeout:   cfg.PersistTimeout,
		SeedSequences:    o.sequences != nil,
	}, log, router.WithClock(o.now), router.OnPersistFailure(h.persistFailed))
	h.monitor = heartbeat.NewMonitor(cfg.HeartbeatInterval, h, log, heartbeat.WithClock(o.now))
	return h
}

// Config returns the effective configuration.
func (h *Hub) Config() Config { return h.cfg }

// Run starts the coordinator loop, the heartbeat monitor and the
// persistence workers, and blocks until ctx is done or Shutdown is called.
// Every open connection is closed with ReasonShutdown on the way out.
func (h *Hub) Run(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errors.New("hub is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return h.loop(gctx)
	})
	g.Go(func() error { return h.monitor.Run(gctx) })
	g.Go(func() error { return h.router.RunPersistence(gctx) })

	h.log.Info("Hub started",
		"queue_size", h.cfg.QueueSize,
		"heartbeat_interval", h.cfg.HeartbeatInterval,
		"presence_debounce", h.cfg.PresenceDebounce)
	err := g.Wait()
	h.log.Info("Hub stopped")
	return err
}

// Shutdown stops the loop and waits up to timeout for it to close every
// connection.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.stopOnce.Do(func() { close(h.stop) })
	if !h.started.Load() {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("hub shutdown timed out after %s", timeout)
	}
}

// Done is closed once the loop has stopped.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) loop(ctx context.Context) error {
	defer close(h.done)

	typing := time.NewTicker(tickEvery(h.cfg.TypingTimeout / 5))
	defer typing.Stop()
	presence := time.NewTicker(tickEvery(h.cfg.PresenceDebounce / 4))
	defer presence.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-h.stop:
			h.closeAll()
			return nil
		case o := <-h.ops:
			h.execute(o)
			h.flushPresence()
		case <-typing.C:
			if n := h.router.SweepTyping(h.now()); n > 0 {
				h.log.Debug("typing states expired", "count", n)
			}
		case <-presence.C:
			h.flushPresence()
		}
	}
}

func (h *Hub) closeAll() {
	n := h.reg.CloseAll(protocol.ReasonShutdown)
	h.log.Info("Closed all connections for shutdown", "count", n)
}

// execute runs one operation. A panic closes only the connection the
// operation belongs to.
func (h *Hub) execute(o op) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("hub operation panicked",
				"op", o.name,
				"conn_id", o.connID,
				"panic", r,
				"stack", string(debug.Stack()))
			if o.connID != "" {
				h.reg.Close(o.connID, protocol.ReasonInternal)
			}
			o.result <- protocol.ErrInternal
		}
	}()
	o.result <- o.fn()
}

// do posts fn to the loop and waits for its result. Once the loop accepts
// an operation it always runs it to completion.
func (h *Hub) do(ctx context.Context, connID registry.ID, name string, fn func() error) error {
	o := op{connID: connID, name: name, fn: fn, result: make(chan error, 1)}
	select {
	case h.ops <- o:
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-o.result
}

func (h *Hub) flushPresence() {
	for _, change := range h.tracker.Flush(h.now()) {
		n := h.router.BroadcastPresence(change)
		h.log.Info("Presence changed", "user_id", change.UserID, "online", change.Online, "recipients", n)
	}
}

// persistFailed is called by a persistence worker, or by the loop itself
// when the persistence queue is full, so it must not wait on the loop.
func (h *Hub) persistFailed(sender registry.ID, msg protocol.Message, err error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PersistTimeout)
		defer cancel()
		notice := protocol.Errorf(protocol.CodePersistenceFailure, "message %d in %s was delivered but not persisted", msg.Seq, msg.ConversationID)
		if rerr := h.ReportError(ctx, sender, notice, msg.ID); rerr != nil {
			h.log.Debug("could not report persistence failure", "conn_id", sender, "message_id", msg.ID, "error", rerr, "cause", err)
		}
	}()
}

func tickEvery(d time.Duration) time.Duration {
	const (
		floor   = 10 * time.Millisecond
		ceiling = time.Second
	)
	switch {
	case d < floor:
		return floor
	case d > ceiling:
		return ceiling
	default:
		return d
	}
}
