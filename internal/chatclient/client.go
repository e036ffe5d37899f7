// Package chatclient is a reconnecting WebSocket client for the hub.
//
// A Client runs an explicit state machine: Disconnected, Connecting,
// Authenticated and Degraded. Run dials, authenticates and joins the
// configured conversations, then pumps frames until the connection drops,
// after which it waits out a backoff delay and starts over. Memberships
// live on the server, so a reconnect needs no re-join.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

var (
	// ErrAuthRejected is returned by Run when the hub refuses the
	// credentials. Retrying would not help.
	ErrAuthRejected = errors.New("chatclient: authentication rejected")
	// ErrNotConnected is returned by commands issued while the client is
	// not authenticated.
	ErrNotConnected = errors.New("chatclient: not connected")

	errPongTimeout = errors.New("chatclient: heartbeat unanswered")
)

const (
	writeWait       = 10 * time.Second
	outboundBacklog = 64
	eventBacklog    = 256
)

// Config configures a Client.
type Config struct {
	URL    string
	Origin string
	UserID string
	Token  string

	// Conversations are joined after every successful authentication.
	Conversations []string

	HeartbeatInterval time.Duration
	AuthTimeout       time.Duration
	Backoff           Backoff

	Dialer *websocket.Dialer
	Logger *slog.Logger

	// OnStateChange is called on every transition, in order. It must not
	// block.
	OnStateChange func(from, to State)
}

// Client is safe for concurrent use. Run must be called exactly once.
type Client struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer

	mu    sync.Mutex
	state atomic.Int32

	outbound chan []byte
	events   chan protocol.Payload
}

// New creates a client. Nothing happens until Run is called.
func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	return &Client{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "chatclient", "user_id", cfg.UserID),
		dialer:   dialer,
		outbound: make(chan []byte, outboundBacklog),
		events:   make(chan protocol.Payload, eventBacklog),
	}
}

// State returns the current state.
func (c *Client) State() State { return State(c.state.Load()) }

// Events delivers every server event except pongs. It is closed when Run
// returns.
func (c *Client) Events() <-chan protocol.Payload { return c.events }

func (c *Client) transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.State()
	if from == to {
		return false
	}
	if !CanTransition(from, to) {
		c.log.Warn("Ignoring invalid state transition", "from", from.String(), "to", to.String())
		return false
	}
	c.state.Store(int32(to))
	c.log.Debug("State changed", "from", from.String(), "to", to.String())
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
	return true
}

// Run connects and keeps reconnecting until ctx is done or the hub
// rejects the credentials.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	attempt := 0
	for {
		c.transition(StateConnecting)
		authenticated, err := c.session(ctx)
		c.transition(StateDisconnected)

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if authenticated {
			attempt = 0
		}

		delay := c.cfg.Backoff.Delay(attempt)
		attempt++
		c.log.Info("Connection lost; reconnecting", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Join asks the hub to add the user to conversationID.
func (c *Client) Join(ctx context.Context, conversationID string) error {
	return c.command(ctx, protocol.Join{ConversationID: conversationID})
}

// Leave removes the user from conversationID.
func (c *Client) Leave(ctx context.Context, conversationID string) error {
	return c.command(ctx, protocol.Leave{ConversationID: conversationID})
}

// Send posts a message to conversationID.
func (c *Client) Send(ctx context.Context, conversationID, body string) error {
	return c.command(ctx, protocol.SendMessage{ConversationID: conversationID, Body: body})
}

func (c *Client) StartTyping(ctx context.Context, conversationID string) error {
	return c.command(ctx, protocol.TypingStart{ConversationID: conversationID})
}

func (c *Client) StopTyping(ctx context.Context, conversationID string) error {
	return c.command(ctx, protocol.TypingStop{ConversationID: conversationID})
}

func (c *Client) command(ctx context.Context, p protocol.Payload) error {
	switch c.State() {
	case StateAuthenticated, StateDegraded:
	default:
		return ErrNotConnected
	}
	frame, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	select {
	case c.outbound <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// session runs one connection to completion. It reports whether the
// connection got as far as authenticating.
func (c *Client) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	if err := c.authenticate(ctx, conn); err != nil {
		return false, err
	}
	if !c.transition(StateAuthenticated) {
		return true, errors.New("chatclient: unexpected state after authentication")
	}

	for _, conv := range c.cfg.Conversations {
		if err := c.write(conn, protocol.Join{ConversationID: conv}); err != nil {
			return true, err
		}
	}

	pongs := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(gctx, conn, pongs) })
	g.Go(func() error { return c.writePump(gctx, conn, pongs) })
	return true, g.Wait()
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	if err := c.write(conn, protocol.Authenticate{UserID: c.cfg.UserID, Token: c.cfg.Token}); err != nil {
		return err
	}
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout)); err != nil {
		return err
	}
	for {
		ev, err := c.readEvent(conn)
		if err != nil {
			return fmt.Errorf("await authentication: %w", err)
		}
		switch e := ev.(type) {
		case protocol.Authenticated:
			if !c.emit(ctx, e) {
				return ctx.Err()
			}
			return conn.SetReadDeadline(time.Time{})
		case protocol.ErrorEvent:
			if e.Code == protocol.CodeUnauthenticated {
				return fmt.Errorf("%w: %s", ErrAuthRejected, e.Message)
			}
			if !c.emit(ctx, e) {
				return ctx.Err()
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn, pongs chan<- struct{}) error {
	for {
		ev, err := c.readEvent(conn)
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason := protocol.ReasonFromCloseCode(closeErr.Code)
				c.log.Info("Hub closed the connection", "reason", reason.String(), "code", closeErr.Code)
			}
			return err
		}
		if ev == nil {
			continue
		}
		if _, ok := ev.(protocol.Pong); ok {
			select {
			case pongs <- struct{}{}:
			default:
			}
			continue
		}
		if !c.emit(ctx, ev) {
			return ctx.Err()
		}
	}
}

// writePump owns every write after authentication. An unanswered
// heartbeat degrades the connection and a second one drops it.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, pongs <-chan struct{}) error {
	defer conn.Close()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	awaiting := false

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return ctx.Err()
		case <-pongs:
			awaiting = false
			if c.State() == StateDegraded {
				c.transition(StateAuthenticated)
			}
		case <-ticker.C:
			if awaiting {
				if c.State() == StateDegraded {
					return errPongTimeout
				}
				c.transition(StateDegraded)
			}
			if err := c.write(conn, protocol.Heartbeat{}); err != nil {
				return err
			}
			awaiting = true
		case frame := <-c.outbound:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, p protocol.Payload) error {
	frame, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) emit(ctx context.Context, ev protocol.Payload) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// readEvent returns a nil event for frames it cannot decode so that a
// newer hub cannot break an older client.
func (c *Client) readEvent(conn *websocket.Conn) (protocol.Payload, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	ev, err := protocol.DecodeEvent(raw)
	if err != nil {
		c.log.Warn("Skipping undecodable event", "error", err)
		return nil, nil
	}
	return ev, nil
}
