package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-hub/internal/hub"
	"github.com/Tyrowin/gochat-hub/internal/protocol"
	"github.com/Tyrowin/gochat-hub/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client pumps frames between one WebSocket and the hub. The read pump
// dispatches inbound frames; the write pump drains the connection's
// outbound queue, which the hub closes when the connection ends.
type Client struct {
	conn           *websocket.Conn
	hub            *hub.Hub
	entry          *registry.Connection
	addr           string
	maxMessageSize int64
	budget         *frameBudget
	rateLimit      RateLimitConfig
	log            *slog.Logger
}

func newClient(conn *websocket.Conn, h *hub.Hub, entry *registry.Connection, cfg Config, log *slog.Logger) *Client {
	conn.SetReadLimit(cfg.MaxMessageSize)
	return &Client{
		conn:           conn,
		hub:            h,
		entry:          entry,
		addr:           entry.RemoteAddr(),
		maxMessageSize: cfg.MaxMessageSize,
		budget:         newFrameBudget(cfg.RateLimit, time.Now, protocol.TypeHeartbeat),
		rateLimit:      cfg.RateLimit,
		log:            log.With("conn_id", entry.ID(), "remote_addr", entry.RemoteAddr()),
	}
}

// setupReadConnection configures read deadlines and pong handler for the
// WebSocket connection. A pong counts as a heartbeat.
func (c *Client) setupReadConnection(ctx context.Context) {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("Error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Debug("Error setting read deadline in pong handler", "error", err)
		}
		if err := c.hub.Touch(ctx, c.entry.ID()); err != nil {
			c.log.Debug("Pong after connection closed", "error", err)
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Info("Message exceeded maximum size", "max_bytes", c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Debug("Client disconnected", "error", err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Debug("Client connection closed", "error", err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.log.Warn("Unexpected WebSocket error", "error", err)
		return true
	}

	c.log.Warn("WebSocket read error", "error", err)
	return true
}

// checkRateLimit reports whether the frame fits the connection's budget
// and should be dispatched. Heartbeats always fit.
func (c *Client) checkRateLimit(raw []byte) bool {
	if c.budget == nil {
		return true
	}
	kind := protocol.PeekType(raw)
	if c.budget.admit(kind) {
		return true
	}
	c.log.Info("Rate limit exceeded; discarding message",
		"type", kind,
		"burst", c.rateLimit.Burst,
		"refill_interval", c.rateLimit.RefillInterval)
	return false
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if err := c.hub.Close(ctx, c.entry.ID(), protocol.ReasonNormal); err != nil && !errors.Is(err, hub.ErrHubClosed) {
			c.log.Debug("Error closing hub entry", "error", err)
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("Error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection(ctx)

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}

		if !c.checkRateLimit(rawMessage) {
			if err := c.hub.ReportError(ctx, c.entry.ID(), protocol.ErrRateLimited, ""); err != nil {
				return
			}
			continue
		}

		if err := c.hub.Dispatch(ctx, c.entry.ID(), rawMessage); err != nil {
			c.log.Debug("Stopped reading", "error", err)
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.entry.MarkClosed()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.entry.Outbound():
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error closing connection in writePump", "error", err)
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed.
// Once the hub has dropped a slow or silent peer its queued events are skipped
// so the close frame goes out next.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if ok && c.entry.State() >= registry.StateClosing && c.entry.CloseReason().DropsBacklog() {
		return true
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Error setting write deadline", "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("Error writing message", "error", err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close frame carrying the reason the hub closed
// the connection with.
func (c *Client) writeCloseMessage() bool {
	reason := c.entry.CloseReason()
	frame := websocket.FormatCloseMessage(reason.CloseCode(), reason.String())
	if err := c.conn.WriteMessage(websocket.CloseMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("Error writing close message", "error", err)
		}
	}
	c.log.Info("Connection closed", "reason", reason.String())
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("Error writing ping message", "error", err)
		return false
	}
	return true
}
