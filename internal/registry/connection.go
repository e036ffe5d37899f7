package registry

import (
	"sync/atomic"
	"time"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

// ID identifies one live transport session.
type ID string

// State is the lifecycle stage of a connection. It only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the registry's record of one transport session. All fields
// except state and reason are owned by the goroutine that owns the
// Registry; the transport only reads the outbound queue and the atomics.
type Connection struct {
	id         ID
	remoteAddr string
	userID     string
	openedAt   time.Time
	lastSeen   time.Time
	state      atomic.Int32
	reason     atomic.Int32
	out        chan []byte
}

func newConnection(id ID, remoteAddr string, queueSize int, now time.Time) *Connection {
	return &Connection{
		id:         id,
		remoteAddr: remoteAddr,
		openedAt:   now,
		lastSeen:   now,
		out:        make(chan []byte, queueSize),
	}
}

func (c *Connection) ID() ID             { return c.id }
func (c *Connection) RemoteAddr() string { return c.remoteAddr }
func (c *Connection) UserID() string     { return c.userID }
func (c *Connection) LastSeen() time.Time {
	return c.lastSeen
}

// State is safe to call from any goroutine.
func (c *Connection) State() State { return State(c.state.Load()) }

// Outbound is the connection's bounded send queue. It is closed when the
// registry closes the connection; the write pump drains it and then sends a
// close frame carrying CloseReason.
func (c *Connection) Outbound() <-chan []byte { return c.out }

// CloseReason is meaningful once the state is Closing or later.
func (c *Connection) CloseReason() protocol.CloseReason {
	return protocol.CloseReason(c.reason.Load())
}

// MarkClosed is called by the transport once the socket is gone.
func (c *Connection) MarkClosed() { c.advance(StateClosed) }

// advance moves the state forward to next and reports whether it did.
func (c *Connection) advance(next State) bool {
	for {
		cur := c.state.Load()
		if State(cur) >= next {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}
