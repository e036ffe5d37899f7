// Package registry tracks live connections, their authentication state and
// their bounded outbound queues.
//
// A Registry is not safe for concurrent use. It is owned by a single
// goroutine (the hub coordinator) and every mutation for every connection
// goes through that goroutine, which is what serializes authenticate, send
// and heartbeat eviction for the same connection.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

// ErrUnknownConnection is returned for ids that were never registered or
// have already been closed.
var ErrUnknownConnection = errors.New("unknown connection")

// Listener observes identity transitions. ConnectionBound fires after a
// connection authenticates, ConnectionUnbound after an authenticated
// connection closes.
type Listener interface {
	ConnectionBound(userID string)
	ConnectionUnbound(userID string)
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type Registry struct {
	conns     map[ID]*Connection
	byUser    map[string]map[ID]struct{}
	listeners []Listener
	queueSize int
	now       func() time.Time
	log       *slog.Logger
}

// New creates a registry whose connections buffer at most queueSize
// outbound payloads.
func New(queueSize int, log *slog.Logger, opts ...Option) *Registry {
	if queueSize <= 0 {
		queueSize = 1
	}
	r := &Registry{
		conns:     make(map[ID]*Connection),
		byUser:    make(map[string]map[ID]struct{}),
		queueSize: queueSize,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddListener subscribes l to identity transitions.
func (r *Registry) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

// Register creates an unauthenticated entry for a freshly accepted
// transport session.
func (r *Registry) Register(remoteAddr string) *Connection {
	conn := newConnection(ID(uuid.NewString()), remoteAddr, r.queueSize, r.now())
	r.conns[conn.id] = conn
	r.log.Debug("connection registered", "conn_id", conn.id, "remote_addr", remoteAddr, "total", len(r.conns))
	return conn
}

// Get returns a live connection.
func (r *Registry) Get(id ID) (*Connection, bool) {
	conn, ok := r.conns[id]
	return conn, ok
}

// Authenticate binds userID to the connection. A connection is bound at
// most once.
func (r *Registry) Authenticate(id ID, userID string) error {
	if userID == "" {
		return protocol.Errorf(protocol.CodeUnauthenticated, "identity is empty")
	}
	conn, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("authenticate %s: %w", id, ErrUnknownConnection)
	}
	if conn.userID != "" {
		return protocol.Errorf(protocol.CodeUnauthenticated, "connection is already bound to an identity")
	}
	if !conn.advance(StateAuthenticated) {
		return protocol.Errorf(protocol.CodeUnauthenticated, "connection is %s", conn.State())
	}
	conn.userID = userID
	conn.lastSeen = r.now()

	sessions, ok := r.byUser[userID]
	if !ok {
		sessions = make(map[ID]struct{})
		r.byUser[userID] = sessions
	}
	sessions[id] = struct{}{}

	r.log.Debug("connection authenticated", "conn_id", id, "user_id", userID, "sessions", len(sessions))
	for _, l := range r.listeners {
		l.ConnectionBound(userID)
	}
	return nil
}

// Heartbeat records liveness for the connection.
func (r *Registry) Heartbeat(id ID) error {
	conn, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", id, ErrUnknownConnection)
	}
	conn.lastSeen = r.now()
	return nil
}

// Close removes the connection and closes its outbound queue. It is
// idempotent and reports whether this call closed the connection.
func (r *Registry) Close(id ID, reason protocol.CloseReason) bool {
	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	delete(r.conns, id)

	conn.reason.Store(int32(reason))
	conn.advance(StateClosing)
	close(conn.out)

	r.log.Debug("connection closed", "conn_id", id, "user_id", conn.userID, "reason", reason.String(), "total", len(r.conns))

	if conn.userID == "" {
		return true
	}
	if sessions, ok := r.byUser[conn.userID]; ok {
		delete(sessions, id)
		if len(sessions) == 0 {
			delete(r.byUser, conn.userID)
		}
	}
	for _, l := range r.listeners {
		l.ConnectionUnbound(conn.userID)
	}
	return true
}

// CloseAll closes every connection with reason and returns how many were
// closed.
func (r *Registry) CloseAll(reason protocol.CloseReason) int {
	ids := lo.Keys(r.conns)
	for _, id := range ids {
		r.Close(id, reason)
	}
	return len(ids)
}

// ConnectionsOf returns the live connections bound to userID, sorted.
func (r *Registry) ConnectionsOf(userID string) []ID {
	ids := lo.Keys(r.byUser[userID])
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CountOf returns how many live connections are bound to userID.
func (r *Registry) CountOf(userID string) int {
	return len(r.byUser[userID])
}

// Len returns the number of live connections, authenticated or not.
func (r *Registry) Len() int { return len(r.conns) }

// Users returns the number of users with at least one live connection.
func (r *Registry) Users() int { return len(r.byUser) }

// Enqueue appends payload to the connection's outbound queue without
// blocking. A full queue means the consumer cannot keep up: the connection
// is closed with ReasonSlowConsumer instead of growing memory.
func (r *Registry) Enqueue(id ID, payload []byte) error {
	conn, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("enqueue %s: %w", id, ErrUnknownConnection)
	}
	select {
	case conn.out <- payload:
		return nil
	default:
		r.log.Warn("outbound queue full; closing connection", "conn_id", id, "user_id", conn.userID, "queue_size", r.queueSize)
		r.Close(id, protocol.ReasonSlowConsumer)
		return protocol.ErrSlowConsumer
	}
}

// Stale returns the connections whose last heartbeat is before cutoff.
func (r *Registry) Stale(cutoff time.Time) []ID {
	var stale []ID
	for id, conn := range r.conns {
		if conn.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}
