package hub

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
	"github.com/Tyrowin/gochat-hub/internal/registry"
	"github.com/Tyrowin/gochat-hub/internal/router"
)

// Stats is a point-in-time snapshot of the hub.
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Online      int `json:"online"`
}

// Register creates an unauthenticated entry for a freshly accepted
// connection.
func (h *Hub) Register(ctx context.Context, remoteAddr string) (*registry.Connection, error) {
	var conn *registry.Connection
	err := h.do(ctx, "", "register", func() error {
		conn = h.reg.Register(remoteAddr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.log.Debug("connection registered", "conn_id", conn.ID(), "remote_addr", remoteAddr)
	return conn, nil
}

// Authenticate verifies the credentials, binds the identity to the
// connection and replies with authenticated.
func (h *Hub) Authenticate(ctx context.Context, connID registry.ID, userID, token string) error {
	verified, err := h.verifier.Verify(ctx, userID, token)
	if err != nil {
		h.log.Info("authentication rejected", "conn_id", connID, "user_id", userID, "error", err)
		return protocol.Errorf(protocol.CodeUnauthenticated, "identity verification failed")
	}
	return h.do(ctx, connID, "authenticate", func() error {
		if err := h.reg.Authenticate(connID, verified); err != nil {
			return err
		}
		h.log.Info("Client authenticated", "conn_id", connID, "user_id", verified)
		return h.router.Deliver(connID, protocol.Authenticated{
			UserID:      verified,
			OnlineUsers: h.router.OnlineCoMembers(verified),
		})
	})
}

// Join authorizes the connection's user for conversationID and records the
// membership. Authorization runs off the loop; the connection is checked
// again once the answer is in.
func (h *Hub) Join(ctx context.Context, connID registry.ID, conversationID string) error {
	userID, err := h.userOf(ctx, connID)
	if err != nil {
		return err
	}
	if err := h.index.Authorize(ctx, userID, conversationID); err != nil {
		h.log.Info("join rejected", "conn_id", connID, "user_id", userID, "conversation_id", conversationID, "error", err)
		return err
	}
	return h.do(ctx, connID, "join", func() error {
		conn, err := h.authenticated(connID)
		if err != nil {
			return err
		}
		if conn.UserID() != userID {
			return protocol.ErrUnauthenticated
		}
		if h.index.Add(userID, conversationID) {
			h.log.Debug("conversation joined", "user_id", userID, "conversation_id", conversationID)
		}
		return h.router.Deliver(connID, protocol.Joined{ConversationID: conversationID})
	})
}

// Leave removes the membership of the connection's user and clears their
// typing state in the conversation.
func (h *Hub) Leave(ctx context.Context, connID registry.ID, conversationID string) error {
	return h.do(ctx, connID, "leave", func() error {
		conn, err := h.authenticated(connID)
		if err != nil {
			return err
		}
		if !h.index.Leave(conn.UserID(), conversationID) {
			return protocol.ErrNotAMember
		}
		h.router.ClearTyping(conn.UserID(), conversationID)
		return h.router.Deliver(connID, protocol.Left{ConversationID: conversationID})
	})
}

// Send routes a chat message and returns it as assigned. The first send to
// a conversation reads its last stored sequence number off the loop and
// seeds the counter with it.
func (h *Hub) Send(ctx context.Context, connID registry.ID, conversationID, body string) (protocol.Message, error) {
	msg, err := h.send(ctx, connID, conversationID, body, nil)
	if !errors.Is(err, router.ErrUnseeded) {
		return msg, err
	}
	last, err := h.sequences.LastSeq(ctx, conversationID)
	if err != nil {
		h.log.Error("read last sequence", "conversation_id", conversationID, "error", err)
		return protocol.Message{}, protocol.ErrInternal
	}
	return h.send(ctx, connID, conversationID, body, &last)
}

func (h *Hub) send(ctx context.Context, connID registry.ID, conversationID, body string, seed *uint64) (protocol.Message, error) {
	var msg protocol.Message
	err := h.do(ctx, connID, "send_message", func() error {
		if seed != nil {
			h.router.Seed(conversationID, *seed)
		}
		var err error
		msg, err = h.router.Send(connID, conversationID, body)
		return err
	})
	return msg, err
}

func (h *Hub) StartTyping(ctx context.Context, connID registry.ID, conversationID string) error {
	return h.do(ctx, connID, "typing_start", func() error {
		return h.router.StartTyping(connID, conversationID)
	})
}

func (h *Hub) StopTyping(ctx context.Context, connID registry.ID, conversationID string) error {
	return h.do(ctx, connID, "typing_stop", func() error {
		return h.router.StopTyping(connID, conversationID)
	})
}

// Heartbeat records liveness and replies with pong. It is accepted before
// authentication.
func (h *Hub) Heartbeat(ctx context.Context, connID registry.ID) error {
	return h.do(ctx, connID, "heartbeat", func() error {
		if err := h.reg.Heartbeat(connID); err != nil {
			return err
		}
		return h.router.Deliver(connID, protocol.Pong{})
	})
}

// Touch records liveness without a reply. The transport calls it for
// protocol-level pongs.
func (h *Hub) Touch(ctx context.Context, connID registry.ID) error {
	return h.do(ctx, connID, "touch", func() error {
		return h.reg.Heartbeat(connID)
	})
}

// Close closes the connection with reason unless it is already closed.
func (h *Hub) Close(ctx context.Context, connID registry.ID, reason protocol.CloseReason) error {
	return h.do(ctx, connID, "close", func() error {
		if h.reg.Close(connID, reason) {
			h.log.Debug("connection closed by transport", "conn_id", connID, "reason", reason.String())
		}
		return nil
	})
}

// EvictStale closes every connection silent since before cutoff with
// ReasonTimeout.
func (h *Hub) EvictStale(ctx context.Context, cutoff time.Time) (int, error) {
	evicted := 0
	err := h.do(ctx, "", "evict_stale", func() error {
		for _, id := range h.reg.Stale(cutoff) {
			if h.reg.Close(id, protocol.ReasonTimeout) {
				evicted++
			}
		}
		return nil
	})
	return evicted, err
}

// ReportError sends an error envelope to a single connection.
func (h *Hub) ReportError(ctx context.Context, connID registry.ID, err error, messageID string) error {
	event := protocol.ErrorEventFor(err, messageID)
	return h.do(ctx, connID, "report_error", func() error {
		return h.router.Deliver(connID, event)
	})
}

// Identify verifies a bearer token on its own, for the HTTP API.
func (h *Hub) Identify(ctx context.Context, token string) (string, error) {
	userID, err := h.verifier.Verify(ctx, "", token)
	if err != nil {
		return "", protocol.Errorf(protocol.CodeUnauthenticated, "identity verification failed")
	}
	return userID, nil
}

// History returns persisted messages of conversationID after afterSeq.
// Only members may read a conversation.
func (h *Hub) History(ctx context.Context, userID, conversationID string, afterSeq uint64, limit int) ([]protocol.Message, error) {
	if h.history == nil {
		return nil, ErrNoHistory
	}
	err := h.do(ctx, "", "history", func() error {
		if !h.index.IsMember(userID, conversationID) {
			return protocol.ErrNotAMember
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h.history.History(ctx, conversationID, afterSeq, limit)
}

// Stats snapshots connection and presence counters.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.do(ctx, "", "stats", func() error {
		s = Stats{
			Connections: h.reg.Len(),
			Users:       h.reg.Users(),
			Online:      len(h.tracker.OnlineUsers()),
		}
		return nil
	})
	return s, err
}

func (h *Hub) userOf(ctx context.Context, connID registry.ID) (string, error) {
	var userID string
	err := h.do(ctx, connID, "lookup", func() error {
		conn, err := h.authenticated(connID)
		if err != nil {
			return err
		}
		userID = conn.UserID()
		return nil
	})
	return userID, err
}

func (h *Hub) authenticated(connID registry.ID) (*registry.Connection, error) {
	conn, ok := h.reg.Get(connID)
	if !ok || conn.State() != registry.StateAuthenticated {
		return nil, protocol.ErrUnauthenticated
	}
	return conn, nil
}
