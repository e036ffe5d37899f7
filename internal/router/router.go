//go:generate go run go.uber.org/mock/mockgen -source=router.go -destination=../mocks/mock_message_store.go -package=mocks

// Package router resolves recipients and fans out messages, typing states
// and presence changes to live connections.
//
// A Router is owned by the same goroutine that owns the registry and the
// membership index; that goroutine is the single serialization point for
// every conversation's sequence counter. Persistence runs on separate
// worker goroutines started with RunPersistence.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Tyrowin/gochat-hub/internal/membership"
	"github.com/Tyrowin/gochat-hub/internal/presence"
	"github.com/Tyrowin/gochat-hub/internal/protocol"
	"github.com/Tyrowin/gochat-hub/internal/registry"
)

// MessageStore durably stores messages on behalf of the hub.
type MessageStore interface {
	Persist(ctx context.Context, msg protocol.Message) error
}

// ErrUnseeded is returned by Send when sequences must be seeded and the
// conversation has not been seeded yet. Nothing is assigned or delivered.
var ErrUnseeded = errors.New("conversation sequence is not seeded")

// PersistFailureFunc is invoked from a persistence worker when the store
// rejects a message. It must not block.
type PersistFailureFunc func(sender registry.ID, msg protocol.Message, err error)

// Config holds the router's tunables.
type Config struct {
	TypingTimeout    time.Duration
	MaxBodyLength    int
	PersistWorkers   int
	PersistQueueSize int
	PersistTimeout   time.Duration
	// SeedSequences makes Send refuse a conversation until Seed has been
	// called for it, so numbering continues from the store after a restart.
	SeedSequences bool
}

type persistJob struct {
	sender registry.ID
	msg    protocol.Message
}

// Option customizes a Router.
type Option func(*Router)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// OnPersistFailure sets the callback for rejected writes.
func OnPersistFailure(fn PersistFailureFunc) Option {
	return func(r *Router) { r.onPersistFailure = fn }
}

type Router struct {
	reg      *registry.Registry
	index    *membership.Index
	presence *presence.Tracker
	store    MessageStore
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	seq    map[string]uint64
	typing map[typingKey]time.Time

	persist          chan persistJob
	onPersistFailure PersistFailureFunc
}

func New(
	reg *registry.Registry,
	index *membership.Index,
	tracker *presence.Tracker,
	store MessageStore,
	cfg Config,
	log *slog.Logger,
	opts ...Option,
) *Router {
	if cfg.PersistWorkers <= 0 {
		cfg.PersistWorkers = 1
	}
	if cfg.PersistQueueSize <= 0 {
		cfg.PersistQueueSize = 1
	}
	r := &Router{
		reg:              reg,
		index:            index,
		presence:         tracker,
		store:            store,
		cfg:              cfg,
		log:              log,
		now:              time.Now,
		seq:              make(map[string]uint64),
		typing:           make(map[typingKey]time.Time),
		persist:          make(chan persistJob, cfg.PersistQueueSize),
		onPersistFailure: func(registry.ID, protocol.Message, error) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send assigns the next sequence number in conversationID, hands the
// message to the store and delivers it to every live connection of every
// member, the sender's own connections included.
func (r *Router) Send(sender registry.ID, conversationID, body string) (protocol.Message, error) {
	conn, err := r.member(sender, conversationID)
	if err != nil {
		return protocol.Message{}, err
	}
	if err := r.validateBody(body); err != nil {
		return protocol.Message{}, err
	}

	if _, seeded := r.seq[conversationID]; !seeded && r.cfg.SeedSequences {
		return protocol.Message{}, ErrUnseeded
	}

	r.seq[conversationID]++
	msg := protocol.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       conn.UserID(),
		Body:           body,
		Seq:            r.seq[conversationID],
		SentAt:         r.now().UTC(),
	}

	payload, err := protocol.Encode(protocol.NewMessage{Message: msg})
	if err != nil {
		return protocol.Message{}, err
	}
	delivered := r.fanout(r.index.MembersOf(conversationID), "", payload)
	r.enqueuePersist(sender, msg)

	r.log.Debug("message routed",
		"conversation_id", conversationID,
		"sender_id", msg.SenderID,
		"seq", msg.Seq,
		"deliveries", delivered)
	return msg, nil
}

// LastSeq returns the last sequence number assigned in conversationID.
func (r *Router) LastSeq(conversationID string) uint64 {
	return r.seq[conversationID]
}

// Seed sets the counter of conversationID to last unless it is already
// further along. The next message in the conversation gets last+1.
func (r *Router) Seed(conversationID string, last uint64) {
	if cur, ok := r.seq[conversationID]; ok && cur >= last {
		return
	}
	r.seq[conversationID] = last
}

// BroadcastPresence delivers a presence change to every co-member of the
// user.
func (r *Router) BroadcastPresence(change presence.Change) int {
	payload, err := protocol.Encode(protocol.PresenceChanged{UserID: change.UserID, Online: change.Online})
	if err != nil {
		r.log.Error("encode presence change", "error", err)
		return 0
	}
	return r.fanout(r.index.CoMembers(change.UserID), "", payload)
}

// OnlineCoMembers lists, sorted, the co-members of userID who are online.
func (r *Router) OnlineCoMembers(userID string) []string {
	online := lo.Filter(r.index.CoMembers(userID), func(member string, _ int) bool {
		return r.presence.Online(member)
	})
	sort.Strings(online)
	return online
}

// Deliver encodes p and queues it on a single connection.
func (r *Router) Deliver(id registry.ID, p protocol.Payload) error {
	payload, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	return r.reg.Enqueue(id, payload)
}

// fanout queues payload on every live connection of users, skipping the
// connections of except. It returns the number of successful enqueues.
func (r *Router) fanout(users []string, except string, payload []byte) int {
	delivered := 0
	for _, userID := range users {
		if userID == except {
			continue
		}
		for _, id := range r.reg.ConnectionsOf(userID) {
			if err := r.reg.Enqueue(id, payload); err != nil {
				r.log.Debug("delivery dropped", "conn_id", id, "user_id", userID, "error", err)
				continue
			}
			delivered++
		}
	}
	return delivered
}

func (r *Router) authenticated(id registry.ID) (*registry.Connection, error) {
	conn, ok := r.reg.Get(id)
	if !ok || conn.State() != registry.StateAuthenticated {
		return nil, protocol.ErrUnauthenticated
	}
	return conn, nil
}

func (r *Router) member(id registry.ID, conversationID string) (*registry.Connection, error) {
	conn, err := r.authenticated(id)
	if err != nil {
		return nil, err
	}
	if !r.index.IsMember(conn.UserID(), conversationID) {
		return nil, protocol.ErrNotAMember
	}
	return conn, nil
}

func (r *Router) validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return protocol.Errorf(protocol.CodeMalformedEnvelope, "message body is empty")
	}
	if !utf8.ValidString(body) {
		return protocol.Errorf(protocol.CodeMalformedEnvelope, "message body is not valid UTF-8")
	}
	if r.cfg.MaxBodyLength > 0 && utf8.RuneCountInString(body) > r.cfg.MaxBodyLength {
		return protocol.Errorf(protocol.CodeMalformedEnvelope, "message body exceeds %d characters", r.cfg.MaxBodyLength)
	}
	return nil
}
