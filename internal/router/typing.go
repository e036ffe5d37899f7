package router

import (
	"time"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
	"github.com/Tyrowin/gochat-hub/internal/registry"
)

type typingKey struct {
	conversationID string
	userID         string
}

// StartTyping marks the connection's user as typing in conversationID
// until the typing timeout. Only the first start is announced; renewals
// just push the expiry out.
func (r *Router) StartTyping(id registry.ID, conversationID string) error {
	conn, err := r.member(id, conversationID)
	if err != nil {
		return err
	}
	key := typingKey{conversationID: conversationID, userID: conn.UserID()}
	_, active := r.typing[key]
	r.typing[key] = r.now().Add(r.cfg.TypingTimeout)
	if !active {
		r.announceTyping(key, true)
	}
	return nil
}

// StopTyping clears the typing state and announces it if it was active.
func (r *Router) StopTyping(id registry.ID, conversationID string) error {
	conn, err := r.member(id, conversationID)
	if err != nil {
		return err
	}
	r.clearTyping(typingKey{conversationID: conversationID, userID: conn.UserID()})
	return nil
}

// ClearTyping drops userID's typing state in conversationID, if any.
func (r *Router) ClearTyping(userID, conversationID string) {
	r.clearTyping(typingKey{conversationID: conversationID, userID: userID})
}

// SweepTyping expires every typing state whose deadline is not after now.
func (r *Router) SweepTyping(now time.Time) int {
	expired := 0
	for key, expiresAt := range r.typing {
		if now.Before(expiresAt) {
			continue
		}
		delete(r.typing, key)
		r.announceTyping(key, false)
		expired++
	}
	return expired
}

// Typing reports whether userID currently types in conversationID.
func (r *Router) Typing(userID, conversationID string) bool {
	_, ok := r.typing[typingKey{conversationID: conversationID, userID: userID}]
	return ok
}

func (r *Router) clearTyping(key typingKey) {
	if _, ok := r.typing[key]; !ok {
		return
	}
	delete(r.typing, key)
	r.announceTyping(key, false)
}

func (r *Router) announceTyping(key typingKey, typing bool) {
	payload, err := protocol.Encode(protocol.UserTyping{
		UserID:         key.userID,
		ConversationID: key.conversationID,
		Typing:         typing,
	})
	if err != nil {
		r.log.Error("encode typing state", "error", err)
		return
	}
	r.fanout(r.index.MembersOf(key.conversationID), key.userID, payload)
}
