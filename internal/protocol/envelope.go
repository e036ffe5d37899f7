// Package protocol defines the JSON wire envelopes exchanged between clients
// and the hub, the error taxonomy carried in error envelopes and the close
// reasons carried in close frames.
//
// Every envelope has the shape {"type": ..., "data": {...}}. Inbound
// envelopes are decoded into a closed set of command types and validated
// exactly once, here, before anything is dispatched.
package protocol

import (
	"encoding/json"
	"time"
)

// Type is the envelope discriminator.
type Type string

// Client to server.
const (
	TypeAuthenticate Type = "authenticate"
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeSendMessage  Type = "send_message"
	TypeTypingStart  Type = "typing_start"
	TypeTypingStop   Type = "typing_stop"
	TypeHeartbeat    Type = "heartbeat"
)

// Server to client.
const (
	TypeAuthenticated   Type = "authenticated"
	TypeJoined          Type = "joined"
	TypeLeft            Type = "left"
	TypeNewMessage      Type = "new_message"
	TypeUserTyping      Type = "user_typing"
	TypePresenceChanged Type = "presence_changed"
	TypeError           Type = "error"
	TypePong            Type = "pong"
)

// Envelope is the raw frame on the wire.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Payload is implemented by every envelope body, inbound and outbound.
type Payload interface {
	Kind() Type
}

// Message is a chat message as assigned by the hub. Seq is local to the
// conversation and starts at 1.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	Seq            uint64    `json:"seq"`
	SentAt         time.Time `json:"sentAt"`
}

type Authenticate struct {
	UserID string `json:"userId" validate:"required,max=128,printascii"`
	Token  string `json:"token" validate:"required"`
}

type Join struct {
	ConversationID string `json:"conversationId" validate:"required,max=128,printascii"`
}

type Leave struct {
	ConversationID string `json:"conversationId" validate:"required,max=128,printascii"`
}

type SendMessage struct {
	ConversationID string `json:"conversationId" validate:"required,max=128,printascii"`
	Body           string `json:"body" validate:"required"`
}

type TypingStart struct {
	ConversationID string `json:"conversationId" validate:"required,max=128,printascii"`
}

type TypingStop struct {
	ConversationID string `json:"conversationId" validate:"required,max=128,printascii"`
}

type Heartbeat struct{}

type Authenticated struct {
	UserID      string   `json:"userId"`
	OnlineUsers []string `json:"onlineUsers"`
}

type Joined struct {
	ConversationID string `json:"conversationId"`
}

type Left struct {
	ConversationID string `json:"conversationId"`
}

type NewMessage struct {
	Message Message `json:"message"`
}

// UserTyping announces a typing state change. Typing is false when the
// user stopped explicitly or the state expired.
type UserTyping struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

type PresenceChanged struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type ErrorEvent struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

type Pong struct{}

func (Authenticate) Kind() Type    { return TypeAuthenticate }
func (Join) Kind() Type            { return TypeJoin }
func (Leave) Kind() Type           { return TypeLeave }
func (SendMessage) Kind() Type     { return TypeSendMessage }
func (TypingStart) Kind() Type     { return TypeTypingStart }
func (TypingStop) Kind() Type      { return TypeTypingStop }
func (Heartbeat) Kind() Type       { return TypeHeartbeat }
func (Authenticated) Kind() Type   { return TypeAuthenticated }
func (Joined) Kind() Type          { return TypeJoined }
func (Left) Kind() Type            { return TypeLeft }
func (NewMessage) Kind() Type      { return TypeNewMessage }
func (UserTyping) Kind() Type      { return TypeUserTyping }
func (PresenceChanged) Kind() Type { return TypePresenceChanged }
func (ErrorEvent) Kind() Type      { return TypeError }
func (Pong) Kind() Type            { return TypePong }

// Encode wraps p in an envelope and marshals it.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: p.Kind(), Data: data})
}
