//go:generate go run go.uber.org/mock/mockgen -source=index.go -destination=../mocks/mock_authorizer.go -package=mocks

// Package membership keeps the bidirectional user <-> conversation index.
//
// Memberships are independent of connections: a user who loses every live
// connection keeps their memberships, so a reconnect restores delivery with
// no re-join. Only Leave removes a membership.
package membership

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

// Authorizer decides whether a user may join a conversation.
type Authorizer interface {
	CanJoin(ctx context.Context, userID, conversationID string) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, userID, conversationID string) (bool, error)

func (f AuthorizerFunc) CanJoin(ctx context.Context, userID, conversationID string) (bool, error) {
	return f(ctx, userID, conversationID)
}

// AllowAll admits every join.
var AllowAll = AuthorizerFunc(func(context.Context, string, string) (bool, error) { return true, nil })

type set map[string]struct{}

// Index is not safe for concurrent use, except for Authorize which only
// consults the Authorizer.
type Index struct {
	authz   Authorizer
	members map[string]set // conversation -> users
	joined  map[string]set // user -> conversations
}

func NewIndex(authz Authorizer) *Index {
	if authz == nil {
		authz = AllowAll
	}
	return &Index{
		authz:   authz,
		members: make(map[string]set),
		joined:  make(map[string]set),
	}
}

// Authorize asks the Authorizer whether userID may join conversationID. A
// denial is ErrForbidden; an authorizer failure is wrapped and also leaves
// no membership behind.
func (x *Index) Authorize(ctx context.Context, userID, conversationID string) error {
	ok, err := x.authz.CanJoin(ctx, userID, conversationID)
	if err != nil {
		return fmt.Errorf("authorize %s in %s: %w", userID, conversationID, err)
	}
	if !ok {
		return protocol.ErrForbidden
	}
	return nil
}

// Add records the membership without consulting the Authorizer. It
// reports whether the membership is new.
func (x *Index) Add(userID, conversationID string) bool {
	if x.IsMember(userID, conversationID) {
		return false
	}
	addTo(x.members, conversationID, userID)
	addTo(x.joined, userID, conversationID)
	return true
}

// Join authorizes and then adds the membership.
func (x *Index) Join(ctx context.Context, userID, conversationID string) error {
	if err := x.Authorize(ctx, userID, conversationID); err != nil {
		return err
	}
	x.Add(userID, conversationID)
	return nil
}

// Leave removes the membership and reports whether it existed.
func (x *Index) Leave(userID, conversationID string) bool {
	if !x.IsMember(userID, conversationID) {
		return false
	}
	removeFrom(x.members, conversationID, userID)
	removeFrom(x.joined, userID, conversationID)
	return true
}

func (x *Index) IsMember(userID, conversationID string) bool {
	_, ok := x.members[conversationID][userID]
	return ok
}

func (x *Index) MembersOf(conversationID string) []string {
	return lo.Keys(x.members[conversationID])
}

func (x *Index) ConversationsOf(userID string) []string {
	return lo.Keys(x.joined[userID])
}

// CoMembers returns every other user sharing at least one conversation
// with userID.
func (x *Index) CoMembers(userID string) []string {
	seen := make(set)
	for conversationID := range x.joined[userID] {
		for member := range x.members[conversationID] {
			if member != userID {
				seen[member] = struct{}{}
			}
		}
	}
	return lo.Keys(seen)
}

func addTo(m map[string]set, key, value string) {
	s, ok := m[key]
	if !ok {
		s = make(set)
		m[key] = s
	}
	s[value] = struct{}{}
}

func removeFrom(m map[string]set, key, value string) {
	s, ok := m[key]
	if !ok {
		return
	}
	delete(s, value)
	if len(s) == 0 {
		delete(m, key)
	}
}
