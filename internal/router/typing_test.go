package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

func typingEvents(events []protocol.Payload) []protocol.UserTyping {
	var out []protocol.UserTyping
	for _, ev := range events {
		if ut, ok := ev.(protocol.UserTyping); ok {
			out = append(out, ut)
		}
	}
	return out
}

func TestTyping_Start_Is_Announced_To_Others_Once(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	alice := f.connect(t, "alice", "c1")
	bob := f.connect(t, "bob", "c1")

	req.NoError(f.router.StartTyping(alice.ID(), "c1"))
	req.NoError(f.router.StartTyping(alice.ID(), "c1"))

	req.Equal([]protocol.UserTyping{{UserID: "alice", ConversationID: "c1", Typing: true}}, typingEvents(drain(t, bob)))
	req.Empty(drain(t, alice), "the typing user is not told about themselves")
	req.True(f.router.Typing("alice", "c1"))
}

func TestTyping_Renewal_Extends_Expiry(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	alice := f.connect(t, "alice", "c1")
	bob := f.connect(t, "bob", "c1")

	req.NoError(f.router.StartTyping(alice.ID(), "c1"))
	f.now = f.now.Add(4 * time.Second)
	req.NoError(f.router.StartTyping(alice.ID(), "c1"))
	f.now = f.now.Add(4 * time.Second)

	req.Zero(f.router.SweepTyping(f.now), "renewed state outlives the first deadline")
	f.now = f.now.Add(time.Second)
	req.Equal(1, f.router.SweepTyping(f.now))

	req.Equal([]protocol.UserTyping{
		{UserID: "alice", ConversationID: "c1", Typing: true},
		{UserID: "alice", ConversationID: "c1", Typing: false},
	}, typingEvents(drain(t, bob)))
	req.False(f.router.Typing("alice", "c1"))
}

func TestTyping_Stop_Announces_Only_Active_State(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	alice := f.connect(t, "alice", "c1")
	bob := f.connect(t, "bob", "c1")

	req.NoError(f.router.StopTyping(alice.ID(), "c1"))
	req.Empty(drain(t, bob))

	req.NoError(f.router.StartTyping(alice.ID(), "c1"))
	req.NoError(f.router.StopTyping(alice.ID(), "c1"))
	req.Equal([]protocol.UserTyping{
		{UserID: "alice", ConversationID: "c1", Typing: true},
		{UserID: "alice", ConversationID: "c1", Typing: false},
	}, typingEvents(drain(t, bob)))
}

func TestTyping_Requires_Membership(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	eve := f.connect(t, "eve")
	anon := f.reg.Register("anon")

	req.ErrorIs(f.router.StartTyping(eve.ID(), "c1"), protocol.ErrNotAMember)
	req.ErrorIs(f.router.StartTyping(anon.ID(), "c1"), protocol.ErrUnauthenticated)
	req.False(f.router.Typing("eve", "c1"))
}

func TestTyping_Clear_On_Leave(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	alice := f.connect(t, "alice", "c1")
	bob := f.connect(t, "bob", "c1")

	req.NoError(f.router.StartTyping(alice.ID(), "c1"))
	drain(t, bob)

	f.router.ClearTyping("alice", "c1")
	f.router.ClearTyping("alice", "c1")
	req.Equal([]protocol.UserTyping{{UserID: "alice", ConversationID: "c1", Typing: false}}, typingEvents(drain(t, bob)))
	req.Zero(f.router.SweepTyping(f.now.Add(time.Hour)))
}
