package membership

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/gochat-hub/internal/mocks"
	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

func TestIndex_Join_Authorized(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	authz := mocks.NewMockAuthorizer(ctrl)
	authz.EXPECT().CanJoin(gomock.Any(), "alice", "c1").Return(true, nil)

	x := NewIndex(authz)
	req.NoError(x.Join(context.Background(), "alice", "c1"))

	req.True(x.IsMember("alice", "c1"))
	req.Equal([]string{"alice"}, x.MembersOf("c1"))
	req.Equal([]string{"c1"}, x.ConversationsOf("alice"))
}

func TestIndex_Join_Denied_Creates_No_Entry(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	authz := mocks.NewMockAuthorizer(ctrl)
	authz.EXPECT().CanJoin(gomock.Any(), "mallory", "secret").Return(false, nil)

	x := NewIndex(authz)
	err := x.Join(context.Background(), "mallory", "secret")

	req.ErrorIs(err, protocol.ErrForbidden)
	req.False(x.IsMember("mallory", "secret"))
	req.Empty(x.MembersOf("secret"))
	req.Empty(x.ConversationsOf("mallory"))
}

func TestIndex_Join_Authorizer_Failure_Creates_No_Entry(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	authz := mocks.NewMockAuthorizer(ctrl)
	boom := errors.New("authorization service unavailable")
	authz.EXPECT().CanJoin(gomock.Any(), "alice", "c1").Return(false, boom)

	x := NewIndex(authz)
	err := x.Join(context.Background(), "alice", "c1")

	req.ErrorIs(err, boom)
	req.False(x.IsMember("alice", "c1"))
}

func TestIndex_Leave(t *testing.T) {
	req := require.New(t)
	x := NewIndex(nil)
	x.Add("alice", "c1")
	x.Add("alice", "c2")
	x.Add("bob", "c1")

	req.True(x.Leave("alice", "c1"))
	req.False(x.Leave("alice", "c1"))

	req.False(x.IsMember("alice", "c1"))
	req.Equal([]string{"bob"}, x.MembersOf("c1"))
	req.Equal([]string{"c2"}, x.ConversationsOf("alice"))

	req.True(x.Leave("bob", "c1"))
	req.Empty(x.MembersOf("c1"))
	req.NotContains(x.members, "c1", "empty conversations are pruned")
}

func TestIndex_Add_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	x := NewIndex(nil)

	req.True(x.Add("alice", "c1"))
	req.False(x.Add("alice", "c1"))
	req.Len(x.MembersOf("c1"), 1)
}

func TestIndex_CoMembers(t *testing.T) {
	req := require.New(t)
	x := NewIndex(nil)
	x.Add("alice", "c1")
	x.Add("bob", "c1")
	x.Add("alice", "c2")
	x.Add("carol", "c2")
	x.Add("bob", "c2")
	x.Add("dave", "c3")

	req.ElementsMatch([]string{"bob", "carol"}, x.CoMembers("alice"))
	req.Empty(x.CoMembers("dave"))
	req.Empty(x.CoMembers("nobody"))
}
