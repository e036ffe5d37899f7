package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_Issue_And_Verify(t *testing.T) {
	req := require.New(t)
	v, err := NewJWTVerifier([]byte("test-secret"), "gochat-hub")
	req.NoError(err)

	token, err := v.Issue("alice", time.Hour)
	req.NoError(err)

	userID, err := v.Verify(context.Background(), "alice", token)
	req.NoError(err)
	req.Equal("alice", userID)

	userID, err = v.Verify(context.Background(), "", token)
	req.NoError(err)
	req.Equal("alice", userID, "identity comes from the token when none is claimed")
}

func TestJWTVerifier_Rejects(t *testing.T) {
	v, err := NewJWTVerifier([]byte("test-secret"), "gochat-hub")
	require.NoError(t, err)
	other, err := NewJWTVerifier([]byte("another-secret"), "gochat-hub")
	require.NoError(t, err)
	foreign, err := NewJWTVerifier([]byte("test-secret"), "someone-else")
	require.NoError(t, err)

	good, _ := v.Issue("alice", time.Hour)
	expired, _ := v.Issue("alice", -time.Minute)
	wrongKey, _ := other.Issue("alice", time.Hour)
	wrongIssuer, _ := foreign.Issue("alice", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name    string
		claimed string
		token   string
		want    error
	}{
		{"garbage", "alice", "not-a-jwt", ErrInvalidToken},
		{"expired", "alice", expired, ErrInvalidToken},
		{"wrong key", "alice", wrongKey, ErrInvalidToken},
		{"wrong issuer", "alice", wrongIssuer, ErrInvalidToken},
		{"unsigned", "alice", none, ErrInvalidToken},
		{"someone else's token", "mallory", good, ErrIdentityMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.claimed, tt.token)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewJWTVerifier_Requires_Secret(t *testing.T) {
	_, err := NewJWTVerifier(nil, "")
	require.ErrorIs(t, err, ErrEmptySecret)
}

func TestPolicy_CanJoin(t *testing.T) {
	req := require.New(t)
	p, err := ParsePolicy([]byte(`
default: deny
conversations:
  general: ["*"]
  ops: [alice, bob]
`))
	req.NoError(err)

	tests := []struct {
		user, conversation string
		want               bool
	}{
		{"carol", "general", true},
		{"alice", "ops", true},
		{"carol", "ops", false},
		{"alice", "unlisted", false},
	}
	for _, tt := range tests {
		ok, err := p.CanJoin(context.Background(), tt.user, tt.conversation)
		req.NoError(err)
		req.Equalf(tt.want, ok, "%s in %s", tt.user, tt.conversation)
	}
}

func TestPolicy_Default_Allow(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "acl.yaml")
	req.NoError(os.WriteFile(path, []byte("default: allow\nconversations:\n  ops: [alice]\n"), 0o600))

	p, err := LoadPolicy(path)
	req.NoError(err)

	ok, _ := p.CanJoin(context.Background(), "carol", "random")
	req.True(ok)
	ok, _ = p.CanJoin(context.Background(), "carol", "ops")
	req.False(ok)
}

func TestParsePolicy_Rejects_Unknown_Default(t *testing.T) {
	_, err := ParsePolicy([]byte("default: maybe\n"))
	require.Error(t, err)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
