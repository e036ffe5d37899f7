package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-hub/internal/auth"
)

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	req := require.New(t)
	var out bytes.Buffer

	err := run([]string{"token", "--user", "alice", "--secret", "s3cret", "--issuer", "test"}, strings.NewReader(""), &out)
	req.NoError(err)

	verifier, err := auth.NewJWTVerifier([]byte("s3cret"), "test")
	req.NoError(err)
	user, err := verifier.Verify(context.Background(), "alice", strings.TrimSpace(out.String()))
	req.NoError(err)
	req.Equal("alice", user)
}

func TestTokenCommandRequiresUser(t *testing.T) {
	err := run([]string{"token", "--secret", "s3cret"}, strings.NewReader(""), &bytes.Buffer{})
	require.ErrorContains(t, err, "--user")
}

func TestUnknownCommand(t *testing.T) {
	err := run([]string{"frobnicate"}, strings.NewReader(""), &bytes.Buffer{})
	require.ErrorContains(t, err, "unknown command")
}

func TestChatCommandRequiresIdentity(t *testing.T) {
	err := run([]string{"chat", "--user", "alice"}, strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
}
