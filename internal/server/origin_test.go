package server

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   string
		ok     bool
	}{
		{"http://example.com", "http://example.com", true},
		{"HTTP://Example.COM", "http://example.com", true},
		{"http://example.com/some/path", "http://example.com", true},
		{"https://example.com:8443", "https://example.com:8443", true},
		{"not-a-url", "", false},
		{"://missing-scheme", "", false},
		{"http://", "", false},
		{"javascript:alert(1)", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			got, ok := normalizeOrigin(tt.origin)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"exact match", []string{"http://example.com"}, "http://example.com", true},
		{"case insensitive", []string{"http://example.com"}, "HTTP://EXAMPLE.COM", true},
		{"different port", []string{"http://localhost:8080"}, "http://localhost:9090", false},
		{"scheme differs", []string{"http://example.com"}, "https://example.com", false},
		{"missing origin", []string{"http://example.com"}, "", false},
		{"wildcard", []string{"*"}, "https://anything.example", true},
		{"wildcard still needs a valid origin", []string{"*"}, "not-a-url", false},
		{"invalid entries ignored", []string{"garbage", "http://ok.example"}, "http://ok.example", true},
		{"nothing configured", nil, "http://example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newOriginPolicy(tt.allowed, discardLogger())
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			require.Equal(t, tt.want, p.check(r))
		})
	}
}
