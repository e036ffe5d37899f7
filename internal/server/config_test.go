package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	req := require.New(t)
	cfg := NewConfig()

	req.Equal(":8080", cfg.Port)
	req.Equal([]string{"http://localhost:8080"}, cfg.AllowedOrigins)
	req.EqualValues(16384, cfg.MaxMessageSize)
	req.Equal(5, cfg.RateLimit.Burst)
	req.Equal(time.Second, cfg.RateLimit.RefillInterval)
	req.Equal("gochat-hub", cfg.JWTIssuer)
	req.Equal("text", cfg.LogFormat)
	req.Equal(10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	req := require.New(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, https://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "20")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3")
	t.Setenv("QUEUE_SIZE", "50")
	t.Setenv("TYPING_TIMEOUT", "7s")
	t.Setenv("PRESENCE_DEBOUNCE", "500ms")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LOG_FORMAT", "JSON")

	cfg, err := LoadConfig()
	req.NoError(err)

	req.Equal(":9090", cfg.Port)
	req.Equal([]string{"http://a.example", "https://b.example"}, cfg.AllowedOrigins)
	req.EqualValues(2048, cfg.MaxMessageSize)
	req.Equal(RateLimitConfig{Burst: 20, RefillInterval: 3 * time.Second}, cfg.RateLimit)
	req.Equal(50, cfg.Hub.QueueSize)
	req.Equal(7*time.Second, cfg.Hub.TypingTimeout)
	req.Equal(500*time.Millisecond, cfg.Hub.PresenceDebounce)
	req.Equal("s3cret", cfg.JWTSecret)
	req.Equal("json", cfg.LogFormat)
}

func TestLoadConfigRejectsUnparsableValues(t *testing.T) {
	t.Setenv("QUEUE_SIZE", "lots")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestSanitizeConfigReplacesNonsense(t *testing.T) {
	req := require.New(t)
	cfg := sanitizeConfig(Config{
		MaxMessageSize:  -1,
		RateLimit:       RateLimitConfig{Burst: 0, RefillInterval: -time.Second},
		ShutdownTimeout: -1,
		LogFormat:       "xml",
	})

	req.Equal(":8080", cfg.Port)
	req.EqualValues(16384, cfg.MaxMessageSize)
	req.Equal(5, cfg.RateLimit.Burst)
	req.Equal(time.Second, cfg.RateLimit.RefillInterval)
	req.Equal(10*time.Second, cfg.ShutdownTimeout)
	req.Equal("text", cfg.LogFormat)
	req.Equal("info", cfg.LogLevel)
}

func TestParseOrigins(t *testing.T) {
	req := require.New(t)
	req.Nil(parseOrigins("   "))
	req.Equal([]string{"*"}, parseOrigins("*"))
	req.Equal([]string{"http://a", "", "http://b"}, parseOrigins("http://a,,http://b"))
}
