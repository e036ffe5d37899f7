package server

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"

	"github.com/Tyrowin/gochat-hub/internal/hub"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	Hub            hub.Config

	JWTSecret       string
	JWTIssuer       string
	ACLFile         string
	BadgerPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// environment is the raw shape read from the process environment.
// RATE_LIMIT_REFILL_INTERVAL is in whole seconds.
type environment struct {
	Port                    string        `env:"SERVER_PORT,default=:8080"`
	AllowedOrigins          string        `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxMessageSize          int64         `env:"MAX_MESSAGE_SIZE,default=16384"`
	RateLimitBurst          int           `env:"RATE_LIMIT_BURST,default=5"`
	RateLimitRefillInterval int           `env:"RATE_LIMIT_REFILL_INTERVAL,default=1"`
	QueueSize               int           `env:"QUEUE_SIZE,default=1000"`
	HeartbeatInterval       time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	TypingTimeout           time.Duration `env:"TYPING_TIMEOUT,default=5s"`
	PresenceDebounce        time.Duration `env:"PRESENCE_DEBOUNCE,default=2s"`
	MaxBodyLength           int           `env:"MAX_BODY_LENGTH,default=4000"`
	PersistWorkers          int           `env:"PERSIST_WORKERS,default=4"`
	PersistQueueSize        int           `env:"PERSIST_QUEUE_SIZE,default=1024"`
	PersistTimeout          time.Duration `env:"PERSIST_TIMEOUT,default=5s"`
	JWTSecret               string        `env:"JWT_SECRET"`
	JWTIssuer               string        `env:"JWT_ISSUER,default=gochat-hub"`
	ACLFile                 string        `env:"ACL_FILE"`
	BadgerPath              string        `env:"BADGER_PATH"`
	LogLevel                string        `env:"LOG_LEVEL,default=info"`
	LogFormat               string        `env:"LOG_FORMAT,default=text"`
	ShutdownTimeout         time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := sanitizeConfig(Config{
		AllowedOrigins: []string{"http://localhost:8080"},
		JWTIssuer:      "gochat-hub",
	})
	return &cfg
}

// LoadConfig reads the configuration from the environment. Unset variables
// fall back to their defaults; values that parse but make no sense are
// replaced by defaults as well.
func LoadConfig() (*Config, error) {
	var e environment
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	cfg := sanitizeConfig(Config{
		Port:           e.Port,
		AllowedOrigins: parseOrigins(e.AllowedOrigins),
		MaxMessageSize: e.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          e.RateLimitBurst,
			RefillInterval: time.Duration(e.RateLimitRefillInterval) * time.Second,
		},
		Hub: hub.Config{
			QueueSize:         e.QueueSize,
			HeartbeatInterval: e.HeartbeatInterval,
			PresenceDebounce:  e.PresenceDebounce,
			TypingTimeout:     e.TypingTimeout,
			MaxBodyLength:     e.MaxBodyLength,
			PersistWorkers:    e.PersistWorkers,
			PersistQueueSize:  e.PersistQueueSize,
			PersistTimeout:    e.PersistTimeout,
		},
		JWTSecret:       e.JWTSecret,
		JWTIssuer:       e.JWTIssuer,
		ACLFile:         e.ACLFile,
		BadgerPath:      e.BadgerPath,
		LogLevel:        e.LogLevel,
		LogFormat:       e.LogFormat,
		ShutdownTimeout: e.ShutdownTimeout,
	})
	return &cfg, nil
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 16384
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		cfg.LogFormat = "json"
	default:
		cfg.LogFormat = "text"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
