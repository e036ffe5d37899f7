package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/Tyrowin/gochat-hub/internal/auth"
	"github.com/Tyrowin/gochat-hub/internal/hub"
	"github.com/Tyrowin/gochat-hub/internal/router"
	"github.com/Tyrowin/gochat-hub/internal/server"
	"github.com/Tyrowin/gochat-hub/internal/store"
)

// messageStore is what the hub needs from a store, plus Close.
type messageStore interface {
	router.MessageStore
	hub.HistoryReader
	hub.SequenceReader
	io.Closer
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run() (int, error) {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := server.LoadConfig()
	if err != nil {
		return 1, err
	}

	flagSet := pflag.NewFlagSet("gochat-hub", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Port, "port", cfg.Port, "listen address, overrides SERVER_PORT")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	flagSet.StringVar(&cfg.BadgerPath, "badger-path", cfg.BadgerPath, "message store directory; empty keeps messages in memory")
	flagSet.StringVar(&cfg.ACLFile, "acl-file", cfg.ACLFile, "YAML join policy; empty admits every join")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, nil
		}
		return 2, err
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.JWTSecret == "" {
		return 1, errors.New("JWT_SECRET must be set")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		return 1, err
	}

	var opts []hub.Option
	if cfg.ACLFile != "" {
		policy, err := auth.LoadPolicy(cfg.ACLFile)
		if err != nil {
			return 1, err
		}
		opts = append(opts, hub.WithAuthorizer(policy))
		log.Info("Join policy loaded", "path", cfg.ACLFile)
	}

	messages, err := openStore(cfg.BadgerPath, log)
	if err != nil {
		return 1, err
	}
	opts = append(opts, hub.WithStore(messages))

	h := hub.New(cfg.Hub, verifier, log, opts...)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hubDone := make(chan error, 1)
	go func() { hubDone <- h.Run(hubCtx) }()

	srv := server.New(*cfg, h, log)
	ln, err := net.Listen("tcp", cfg.Port)
	if err != nil {
		stopHub()
		<-hubDone
		_ = messages.Close()
		return 1, err
	}
	go func() {
		if err := srv.Serve(ln); err != nil {
			log.Error("HTTP server stopped", "error", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"gochat-hub": func(ctx context.Context) error {
				log.Info("Graceful shutdown initiated")
				var errs []error
				if err := srv.Shutdown(ctx); err != nil {
					errs = append(errs, fmt.Errorf("http server: %w", err))
				}
				if err := h.Shutdown(remaining(ctx)); err != nil {
					errs = append(errs, fmt.Errorf("hub: %w", err))
				}
				stopHub()
				if err := <-hubDone; err != nil {
					errs = append(errs, fmt.Errorf("hub: %w", err))
				}
				if err := srv.Wait(ctx); err != nil {
					errs = append(errs, fmt.Errorf("client pumps: %w", err))
				}
				if err := messages.Close(); err != nil {
					errs = append(errs, fmt.Errorf("message store: %w", err))
				}
				return errors.Join(errs...)
			},
		},
	)

	code := <-wait
	log.Info("Server exited", "code", code)
	return code, nil
}

func openStore(badgerPath string, log *slog.Logger) (messageStore, error) {
	if badgerPath == "" {
		log.Info("Using in-memory message store")
		return store.NewMemoryStore(), nil
	}
	s, err := store.OpenBadger(badgerPath, log)
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}
	log.Info("Using badger message store", "path", badgerPath)
	return s, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 10 * time.Second
	}
	return time.Until(deadline)
}
