// Command chatctl mints development tokens and chats with a running hub
// from the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/Tyrowin/gochat-hub/internal/auth"
	"github.com/Tyrowin/gochat-hub/internal/chatclient"
	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	_ = godotenv.Load()

	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}
	switch args[0] {
	case "token":
		return runToken(args[1:], stdout)
	case "chat":
		return runChat(args[1:], stdin, stdout)
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: chatctl <command> [flags]

Commands:
  token   sign a token for a user with JWT_SECRET
  chat    connect to a hub, join conversations and talk

Run "chatctl <command> --help" for the flags of a command.
`)
}

func runToken(args []string, stdout io.Writer) error {
	var user, secret, issuer string
	var ttl time.Duration

	flagSet := pflag.NewFlagSet("chatctl token", pflag.ContinueOnError)
	flagSet.StringVarP(&user, "user", "u", "", "user id to issue the token for")
	flagSet.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HMAC secret (default $JWT_SECRET)")
	flagSet.StringVar(&issuer, "issuer", envOr("JWT_ISSUER", "gochat-hub"), "token issuer (default $JWT_ISSUER)")
	flagSet.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if user == "" {
		return errors.New("--user is required")
	}

	verifier, err := auth.NewJWTVerifier([]byte(secret), issuer)
	if err != nil {
		return err
	}
	token, err := verifier.Issue(user, ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func runChat(args []string, stdin io.Reader, stdout io.Writer) error {
	var url, origin, user, token, conversation string
	var verbose bool

	flagSet := pflag.NewFlagSet("chatctl chat", pflag.ContinueOnError)
	flagSet.StringVar(&url, "url", "ws://localhost:8080/ws", "hub WebSocket URL")
	flagSet.StringVar(&origin, "origin", "http://localhost:8080", "Origin header sent on connect")
	flagSet.StringVarP(&user, "user", "u", "", "user id")
	flagSet.StringVarP(&token, "token", "t", "", "token for the user")
	flagSet.StringVarP(&conversation, "conversation", "c", "", "conversation to join and write to")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log connection state changes")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if user == "" || token == "" || conversation == "" {
		return errors.New("--user, --token and --conversation are required")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := chatclient.New(chatclient.Config{
		URL:           url,
		Origin:        origin,
		UserID:        user,
		Token:         token,
		Conversations: []string{conversation},
		Logger:        log,
		OnStateChange: func(from, to chatclient.State) {
			log.Info("Connection state", "from", from.String(), "to", to.String())
		},
	})

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()
	go printEvents(client.Events(), stdout)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				stop()
				return <-runErr
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := client.Send(ctx, conversation, line); err != nil {
				log.Warn("Message not sent", "error", err)
			}
		}
	}
}

func printEvents(events <-chan protocol.Payload, out io.Writer) {
	for ev := range events {
		switch e := ev.(type) {
		case protocol.NewMessage:
			fmt.Fprintf(out, "[%s #%d] %s: %s\n", e.Message.ConversationID, e.Message.Seq, e.Message.SenderID, e.Message.Body)
		case protocol.UserTyping:
			if e.Typing {
				fmt.Fprintf(out, "  %s is typing in %s\n", e.UserID, e.ConversationID)
			}
		case protocol.PresenceChanged:
			status := "offline"
			if e.Online {
				status = "online"
			}
			fmt.Fprintf(out, "  %s is %s\n", e.UserID, status)
		case protocol.Authenticated:
			fmt.Fprintf(out, "  signed in as %s; online: %s\n", e.UserID, strings.Join(e.OnlineUsers, ", "))
		case protocol.Joined:
			fmt.Fprintf(out, "  joined %s\n", e.ConversationID)
		case protocol.ErrorEvent:
			fmt.Fprintf(out, "  error %s: %s\n", e.Code, e.Message)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
