package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-hub/internal/hub"
)

// Server exposes a hub over HTTP and WebSocket.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	log      *slog.Logger
	origins  *originPolicy
	upgrader websocket.Upgrader

	ctx     context.Context
	cancel  context.CancelFunc
	clients sync.WaitGroup

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a server for h. The hub must be running before clients
// connect.
func New(cfg Config, h *hub.Hub, log *slog.Logger) *Server {
	cfg = sanitizeConfig(cfg)
	log = log.With("component", "server")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		hub:     h,
		log:     log,
		origins: newOriginPolicy(cfg.AllowedOrigins, log),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// HTTPServer creates the HTTP server with security settings and the
// application routes.
func (s *Server) HTTPServer() *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer == nil {
		s.httpServer = &http.Server{
			Addr:              s.cfg.Port,
			Handler:           s.Routes(),
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}
	return s.httpServer
}

// Start listens on the configured port and blocks until the server stops.
// A stop caused by Shutdown is not an error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Port)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := s.HTTPServer()
	s.log.Info("Server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and cancels in-flight client work.
// Open WebSocket connections end when the hub closes them; use Wait to
// block until their pumps have exited.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.cancel()
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Wait blocks until every client pump has exited or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.clients.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
