// Package api serves the ChatSync message list over HTTP.
//
// Routes:
//
//	GET    /messages          refresh from the remote and return the list
//	POST   /messages          send a new message
//	DELETE /messages          clear the local cache
//	GET    /messages/pending  messages awaiting a successful send
//	GET    /messages/stream   Server-Sent Events of every store snapshot
//	GET    /health            liveness
//	GET    /metrics           Prometheus metrics
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/ChatSync/internal/models"
	"github.com/BTreeMap/ChatSync/internal/store"
)

// Default server settings.
const (
	DefaultAPIAddr         = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
)

// MessageService is the reconciler the HTTP layer drives.
type MessageService interface {
	Send(ctx context.Context, content string) (models.Message, error)
	Load(ctx context.Context) ([]models.Message, error)
	Clear(ctx context.Context) error
	Messages(ctx context.Context) <-chan store.Snapshot
	Pending() ([]models.Message, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithShutdownTimeout bounds how long Run waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// Server wires the HTTP routes to a MessageService.
type Server struct {
	svc             MessageService
	addr            string
	shutdownTimeout time.Duration
	router          chi.Router
}

// NewServer creates a Server for svc.
func NewServer(svc MessageService, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAPIAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAPIAddr
	}
	s := &Server{svc: svc, addr: cfg.Addr, shutdownTimeout: cfg.ShutdownTimeout}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(recordMetrics)

	r.Get("/health", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/messages", func(r chi.Router) {
		r.Get("/", s.listMessagesHandler)
		r.Post("/", s.sendMessageHandler)
		r.Delete("/", s.clearMessagesHandler)
		r.Get("/pending", s.pendingMessagesHandler)
		r.Get("/stream", s.streamMessagesHandler)
	})
	return r
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ChatSync API server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	slog.Info("Server.Run: API server stopped")
	return nil
}
