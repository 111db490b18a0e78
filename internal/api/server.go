// Package api serves the operator HTTP API: health, live status, the event
// stream, journal history and a validated publish endpoint for external
// collaborators.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Toonzaza/cart-sensor/internal/amr"
	"github.com/Toonzaza/cart-sensor/internal/auth"
	"github.com/Toonzaza/cart-sensor/internal/events"
	"github.com/Toonzaza/cart-sensor/internal/journal"
	"github.com/Toonzaza/cart-sensor/internal/orchestrator"
)

// Bus is the slice of the event hub the API needs.
type Bus interface {
	PublishRaw(topic string, payload []byte) error
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Orchestrator exposes the current job state.
type Orchestrator interface {
	Snapshot() orchestrator.Snapshot
}

// Driver exposes the AMR session state.
type Driver interface {
	Status() amr.Status
}

// JobHistory lists recent journal entries.
type JobHistory interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token (scope "*").
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// KeepAlive is the SSE comment interval. Zero means 15s.
	KeepAlive time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config       Config
	bus          Bus
	orchestrator Orchestrator
	driver       Driver
	jobs         JobHistory
	keys         *auth.Keyring
	logger       *slog.Logger
	server       *http.Server
	startedAt    time.Time
}

// New creates a new API server instance. jobs may be nil.
func New(config Config, bus Bus, orch Orchestrator, driver Driver, jobs JobHistory, logger *slog.Logger) *Server {
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:       config,
		bus:          bus,
		orchestrator: orch,
		driver:       driver,
		jobs:         jobs,
		keys:         auth.NewKeyring(config.APIKey, config.Tokens),
		logger:       logger.With("component", "api"),
		startedAt:    time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeStatusRO)).Get("/status", s.handleStatus)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
		r.With(s.requireScopes(auth.ScopeJobsRO)).Get("/jobs", s.handleJobs)
		r.With(s.requireScopes(auth.ScopeBusRW)).Post("/publish/{topic}", s.handlePublish)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
