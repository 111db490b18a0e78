package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Toonzaza/cart-sensor/internal/events"
	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

// Publisher puts validated payloads on the bus.
type Publisher interface {
	PublishRaw(topic string, payload []byte) error
}

// AcceptedResponse is returned with 202.
type AcceptedResponse struct {
	Topic  string `json:"topic"`
	Status string `json:"status"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the signed ingest listener.
type Server struct {
	config    Config
	bus       Publisher
	logger    *slog.Logger
	now       func() time.Time
	server    *http.Server
	endpoints map[string]*Endpoint
}

// New creates an ingest server.
func New(config Config, bus Publisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	endpoints := make(map[string]*Endpoint, len(config.Endpoints))
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize <= 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		endpoints[ep.Path] = ep
	}
	return &Server{
		config:    config,
		bus:       bus,
		logger:    logger.With("component", "ingest"),
		now:       time.Now,
		endpoints: endpoints,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("ingest server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("ingest server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ingest server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("ingest server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	for path := range s.endpoints {
		r.Post(path, s.handleIngest)
	}
	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("ingest request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := verifySignature(body, r.Header.Get(endpoint.SignatureHeader), endpoint.Secret); err != nil {
		s.logger.Warn("ingest signature rejected", "path", r.URL.Path, "header", endpoint.SignatureHeader)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	payload, err := s.decode(endpoint.Topic, body)
	if err != nil {
		s.logger.Warn("ingest payload rejected", "path", r.URL.Path, "topic", endpoint.Topic, "error", err)
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.bus.PublishRaw(endpoint.Topic, payload); err != nil {
		if errors.Is(err, events.ErrSubscriberFull) {
			s.logger.Warn("ingest publish overflowed a subscriber", "topic", endpoint.Topic, "error", err)
			s.respondError(w, http.StatusServiceUnavailable, "subscriber mailbox full")
			return
		}
		s.logger.Error("ingest publish failed", "topic", endpoint.Topic, "error", err)
		s.respondError(w, http.StatusInternalServerError, "publish failed")
		return
	}

	s.logger.Debug("ingest published", "path", r.URL.Path, "topic", endpoint.Topic)
	s.respondJSON(w, http.StatusAccepted, AcceptedResponse{Topic: endpoint.Topic, Status: "accepted"})
}

// decode validates body for topic and returns the payload to publish.
// Intake arrays are converted to the object form.
func (s *Server) decode(topic string, body []byte) ([]byte, error) {
	if topic == protocol.TopicJobIntake && bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		in, err := protocol.ParseLegacyIntake(body, s.now())
		if err != nil {
			return nil, err
		}
		return json.Marshal(in)
	}
	if err := protocol.Validate(topic, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
