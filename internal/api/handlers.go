package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Toonzaza/cart-sensor/internal/events"
	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

const (
	maxPublishBody  = 64 << 10
	defaultJobLimit = 50
	maxJobLimit     = 500
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.driver != nil {
		resp.AMRConnected = s.driver.Status().Connected
	}
	if s.orchestrator != nil {
		resp.QueueDepth = len(s.orchestrator.Snapshot().Queue)
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	if s.orchestrator != nil {
		resp.Orchestrator = s.orchestrator.Snapshot()
	}
	if s.driver != nil {
		resp.AMR = s.driver.Status()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleJobs handles GET /jobs?limit=N.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "job journal disabled")
		return
	}
	limit := defaultJobLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJobLimit)
	}

	entries, err := s.jobs.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read job journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read job journal")
		return
	}
	respondJSON(w, http.StatusOK, JobsResponse{Entries: entries})
}

// handlePublish handles POST /publish/{topic}. The body must be a valid
// payload for the topic; nothing malformed reaches the bus.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if !protocol.IsKnownTopic(topic) {
		s.writeError(w, http.StatusNotFound, "unknown topic: "+topic)
		return
	}
	if !protocol.IsExternalTopic(topic) {
		s.writeError(w, http.StatusForbidden, "topic is internal: "+topic)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxPublishBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if err := protocol.Validate(topic, body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.bus.PublishRaw(topic, body); err != nil {
		switch {
		case errors.Is(err, events.ErrSubscriberFull):
			s.logger.Warn("publish overflowed a subscriber", "topic", topic, "error", err)
			s.writeError(w, http.StatusServiceUnavailable, "subscriber mailbox full")
		default:
			s.logger.Error("publish failed", "topic", topic, "error", err)
			s.writeError(w, http.StatusInternalServerError, "publish failed")
		}
		return
	}
	respondJSON(w, http.StatusAccepted, PublishResponse{Topic: topic, Status: "accepted"})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
