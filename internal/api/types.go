package api

import (
	"github.com/Toonzaza/cart-sensor/internal/amr"
	"github.com/Toonzaza/cart-sensor/internal/journal"
	"github.com/Toonzaza/cart-sensor/internal/orchestrator"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	AMRConnected  bool   `json:"amr_connected"`
	QueueDepth    int    `json:"queue_depth"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Orchestrator orchestrator.Snapshot `json:"orchestrator"`
	AMR          amr.Status            `json:"amr"`
}

// JobsResponse is returned by GET /jobs.
type JobsResponse struct {
	Entries []journal.Entry `json:"entries"`
}

// PublishResponse is returned by POST /publish/{topic}.
type PublishResponse struct {
	Topic  string `json:"topic"`
	Status string `json:"status"`
}
