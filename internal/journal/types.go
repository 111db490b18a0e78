package journal

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

// Kind is a job lifecycle event.
type Kind string

const (
	KindAccepted   Kind = "accepted"
	KindDuplicate  Kind = "duplicate"
	KindRejected   Kind = "rejected"
	KindDropped    Kind = "dropped"
	KindDispatched Kind = "dispatched"
	KindRequeued   Kind = "requeued"
	KindCompleted  Kind = "completed"
)

// Entry is one journal row.
type Entry struct {
	ID          string             `json:"id"`
	JobID       string             `json:"job_id"`
	Kind        Kind               `json:"kind"`
	Op          protocol.Operation `json:"op"`
	GoalID      string             `json:"goal_id"`
	Fingerprint string             `json:"fingerprint"`
	DedupeKey   string             `json:"dedupe_key"`
	Detail      string             `json:"detail,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

var ErrInvalidEntry = errors.New("invalid journal entry")
