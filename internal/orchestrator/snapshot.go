package orchestrator

import (
	"time"

	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

// Snapshot is an immutable view of the orchestrator, served by the API and
// written to the orchestrator snapshot file.
type Snapshot struct {
	State           State                 `json:"state"`
	Current         *Job                  `json:"current,omitempty"`
	Queue           []Job                 `json:"queue"`
	Photo           map[string]int        `json:"photo"`
	ClearSince      *time.Time            `json:"clear_since,omitempty"`
	ClearRequired   float64               `json:"clear_required_secs"`
	Released        bool                  `json:"released,omitempty"`
	LastMatch       *protocol.MatchResult `json:"last_match,omitempty"`
	DriverConnected bool                  `json:"driver_connected"`
	LastActivity    *time.Time            `json:"last_activity,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func (o *Orchestrator) buildSnapshot() *Snapshot {
	photo, since := o.photo.snapshot()
	s := &Snapshot{
		State:           o.state,
		Queue:           o.queue.list(),
		Photo:           photo,
		ClearSince:      since,
		ClearRequired:   o.cfg.ClearDuration.Seconds(),
		Released:        o.released,
		DriverConnected: o.connected,
		UpdatedAt:       o.now().UTC(),
	}
	if o.current != nil {
		cur := *o.current
		s.Current = &cur
		at := o.lastActivity
		s.LastActivity = &at
	}
	if o.lastMatch != nil {
		m := *o.lastMatch
		s.LastMatch = &m
	}
	return s
}
