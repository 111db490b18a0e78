// Package protocol defines the bus topics and payloads exchanged between the
// AMR session, the orchestrator, and external collaborators (sensor drivers,
// intake front end, indicator actuators).
package protocol

import (
	"math"
	"time"
)

// Bus topics.
const (
	TopicJobIntake         = "job.intake"
	TopicMatchResult       = "match.result"
	TopicSensorPhoto       = "sensor.photo"
	TopicDispatchTrigger   = "dispatch.trigger"
	TopicDispatchRelease   = "dispatch.release"
	TopicDispatchResult    = "dispatch.result"
	TopicDriverStatus      = "driver.status"
	TopicDriverConnected   = "driver.connected"
	TopicDriverSequence    = "driver.sequence"
	TopicIndicator         = "led.cmd"
	TopicOrchestratorState = "orchestrator.state"
	TopicSchedulerTick     = "scheduler.tick"
)

// Operation is the kind of job requested by the intake front end.
type Operation string

const (
	OpRequest Operation = "Request"
	OpReturn  Operation = "Return"
)

// JobIntake is a validated job submitted by the intake front end.
// CUHIDs and KitIDs hold the primary and secondary carrier ids of each
// category; nil means "not expected".
type JobIntake struct {
	Op     Operation `json:"op"`
	GoalID string    `json:"goal_id"`
	CUHIDs []*string `json:"cuh_ids"`
	KitIDs []*string `json:"kit_ids"`
	TS     float64   `json:"ts"`
}

// CategoryFlags carries one boolean per carrier category.
type CategoryFlags struct {
	CUH bool `json:"cuh"`
	Kit bool `json:"kit"`
}

// MatchResult reports whether the carriers seen on the cart match the job
// expected for GoalID.
type MatchResult struct {
	GoalID   string              `json:"goal_id"`
	Op       Operation           `json:"op,omitempty"`
	Required CategoryFlags       `json:"required"`
	Matched  CategoryFlags       `json:"matched"`
	Complete bool                `json:"complete"`
	Seen     map[string][]string `json:"seen,omitempty"`
	TS       float64             `json:"ts,omitempty"`
}

// PhotoReading is a single photo sensor state. State 1 is clear, 0 blocked.
type PhotoReading struct {
	Name  string  `json:"name"`
	State int     `json:"state"`
	TS    float64 `json:"ts,omitempty"`
}

// Clear reports whether the sensor sees nothing in front of it.
func (p PhotoReading) Clear() bool { return p.State == 1 }

// LineTag is a classification attached to a driver status line.
type LineTag struct {
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields,omitempty"`
}

// DriverStatus is one raw line received from the AMR.
type DriverStatus struct {
	Line  string    `json:"line"`
	TS    float64   `json:"ts"`
	Seq   uint64    `json:"seq,omitempty"`
	Fatal bool      `json:"fatal,omitempty"`
	Tags  []LineTag `json:"tags,omitempty"`
}

// DriverConnected announces a connectivity transition of the AMR session.
type DriverConnected struct {
	Connected bool    `json:"connected"`
	TS        float64 `json:"ts"`
}

// DispatchTrigger asks the driver to run a sequence for a job.
type DispatchTrigger struct {
	JobID    string    `json:"job_id"`
	Op       Operation `json:"op"`
	GoalID   string    `json:"goal_id"`
	Waypoint string    `json:"waypoint"`
	Attempt  int       `json:"attempt,omitempty"`
	TS       float64   `json:"ts"`
}

// DispatchRelease unblocks the confirmation step of a Return sequence.
type DispatchRelease struct {
	JobID  string  `json:"job_id"`
	GoalID string  `json:"goal_id"`
	Reason string  `json:"reason,omitempty"`
	TS     float64 `json:"ts"`
}

// Dispatch result statuses.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
	ResultBusy   = "busy"
)

// DispatchResult is the driver's report once a sequence ends.
type DispatchResult struct {
	JobID  string `json:"job_id"`
	GoalID string `json:"goal_id"`
	Status string `json:"status"`
	Step   string `json:"step,omitempty"`
	Error  string `json:"error,omitempty"`
	// Attempt echoes DispatchTrigger.Attempt.
	Attempt int     `json:"attempt,omitempty"`
	TS      float64 `json:"ts"`
}

// SequenceProgress reports a sequence step transition.
type SequenceProgress struct {
	JobID string  `json:"job_id"`
	Step  string  `json:"step"`
	Phase string  `json:"phase"` // started | done | failed
	Error string  `json:"error,omitempty"`
	TS    float64 `json:"ts"`
}

// Indicator results understood by the LED actuator.
const (
	IndicatorOK   = "ok"
	IndicatorNOK  = "nok"
	IndicatorSkip = "skip"
)

// IndicatorCommand drives one indicator target (cuh1, cuh2, kit1, kit2).
type IndicatorCommand struct {
	Target string  `json:"target"`
	Result string  `json:"result"`
	JobID  string  `json:"job_id,omitempty"`
	TS     float64 `json:"ts"`
}

// Stamp converts t to the float unix seconds used on the wire.
func Stamp(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// Time converts wire seconds back to a UTC time.
func Time(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}
