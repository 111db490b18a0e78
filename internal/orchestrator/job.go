package orchestrator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"

	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

var (
	// ErrInvalidJob marks an intake that cannot become a job.
	ErrInvalidJob = errors.New("invalid job")
	// ErrDuplicate marks an intake whose dedup key was already consumed.
	ErrDuplicate = errors.New("duplicate job")
	// ErrQueueFull is returned when the queue is at capacity under reject_new.
	ErrQueueFull = errors.New("job queue full")
)

// Job is one validated dispatch request.
type Job struct {
	ID          string             `json:"id"`
	Op          protocol.Operation `json:"op"`
	GoalID      string             `json:"goal_id"`
	Waypoint    string             `json:"waypoint,omitempty"`
	CUH         [2]*string         `json:"cuh_ids"`
	Kit         [2]*string         `json:"kit_ids"`
	Timestamp   time.Time          `json:"timestamp"`
	Fingerprint string             `json:"fingerprint"`
	DedupeKey   string             `json:"dedupe_key"`
	AcceptedAt  time.Time          `json:"accepted_at"`
	Attempts    int                `json:"attempts"`
}

// NewJob builds a job from a decoded intake.
func NewJob(in *protocol.JobIntake, now time.Time) (*Job, error) {
	if in == nil || in.GoalID == "" {
		return nil, fmt.Errorf("%w: goal_id is required", ErrInvalidJob)
	}
	if in.Op != protocol.OpRequest && in.Op != protocol.OpReturn {
		return nil, fmt.Errorf("%w: op %q", ErrInvalidJob, in.Op)
	}
	if len(in.CUHIDs) > 2 || len(in.KitIDs) > 2 {
		return nil, fmt.Errorf("%w: at most two ids per category", ErrInvalidJob)
	}

	j := &Job{
		ID:         uuid.NewString(),
		Op:         in.Op,
		GoalID:     in.GoalID,
		Timestamp:  protocol.Time(in.TS),
		AcceptedAt: now,
	}
	copy(j.CUH[:], in.CUHIDs)
	copy(j.Kit[:], in.KitIDs)
	if j.CUH == [2]*string{} && j.Kit == [2]*string{} {
		return nil, fmt.Errorf("%w: at least one carrier id is required", ErrInvalidJob)
	}

	j.Fingerprint = Fingerprint(j.Op, j.GoalID, j.CUH, j.Kit)
	j.DedupeKey = DedupeKey(j.Fingerprint, j.Timestamp)
	return j, nil
}

// Fingerprint is the hex BLAKE3 digest of the job's identity: op, goal and
// both carrier pairs. Ids are NFC-normalised; a missing id encodes
// differently from an empty one.
func Fingerprint(op protocol.Operation, goalID string, cuh, kit [2]*string) string {
	h := blake3.New()
	writeField(h, string(op))
	writeField(h, goalID)
	for _, id := range [...]*string{cuh[0], cuh[1], kit[0], kit[1]} {
		if id == nil {
			_, _ = io.WriteString(h, "-;")
			continue
		}
		writeField(h, norm.NFC.String(*id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField appends a length-prefixed value, e.g. "5:Goal2;".
func writeField(w io.Writer, s string) {
	_, _ = io.WriteString(w, strconv.Itoa(len(s))+":"+s+";")
}

// DedupeKey pairs a fingerprint with the intake timestamp.
func DedupeKey(fingerprint string, ts time.Time) string {
	return fingerprint + "@" + strconv.FormatInt(ts.UnixNano(), 10)
}
