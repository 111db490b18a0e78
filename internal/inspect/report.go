// Package inspect renders the journal history of a single job.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Toonzaza/cart-sensor/internal/journal"
)

// ErrJobNotFound is returned when the journal holds no rows for a job.
var ErrJobNotFound = errors.New("job not found in journal")

// History is the journal query the report is built from.
type History interface {
	ByJob(ctx context.Context, jobID string) ([]journal.Entry, error)
}

// Report is the structured JSON representation of a job timeline.
type Report struct {
	JobID       string    `json:"job_id"`
	Op          string    `json:"op"`
	GoalID      string    `json:"goal_id"`
	Waypoint    string    `json:"waypoint,omitempty"`
	Carts       []string  `json:"carts"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Fingerprint string    `json:"fingerprint"`
	DedupeKey   string    `json:"dedupe_key"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Steps       []Step    `json:"steps"`
}

// Step is one journal row in the timeline.
type Step struct {
	Seq    int       `json:"seq"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// jobPayload is the subset of the journalled job we display.
type jobPayload struct {
	Waypoint string    `json:"waypoint"`
	CUH      []*string `json:"cuh_ids"`
	Kit      []*string `json:"kit_ids"`
}

// BuildReport renders a terminal-friendly timeline for a job.
func BuildReport(ctx context.Context, h History, jobID string) (string, error) {
	report, err := gatherReportData(ctx, h, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", report.JobID)
	fmt.Fprintf(&out, "Op          : %s\n", report.Op)
	fmt.Fprintf(&out, "Goal        : %s\n", report.GoalID)
	fmt.Fprintf(&out, "Waypoint    : %s\n", renderUnset(report.Waypoint, "<unresolved>"))
	if len(report.Carts) == 0 {
		fmt.Fprintf(&out, "Carts       : <none>\n")
	} else {
		fmt.Fprintf(&out, "Carts       : %s\n", strings.Join(report.Carts, ", "))
	}
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Attempts    : %d\n", report.Attempts)
	fmt.Fprintf(&out, "Dedupe key  : %s\n", report.DedupeKey)
	fmt.Fprintf(&out, "\n")

	for _, step := range report.Steps {
		fmt.Fprintf(&out, "[%d] %s  %s", step.Seq, step.At.UTC().Format(time.RFC3339), step.Kind)
		if step.Detail != "" {
			fmt.Fprintf(&out, " (%s)", step.Detail)
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable timeline.
func BuildJSONReport(ctx context.Context, h History, jobID string) (string, error) {
	report, err := gatherReportData(ctx, h, jobID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, h History, jobID string) (*Report, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	entries, err := h.ByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	first, last := entries[0], entries[len(entries)-1]
	report := &Report{
		JobID:       jobID,
		Op:          string(first.Op),
		GoalID:      first.GoalID,
		Status:      string(last.Kind),
		Fingerprint: first.Fingerprint,
		DedupeKey:   first.DedupeKey,
		FirstSeen:   first.CreatedAt,
		LastSeen:    last.CreatedAt,
		Carts:       []string{},
		Steps:       make([]Step, 0, len(entries)),
	}

	for i, e := range entries {
		if e.Kind == journal.KindDispatched {
			report.Attempts++
		}
		report.Steps = append(report.Steps, Step{
			Seq:    i + 1,
			Kind:   string(e.Kind),
			At:     e.CreatedAt,
			Detail: e.Detail,
		})
	}

	// The latest payload carries the resolved waypoint.
	for i := len(entries) - 1; i >= 0; i-- {
		if len(entries[i].Payload) == 0 {
			continue
		}
		var p jobPayload
		if err := json.Unmarshal(entries[i].Payload, &p); err != nil {
			continue
		}
		report.Waypoint = p.Waypoint
		report.Carts = carts(p)
		break
	}

	return report, nil
}

func carts(p jobPayload) []string {
	out := []string{}
	for _, id := range append(append([]*string{}, p.CUH...), p.Kit...) {
		if id != nil && *id != "" {
			out = append(out, *id)
		}
	}
	return out
}

func renderUnset(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
