// Package doctor runs cross-field checks on a loaded cartd configuration and
// its goals map. The loader rejects malformed values; the doctor looks for
// settings that parse but will not behave.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/Toonzaza/cart-sensor/internal/auth"
	"github.com/Toonzaza/cart-sensor/internal/config"
	"github.com/Toonzaza/cart-sensor/internal/goals"
	"github.com/Toonzaza/cart-sensor/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

const minSecretLength = 16

var knownIndicatorTargets = []string{"cuh1", "cuh2", "kit1", "kit2"}

// Doctor validates a configuration and the goals map it points at.
type Doctor struct {
	cfg       *config.Config
	loadGoals func(path string) (map[string]goals.Target, error)
	fsCheck   func(path string) error
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:       cfg,
		loadGoals: goals.LoadFile,
		fsCheck:   storage.CheckLocalFilesystem,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateStorage(r)
	d.validateGoals(r)
	d.validateSensors(r)
	d.validateTimings(r)
	d.validateAPI(r)
	d.validateIngest(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateStorage rejects network filesystems for the journal and snapshots.
func (d *Doctor) validateStorage(r *Result) {
	for field, path := range map[string]string{
		"state.path":         d.cfg.State.Path,
		"state.snapshot_dir": d.cfg.State.SnapshotDir,
	} {
		if err := d.fsCheck(path); err != nil {
			d.addError(r, "storage", field, err.Error())
		}
	}
}

// validateGoals loads the goals map and checks every target.
func (d *Doctor) validateGoals(r *Result) {
	path := d.cfg.Goals.Path
	targets, err := d.loadGoals(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		d.addWarning(r, "goals", "goals.path",
			fmt.Sprintf("goals file %q not found; goal ids will be sent as waypoint names", path))
		return
	case err != nil:
		d.addError(r, "goals", "goals.path", err.Error())
		return
	}
	if len(targets) == 0 {
		d.addWarning(r, "goals", "goals.path", fmt.Sprintf("goals file %q maps no goals", path))
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seq := d.cfg.Sequence
	for _, id := range ids {
		t := targets[id]
		field := "goals." + id
		if t.Goal == "" {
			d.addError(r, "goals", field, "waypoint is empty")
			continue
		}
		if t.Cmd != goals.CmdGoto {
			d.addError(r, "goals", field+".cmd", fmt.Sprintf("unsupported command %q (only %q)", t.Cmd, goals.CmdGoto))
		}
		if strings.EqualFold(t.Goal, seq.Home) || strings.EqualFold(t.Goal, seq.Staging) {
			d.addError(r, "goals", field,
				fmt.Sprintf("waypoint %q is also the staging or home waypoint; arrival tracking cannot tell them apart", t.Goal))
		}
	}
}

// validateSensors checks the photo sensor and indicator lists.
func (d *Doctor) validateSensors(r *Result) {
	o := d.cfg.Orchestrator
	seen := make(map[string]bool, len(o.PhotoSensors))
	for i, name := range o.PhotoSensors {
		field := fmt.Sprintf("orchestrator.photo_sensors[%d]", i)
		if strings.TrimSpace(name) == "" {
			d.addError(r, "orchestrator", field, "sensor name is empty")
			continue
		}
		if seen[name] {
			d.addWarning(r, "orchestrator", field, fmt.Sprintf("sensor %q is listed twice", name))
		}
		seen[name] = true
	}

	for i, target := range o.IndicatorTargets {
		if !slices.Contains(knownIndicatorTargets, target) {
			d.addWarning(r, "orchestrator", fmt.Sprintf("orchestrator.indicator_targets[%d]", i),
				fmt.Sprintf("unknown indicator target %q (expected one of %s)", target, strings.Join(knownIndicatorTargets, ", ")))
		}
	}
}

// validateTimings flags timer combinations that defeat each other.
func (d *Doctor) validateTimings(r *Result) {
	o, svc, seq := d.cfg.Orchestrator, d.cfg.Service, d.cfg.Sequence

	if svc.TickInterval > o.ClearDuration {
		d.addWarning(r, "timing", "service.tick_interval",
			fmt.Sprintf("tick interval %s is longer than clear_duration %s; clearance is only checked on ticks", svc.TickInterval, o.ClearDuration))
	}
	if o.StallTimeout <= seq.StepTimeout {
		d.addWarning(r, "timing", "orchestrator.stall_timeout",
			fmt.Sprintf("stall_timeout %s does not exceed step_timeout %s; the watchdog may requeue a job the driver is still running", o.StallTimeout, seq.StepTimeout))
	}
	if o.StallTimeout <= seq.ReleaseTimeout {
		d.addWarning(r, "timing", "orchestrator.stall_timeout",
			fmt.Sprintf("stall_timeout %s does not exceed release_timeout %s", o.StallTimeout, seq.ReleaseTimeout))
	}
	if svc.DedupeTTL < o.StallTimeout {
		d.addWarning(r, "timing", "service.dedupe_ttl",
			fmt.Sprintf("dedupe_ttl %s is shorter than stall_timeout %s; a retried intake may be accepted twice", svc.DedupeTTL, o.StallTimeout))
	}
}

// validateAPI checks auth and token scopes.
func (d *Doctor) validateAPI(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.Auth.APIKey == "" && len(api.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no token configured; every protected route will answer 401")
	}
	if api.Auth.APIKey != "" {
		d.addWarning(r, "api", "api.auth.api_key", "api_key grants every scope; prefer scoped tokens")
	}
	for i, tok := range api.Auth.Tokens {
		for j, scope := range tok.Scopes {
			if !knownScope(scope) {
				d.addError(r, "api", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

func knownScope(s string) bool {
	switch strings.TrimSpace(s) {
	case auth.ScopeAll, auth.ScopeStatusRO, auth.ScopeEventsRO, auth.ScopeJobsRO, auth.ScopeBusRW,
		"bus:ro", "status:rw", "events:rw", "jobs:rw":
		return true
	}
	return false
}

// validateIngest checks for path conflicts and weak secrets.
func (d *Doctor) validateIngest(r *Result) {
	in := d.cfg.Ingest
	if in == nil {
		return
	}
	if d.cfg.API.Enabled && in.Listen == d.cfg.API.Listen {
		d.addError(r, "ingest", "ingest.listen", fmt.Sprintf("ingest and API both listen on %q", in.Listen))
	}

	seen := make(map[string]int)
	for i, ep := range in.Endpoints {
		field := fmt.Sprintf("ingest.endpoints[%d]", i)
		normalized := strings.TrimSuffix(ep.Path, "/")
		if prev, exists := seen[normalized]; exists {
			d.addError(r, "ingest", field+".path",
				fmt.Sprintf("path %q conflicts with ingest.endpoints[%d]", ep.Path, prev))
		}
		seen[normalized] = i
		if len(ep.Secret) < minSecretLength {
			d.addWarning(r, "ingest", field+".secret",
				fmt.Sprintf("secret is shorter than %d characters", minSecretLength))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
