package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Toonzaza/cart-sensor/internal/amr"
	"github.com/Toonzaza/cart-sensor/internal/config"
	"github.com/Toonzaza/cart-sensor/internal/lock"
	"github.com/Toonzaza/cart-sensor/internal/orchestrator"
	"github.com/Toonzaza/cart-sensor/internal/state"
)

// StatusReport is what status prints. It is read from the lock and snapshot
// files, so it works whether or not the daemon is running.
type StatusReport struct {
	Running      bool                   `json:"running"`
	PID          int                    `json:"pid,omitempty"`
	Orchestrator *orchestrator.Snapshot `json:"orchestrator,omitempty"`
	AMR          *amrSnapshot           `json:"amr,omitempty"`
}

type amrSnapshot struct {
	Connected bool         `json:"connected"`
	State     string       `json:"state"`
	Addr      string       `json:"addr"`
	Readings  amr.Readings `json:"readings"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last recorded dispatcher and AMR state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			report, err := gatherStatus(cfg)
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), rootOpts.Format, report)
		},
	}
}

func gatherStatus(cfg *config.Config) (*StatusReport, error) {
	report := &StatusReport{}
	pid, err := lock.Holder(cfg.Service.LockPath)
	if err != nil {
		return nil, err
	}
	if pid > 0 {
		report.Running = true
		report.PID = pid
	}

	store := state.NewStore(cfg.State.SnapshotDir)

	var snap orchestrator.Snapshot
	if ok, err := readSnapshot(store, state.Orchestrator, &snap); err != nil {
		return nil, err
	} else if ok {
		report.Orchestrator = &snap
	}

	var robot amrSnapshot
	if ok, err := readSnapshot(store, state.AMRState, &robot); err != nil {
		return nil, err
	} else if ok {
		report.AMR = &robot
	}
	return report, nil
}

// readSnapshot decodes name into v and reports whether it held anything.
func readSnapshot(store *state.Store, name string, v any) (bool, error) {
	raw, err := store.Get(name)
	if err != nil {
		return false, err
	}
	if string(raw) == "{}" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s snapshot: %w", name, err)
	}
	return true, nil
}

func writeStatus(w io.Writer, format string, r *StatusReport) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	if r.Running {
		fmt.Fprintf(w, "Process     : running (pid %d)\n", r.PID)
	} else {
		fmt.Fprintf(w, "Process     : stopped\n")
	}

	if o := r.Orchestrator; o != nil {
		fmt.Fprintf(w, "State       : %s\n", o.State)
		if o.Current != nil {
			fmt.Fprintf(w, "Current job : %s (%s %s)\n", o.Current.ID, o.Current.Op, o.Current.GoalID)
		} else {
			fmt.Fprintf(w, "Current job : <none>\n")
		}
		fmt.Fprintf(w, "Queue       : %d\n", len(o.Queue))
		fmt.Fprintf(w, "Updated     : %s\n", o.UpdatedAt.Format("2006-01-02 15:04:05Z07:00"))
	} else {
		fmt.Fprintf(w, "State       : <no snapshot>\n")
	}

	if a := r.AMR; a != nil {
		fmt.Fprintf(w, "AMR         : %s %s", a.Addr, a.State)
		if a.Readings.Battery != nil {
			fmt.Fprintf(w, ", battery %.1f", *a.Readings.Battery)
		}
		if a.Readings.Status != "" {
			fmt.Fprintf(w, ", %s", a.Readings.Status)
		}
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "AMR         : <no snapshot>\n")
	}
	return nil
}
