package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Toonzaza/cart-sensor/internal/config"
	"github.com/Toonzaza/cart-sensor/internal/inspect"
	"github.com/Toonzaza/cart-sensor/internal/journal"
	"github.com/Toonzaza/cart-sensor/internal/storage"
)

// NewJobsCommand creates the jobs command and its inspect subcommand.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent job journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), rootOpts, func(j *journal.Journal) error {
				entries, err := j.Recent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return writeEntries(cmd.OutOrStdout(), rootOpts.Format, entries)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")

	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <job_id>",
		Short: "Show the journal timeline of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), rootOpts, func(j *journal.Journal) error {
				build := inspect.BuildReport
				if rootOpts.Format == "json" {
					build = inspect.BuildJSONReport
				}
				out, err := build(cmd.Context(), j, args[0])
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
				if rootOpts.Format == "json" {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				return nil
			})
		},
	})

	return cmd
}

func withJournal(ctx context.Context, opts *RootOptions, fn func(*journal.Journal) error) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	db, err := openJournalDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(journal.New(db, 0))
}

func openJournalDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return db, nil
}

func writeEntries(w io.Writer, format string, entries []journal.Entry) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []journal.Entry{}
		}
		return enc.Encode(entries)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tJOB\tKIND\tOP\tGOAL\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"), e.JobID, e.Kind, e.Op, e.GoalID, e.Detail)
	}
	return tw.Flush()
}
