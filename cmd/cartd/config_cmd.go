package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Toonzaza/cart-sensor/internal/config"
	"github.com/Toonzaza/cart-sensor/internal/doctor"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and lock configuration",
	}
	cmd.AddCommand(newConfigCheckCommand(rootOpts))
	cmd.AddCommand(newConfigLockCommand(rootOpts))
	return cmd
}

func newConfigCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate syntax, integrity and cross-field settings",
		Long: `Validate the configuration and the goals map it points at.

Exits 1 when the configuration is invalid, and 2 when --strict is set
and there are warnings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(rootOpts)
			if err != nil {
				return fmt.Errorf("config load error: %w", err)
			}

			result := doctor.New(cfg).Validate()
			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				s, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, s)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}

			if !result.Valid {
				return &exitError{code: 1, err: errors.New("configuration invalid")}
			}
			if strict && len(result.Warnings) > 0 {
				return &exitError{code: 2, err: errors.New("configuration has warnings")}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return cmd
}

func newConfigLockCommand(rootOpts *RootOptions) *cobra.Command {
	var dryRun, verbose bool

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Record BLAKE3 hashes of the config and its includes",
		Long: `Write a .checksums manifest next to every config file so that later
loads detect unreviewed edits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath(rootOpts)
			if err != nil {
				return err
			}
			files, err := config.SourcePaths(path)
			if err != nil {
				return err
			}
			reports, err := config.Lock(files, dryRun)
			if err != nil {
				return fmt.Errorf("lock config: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, r := range reports {
				if verbose {
					fmt.Fprintf(out, "Processing directory: %s\n", r.Dir)
					for _, e := range r.Entries {
						if e.Missing {
							fmt.Fprintf(out, "  SKIP %s: not found\n", e.Name)
							continue
						}
						fmt.Fprintf(out, "  HASH %s: %s\n", e.Name, e.Hash)
					}
				}
				if dryRun {
					fmt.Fprintf(out, "  DRY-RUN .checksums: %s (not written)\n", r.ManifestPath)
				} else {
					fmt.Fprintf(out, "  WROTE .checksums: %s\n", r.ManifestPath)
				}
			}
			if dryRun {
				fmt.Fprintf(out, "Dry run completed for %d file(s) (no files written)\n", len(files))
			} else {
				fmt.Fprintf(out, "Successfully locked %d file(s)\n", len(files))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute hashes without writing .checksums")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every hashed file")
	return cmd
}
