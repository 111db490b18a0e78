package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/Toonzaza/cart-sensor/internal/amr"
	"github.com/Toonzaza/cart-sensor/internal/api"
	"github.com/Toonzaza/cart-sensor/internal/auth"
	"github.com/Toonzaza/cart-sensor/internal/config"
	"github.com/Toonzaza/cart-sensor/internal/dispatch"
	"github.com/Toonzaza/cart-sensor/internal/events"
	"github.com/Toonzaza/cart-sensor/internal/goals"
	"github.com/Toonzaza/cart-sensor/internal/ingest"
	"github.com/Toonzaza/cart-sensor/internal/journal"
	"github.com/Toonzaza/cart-sensor/internal/lock"
	"github.com/Toonzaza/cart-sensor/internal/log"
	"github.com/Toonzaza/cart-sensor/internal/orchestrator"
	"github.com/Toonzaza/cart-sensor/internal/scheduler"
	"github.com/Toonzaza/cart-sensor/internal/state"
	"github.com/Toonzaza/cart-sensor/internal/storage"
)

const journalPruneEvery = time.Hour

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the dispatcher in the foreground",
		Long: `Run the dispatcher in the foreground until SIGINT or SIGTERM.

Holds the single-instance lock, opens the job journal, connects to the
AMR and serves the optional HTTP API and signed ingest endpoints.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStart(ctx, rootOpts)
		},
	}
}

func runStart(ctx context.Context, opts *RootOptions) error {
	cfg, path, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.SetupWriter(os.Stdout, cfg.Service.LogLevel, cfg.Service.LogFormat)
	base := log.Get()
	logger := log.WithComponent("main")
	logger.Info("cartd starting", "version", buildVersion(), "config", path)

	pidLock, err := lock.AcquirePIDLock(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", cfg.Service.LockPath)

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return err
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	jrnl := journal.New(db, cfg.Service.JournalRetention)
	store := state.NewStore(cfg.State.SnapshotDir)
	hub := events.NewHub(cfg.Bus.History)
	defer hub.Close()

	registry, err := goals.NewRegistry(cfg.Goals.Path, base)
	if err != nil {
		logger.Error("failed to load goals", "path", cfg.Goals.Path, "error", err)
		return err
	}

	gate := dispatch.NewGate()
	session := amr.NewSession(cfg.AMR, cfg.Sequence,
		amr.WithConfirmer(gate),
		amr.WithPublisher(hub),
		amr.WithSnapshots(store),
		amr.WithLogger(base),
	)
	disp := dispatch.New(session, gate, hub, cfg.Bus.SubscriberBuffer, base)

	orch := orchestrator.New(cfg, hub, registry,
		orchestrator.WithJournal(jrnl),
		orchestrator.WithSnapshots(store),
		orchestrator.WithLogger(base),
	)
	if err := orch.Warm(ctx); err != nil {
		// The journal only warms dedup state; start without it.
		logger.Warn("failed to warm orchestrator from journal", "error", err)
	}

	sched := scheduler.New(cfg.Service.TickInterval, nil, base)
	sched.Register("orchestrator", orch, 0)
	sched.Register("amr", session, 0)
	sched.Register("journal", jrnl, journalPruneEvery)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 6)
	var wg conc.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Go(func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		})
	}

	// Both mailboxes exist before any producer starts.
	orchEvents, stopOrch := orch.Subscribe()
	defer stopOrch()
	dispEvents, stopDisp := disp.Subscribe()
	defer stopDisp()

	run("orchestrator", func(ctx context.Context) error { return orch.Run(ctx, orchEvents) })
	run("dispatcher", func(ctx context.Context) error { return disp.Run(ctx, dispEvents) })
	run("amr", session.Run)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.Goals.Watch {
		run("goals", registry.Watch)
	}

	if cfg.API.Enabled {
		apiServer := api.New(apiConfig(cfg), hub, orch, session, jrnl, base)
		run("api", apiServer.Start)
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Ingest != nil && len(cfg.Ingest.Endpoints) > 0 {
		ingestConfig, err := ingest.FromConfig(cfg.Ingest)
		if err != nil {
			cancel()
			wg.Wait()
			logger.Error("failed to configure ingest", "error", err)
			return err
		}
		run("ingest", ingest.New(ingestConfig, hub, base).Start)
		logger.Info("ingest server enabled", "listen", ingestConfig.Listen, "endpoints", len(ingestConfig.Endpoints))
	}

	logger.Info("cartd running (press Ctrl+C to stop)", "goals", registry.Len(), "amr", cfg.AMR.Addr())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("component failed", "error", runErr)
	}
	cancel()
	sched.Stop()
	wg.Wait()

	logger.Info("cartd stopped")
	return runErr
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokens,
	}
}
