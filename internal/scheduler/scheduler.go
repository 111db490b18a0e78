package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

const defaultInterval = time.Second

type entry struct {
	name    string
	ticker  Ticker
	every   time.Duration
	lastRun time.Time
}

// Scheduler drives the low-frequency watchdog tick shared by the
// orchestrator (clearance maturity, stall detection, grace advance) and the
// session (connectivity snapshot), plus slower housekeeping such as journal
// pruning.
type Scheduler struct {
	interval time.Duration
	events   Publisher
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler ticking every interval. events may be nil.
func New(interval time.Duration, events Publisher, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		interval: interval,
		events:   events,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Register adds a ticker called at most once per every (0: every tick).
func (s *Scheduler) Register(name string, t Ticker, every time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{name: name, ticker: t, every: every})
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "interval", s.interval)
	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Debug("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick performs a single pass over the registered tickers, in registration
// order. A failing ticker is logged and does not stop the others.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.every > 0 && !e.lastRun.IsZero() && now.Sub(e.lastRun) < e.every {
			continue
		}
		e.lastRun = now
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		if err := e.ticker.Tick(ctx, now); err != nil {
			s.logger.Error("Ticker failed", "ticker", e.name, "error", err)
		}
	}

	if s.events != nil {
		if err := s.events.Publish(protocol.TopicSchedulerTick, map[string]any{
			"at": now.UTC(),
		}); err != nil {
			s.logger.Debug("Failed to publish tick", "error", err)
		}
	}
}
