package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/Toonzaza/cart-sensor/internal/amr"
)

// earlyReleaseTTL bounds how long a release for a job that is not yet
// waiting is remembered.
const earlyReleaseTTL = 10 * time.Minute

// Gate is the Return release gate. It satisfies amr.Confirmer.
type Gate struct {
	mu       sync.Mutex
	waiters  map[string]chan struct{}
	released map[string]time.Time
	now      func() time.Time
}

// NewGate returns an empty gate.
func NewGate() *Gate {
	return &Gate{
		waiters:  make(map[string]chan struct{}),
		released: make(map[string]time.Time),
		now:      time.Now,
	}
}

var _ amr.Confirmer = (*Gate)(nil)

// Await blocks until Release is called for d.JobID or ctx ends.
func (g *Gate) Await(ctx context.Context, d amr.Dispatch) error {
	g.mu.Lock()
	if _, ok := g.released[d.JobID]; ok {
		delete(g.released, d.JobID)
		g.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	g.waiters[d.JobID] = ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.waiters[d.JobID] == ch {
			delete(g.waiters, d.JobID)
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Release unblocks the sequence waiting for jobID. It reports whether a
// sequence was waiting; otherwise the release is kept for a later Await.
func (g *Gate) Release(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ch, ok := g.waiters[jobID]; ok {
		close(ch)
		delete(g.waiters, jobID)
		return true
	}

	now := g.now()
	for id, at := range g.released {
		if now.Sub(at) > earlyReleaseTTL {
			delete(g.released, id)
		}
	}
	g.released[jobID] = now
	return false
}

// Forget drops any pending release for jobID.
func (g *Gate) Forget(jobID string) {
	g.mu.Lock()
	delete(g.released, jobID)
	g.mu.Unlock()
}

// Waiting reports whether a sequence is blocked on jobID.
func (g *Gate) Waiting(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiters[jobID]
	return ok
}
