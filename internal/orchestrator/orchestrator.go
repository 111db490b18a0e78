// Package orchestrator decides when the AMR is dispatched. It owns the job
// queue, deduplication, match gating for Request jobs, photo clearance for
// Return jobs, arrival tracking and the stall watchdog.
//
// All state is owned by one loop goroutine that applies a single bus event
// or tick at a time. Other goroutines only read the immutable Snapshot.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Toonzaza/cart-sensor/internal/amr"
	"github.com/Toonzaza/cart-sensor/internal/config"
	"github.com/Toonzaza/cart-sensor/internal/events"
	"github.com/Toonzaza/cart-sensor/internal/journal"
	"github.com/Toonzaza/cart-sensor/internal/protocol"
	"github.com/Toonzaza/cart-sensor/internal/state"
)

// State is the lifecycle state of the current job.
type State string

const (
	StateIdle           State = "IDLE"
	StateWaitMatch      State = "WAIT_MATCH"
	StateWaitPhotoClear State = "WAIT_PHOTO_CLEAR"
	StateEnRoute        State = "EN_ROUTE"
	StateAtDestination  State = "AT_DESTINATION"
	StateDone           State = "DONE"
)

// Topics consumed by the orchestrator.
var Topics = []string{
	protocol.TopicJobIntake,
	protocol.TopicMatchResult,
	protocol.TopicSensorPhoto,
	protocol.TopicDriverStatus,
	protocol.TopicDriverConnected,
	protocol.TopicDispatchResult,
}

// Bus is the slice of the event hub the orchestrator uses.
type Bus interface {
	Publish(topic string, data any) error
	SubscribeTopics(name string, buffer int, topics ...string) (<-chan events.Event, func())
}

// Waypoints resolves goal ids to AMR waypoint names.
type Waypoints interface {
	Waypoint(goalID string) string
}

// Journal records job lifecycle entries and warms dedup state.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) (string, error)
	AcceptedKeys(ctx context.Context, since time.Time) (map[string]time.Time, error)
	LastCompleted(ctx context.Context) (*journal.Entry, error)
}

// Snapshots persists crash-inspection files.
type Snapshots interface {
	Put(name string, v any) error
	Remove(name string) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithJournal(j Journal) Option { return func(o *Orchestrator) { o.journal = j } }

func WithSnapshots(s Snapshots) Option { return func(o *Orchestrator) { o.snapshots = s } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

type completion struct {
	fingerprint string
	at          time.Time
}

// Orchestrator is the job state machine.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	home      string
	dedupeTTL time.Duration
	buffer    int

	bus       Bus
	goals     Waypoints
	journal   Journal
	snapshots Snapshots
	logger    *slog.Logger
	now       func() time.Time
	registry  *amr.Registry

	ticks chan time.Time
	snap  atomic.Pointer[Snapshot]

	// Owned by the loop goroutine.
	state        State
	current      *Job
	queue        *jobQueue
	photo        *clearance
	seen         map[string]time.Time
	lastDone     *completion
	lastMatch    *protocol.MatchResult
	lastActivity time.Time
	advanceAt    time.Time
	released     bool
	connected    bool
	dirty        bool
}

// New creates an Orchestrator from the loaded configuration.
func New(cfg *config.Config, bus Bus, goals Waypoints, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg.Orchestrator,
		home:      cfg.Sequence.Home,
		dedupeTTL: cfg.Service.DedupeTTL,
		buffer:    cfg.Bus.SubscriberBuffer,
		bus:       bus,
		goals:     goals,
		logger:    slog.Default(),
		now:       time.Now,
		registry:  amr.DefaultRegistry(),
		ticks:     make(chan time.Time, 1),
		state:     StateIdle,
		queue:     newJobQueue(cfg.Orchestrator.QueueCapacity, cfg.Orchestrator.Overflow),
		photo:     newClearance(cfg.Orchestrator.PhotoSensors),
		seen:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	o.snap.Store(o.buildSnapshot())
	return o
}

// Warm loads recent dedup keys and the last completion from the journal.
// Call it before Run.
func (o *Orchestrator) Warm(ctx context.Context) error {
	if o.journal == nil {
		return nil
	}
	now := o.now()
	keys, err := o.journal.AcceptedKeys(ctx, now.Add(-o.dedupeTTL))
	if err != nil {
		return err
	}
	for k, at := range keys {
		o.seen[k] = at
	}
	last, err := o.journal.LastCompleted(ctx)
	if err != nil {
		return err
	}
	if last != nil {
		o.lastDone = &completion{fingerprint: last.Fingerprint, at: last.CreatedAt}
	}
	o.logger.Info("warmed dedup state from journal", "keys", len(keys), "last_completed", last != nil)
	return nil
}

// Subscribe registers the orchestrator's mailbox. Events published after it
// returns are delivered to Run.
func (o *Orchestrator) Subscribe() (<-chan events.Event, func()) {
	return o.bus.SubscribeTopics("orchestrator", o.buffer, Topics...)
}

// Run applies events from ch and ticks until ctx is cancelled or ch closes.
func (o *Orchestrator) Run(ctx context.Context, ch <-chan events.Event) error {
	o.logger.Info("orchestrator loop started")
	defer o.logger.Info("orchestrator loop stopped")
	o.dirty = true
	o.flush()

	for {
		var (
			grace  *time.Timer
			graceC <-chan time.Time
		)
		if !o.advanceAt.IsZero() {
			grace = time.NewTimer(max(o.advanceAt.Sub(o.now()), 0))
			graceC = grace.C
		}

		select {
		case <-ctx.Done():
			stopTimer(grace)
			return nil
		case ev, ok := <-ch:
			stopTimer(grace)
			if !ok {
				return nil
			}
			o.handle(ctx, ev)
		case now := <-o.ticks:
			stopTimer(grace)
			o.tick(ctx, now)
		case <-graceC:
			o.advance(o.now())
			o.flush()
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Tick hands the shared watchdog tick to the loop. It never blocks; a tick
// still pending covers this one.
func (o *Orchestrator) Tick(_ context.Context, now time.Time) error {
	select {
	case o.ticks <- now:
	default:
	}
	return nil
}

// Snapshot returns the last published view of the orchestrator.
func (o *Orchestrator) Snapshot() Snapshot {
	return *o.snap.Load()
}

func (o *Orchestrator) handle(ctx context.Context, ev events.Event) {
	switch ev.Type {
	case protocol.TopicJobIntake:
		o.onIntake(ctx, ev)
	case protocol.TopicMatchResult:
		o.onMatch(ctx, ev)
	case protocol.TopicSensorPhoto:
		o.onPhoto(ev)
	case protocol.TopicDriverStatus:
		o.onDriverStatus(ctx, ev)
	case protocol.TopicDriverConnected:
		o.onDriverConnected(ev)
	case protocol.TopicDispatchResult:
		o.onDispatchResult(ctx, ev)
	default:
		o.logger.Debug("ignoring unrecognised topic", "topic", ev.Type)
		return
	}
	o.flush()
}

func (o *Orchestrator) dropMalformed(ev events.Event, err error) {
	o.logger.Warn("dropping malformed payload", "topic", ev.Type, "event_id", ev.ID, "error", err)
}

func (o *Orchestrator) onIntake(ctx context.Context, ev events.Event) {
	in, err := protocol.DecodeJobIntake(ev.Data)
	if err != nil {
		o.dropMalformed(ev, err)
		return
	}
	if _, err := o.accept(ctx, in); err != nil && !errors.Is(err, ErrDuplicate) {
		o.logger.Warn("job not accepted", "goal_id", in.GoalID, "error", err)
	}
}

// accept deduplicates, enqueues and, if nothing is current, activates.
func (o *Orchestrator) accept(ctx context.Context, in *protocol.JobIntake) (*Job, error) {
	now := o.now()
	job, err := NewJob(in, now)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With("job_id", job.ID, "goal_id", job.GoalID, "op", string(job.Op))

	if at, ok := o.seen[job.DedupeKey]; ok && now.Sub(at) < o.dedupeTTL {
		logger.Debug("duplicate intake ignored", "dedupe_key", job.DedupeKey)
		o.record(ctx, job, journal.KindDuplicate, "dedupe key already seen")
		return nil, ErrDuplicate
	}
	if o.lastDone != nil && o.lastDone.fingerprint == job.Fingerprint && !job.Timestamp.After(o.lastDone.at) {
		logger.Debug("intake replays the last completed job", "completed_at", o.lastDone.at)
		o.record(ctx, job, journal.KindDuplicate, "identical to last completed job")
		return nil, ErrDuplicate
	}

	evicted, err := o.queue.push(job)
	if err != nil {
		logger.Warn("queue full, rejecting job", "capacity", o.cfg.QueueCapacity)
		o.record(ctx, job, journal.KindRejected, err.Error())
		return nil, err
	}
	if evicted != nil {
		logger.Warn("queue full, dropped oldest job", "dropped_job_id", evicted.ID)
		o.record(ctx, evicted, journal.KindDropped, "evicted by "+job.ID)
	}

	o.seen[job.DedupeKey] = now
	o.record(ctx, job, journal.KindAccepted, "")
	logger.Info("job accepted", "queue_len", o.queue.len())
	o.dirty = true

	o.activate(now)
	return job, nil
}

// activate makes the queue head current when nothing is current and no
// grace delay is pending.
func (o *Orchestrator) activate(now time.Time) {
	if o.current != nil || !o.advanceAt.IsZero() {
		return
	}
	job := o.queue.pop()
	if job == nil {
		return
	}
	o.current = job
	o.released = false
	o.lastActivity = now

	if job.Op == protocol.OpRequest {
		o.setState(StateWaitMatch)
	} else {
		o.setState(StateWaitPhotoClear)
		o.photo.arm(now)
	}
	o.putCurrentJob()
	o.logger.Info("job current", "job_id", job.ID, "goal_id", job.GoalID, "state", string(o.state))
}

func (o *Orchestrator) matches(m *protocol.MatchResult) bool {
	if o.current == nil || m.GoalID != o.current.GoalID {
		return false
	}
	return m.Op == "" || m.Op == o.current.Op
}

func (o *Orchestrator) onMatch(ctx context.Context, ev events.Event) {
	m, err := protocol.DecodeMatchResult(ev.Data)
	if err != nil {
		o.dropMalformed(ev, err)
		return
	}
	now := o.now()
	o.lastMatch = m
	o.dirty = true
	if !o.matches(m) {
		return
	}
	o.lastActivity = now
	if !m.Complete {
		return
	}

	switch {
	case o.state == StateWaitMatch:
		o.logger.Info("match complete", "job_id", o.current.ID, "goal_id", m.GoalID)
		o.dispatch(ctx, now, "match")
	case o.state == StateAtDestination && o.current.Op == protocol.OpReturn:
		o.release(now, "match")
	}
}

func (o *Orchestrator) onPhoto(ev events.Event) {
	r, err := protocol.DecodePhotoReading(ev.Data)
	if err != nil {
		o.dropMalformed(ev, err)
		return
	}
	now := o.now()
	wasTiming := !o.photo.since.IsZero()
	if o.photo.update(r.Name, r.Clear(), now) {
		o.dirty = true
	}
	if !o.photo.tracks(r.Name) || !o.photo.armed {
		return
	}
	o.lastActivity = now
	switch timing := !o.photo.since.IsZero(); {
	case timing && !wasTiming:
		o.logger.Info("photo sensors all clear, timer started", "clear_duration", o.cfg.ClearDuration)
	case !timing && wasTiming:
		o.logger.Info("photo sensor blocked, timer reset", "sensor", r.Name)
	}
}

func (o *Orchestrator) onDriverStatus(ctx context.Context, ev events.Event) {
	st, err := protocol.DecodeDriverStatus(ev.Data)
	if err != nil {
		o.dropMalformed(ev, err)
		return
	}
	if o.current == nil || (o.state != StateEnRoute && o.state != StateAtDestination) {
		return
	}
	now := o.now()
	o.lastActivity = now

	line := amr.Line{Text: st.Line, Tags: st.Tags, Fatal: st.Fatal}
	if len(line.Tags) == 0 {
		line.Tags, line.Fatal = o.registry.Classify(st.Line)
	}
	if _, ok := line.Tag(amr.TagArrived); !ok {
		return
	}

	switch {
	case o.state == StateEnRoute && amr.ArrivedAt(o.current.Waypoint)(line):
		o.setState(StateAtDestination)
		o.logger.Info("arrived at destination", "job_id", o.current.ID, "waypoint", o.current.Waypoint)
		if o.current.Op == protocol.OpReturn {
			o.photo.arm(now)
		}
	case o.state == StateAtDestination && amr.ArrivedAt(o.home)(line):
		o.logger.Info("arrived home", "job_id", o.current.ID)
		o.complete(ctx, now)
	default:
		o.logger.Debug("ignoring arrival", "line", st.Line, "state", string(o.state))
	}
}

func (o *Orchestrator) onDriverConnected(ev events.Event) {
	c, err := protocol.DecodeDriverConnected(ev.Data)
	if err != nil {
		o.dropMalformed(ev, err)
		return
	}
	if c.Connected != o.connected {
		o.connected = c.Connected
		o.dirty = true
	}
	if o.current == nil || (o.state != StateEnRoute && o.state != StateAtDestination) {
		return
	}
	o.lastActivity = o.now()
	if !c.Connected {
		o.logger.Warn("AMR connection lost during job", "job_id", o.current.ID, "state", string(o.state))
	}
}

func (o *Orchestrator) onDispatchResult(ctx context.Context, ev events.Event) {
	res, err := protocol.DecodeDispatchResult(ev.Data)
	if err != nil {
		o.dropMalformed(ev, err)
		return
	}
	if o.current == nil || res.JobID != o.current.ID {
		o.logger.Debug("ignoring result for another job", "job_id", res.JobID)
		return
	}
	// A result from an earlier attempt must not touch the sequence that is
	// running now.
	if res.Attempt != o.current.Attempts {
		o.logger.Warn("ignoring result for another attempt",
			"job_id", res.JobID, "attempt", res.Attempt, "current_attempt", o.current.Attempts, "status", res.Status)
		return
	}
	if o.state != StateEnRoute && o.state != StateAtDestination {
		o.logger.Debug("ignoring result outside a sequence", "job_id", res.JobID, "state", string(o.state))
		return
	}
	now := o.now()
	o.lastActivity = now

	switch res.Status {
	case protocol.ResultOK:
		o.logger.Warn("sequence finished before home arrival was observed", "job_id", res.JobID, "state", string(o.state))
		o.complete(ctx, now)
	case protocol.ResultBusy:
		// Another sequence owns the driver. Leave the job in place; the
		// watchdog requeues it if nothing arrives.
		o.logger.Warn("driver busy, keeping job in flight",
			"job_id", res.JobID, "state", string(o.state), "attempt", res.Attempt)
	default:
		o.logger.Warn("sequence did not complete, requeueing",
			"job_id", res.JobID, "status", res.Status, "step", res.Step, "error", res.Error)
		o.requeue(ctx, now, "dispatch "+res.Status)
	}
}

// dispatch publishes the trigger for the current job.
func (o *Orchestrator) dispatch(ctx context.Context, now time.Time, reason string) {
	job := o.current
	job.Waypoint = o.goals.Waypoint(job.GoalID)
	job.Attempts++

	err := o.bus.Publish(protocol.TopicDispatchTrigger, protocol.DispatchTrigger{
		JobID:    job.ID,
		Op:       job.Op,
		GoalID:   job.GoalID,
		Waypoint: job.Waypoint,
		Attempt:  job.Attempts,
		TS:       protocol.Stamp(now),
	})
	if err != nil {
		o.logger.Error("dispatch publish failed", "job_id", job.ID, "error", err)
		o.requeue(ctx, now, "dispatch publish failed")
		return
	}

	o.photo.disarm()
	o.lastActivity = now
	o.setState(StateEnRoute)
	o.putCurrentJob()
	o.record(ctx, job, journal.KindDispatched, reason)
	o.logger.Info("job dispatched", "job_id", job.ID, "goal_id", job.GoalID,
		"waypoint", job.Waypoint, "reason", reason, "attempt", job.Attempts)
}

// release unblocks the Return sequence waiting at the destination.
func (o *Orchestrator) release(now time.Time, reason string) {
	if o.released {
		return
	}
	err := o.bus.Publish(protocol.TopicDispatchRelease, protocol.DispatchRelease{
		JobID:  o.current.ID,
		GoalID: o.current.GoalID,
		Reason: reason,
		TS:     protocol.Stamp(now),
	})
	if err != nil {
		o.logger.Error("release publish failed", "job_id", o.current.ID, "error", err)
		return
	}
	o.released = true
	o.photo.disarm()
	o.dirty = true
	o.logger.Info("cart released", "job_id", o.current.ID, "reason", reason)
}

// complete finishes the current job and schedules the next one.
func (o *Orchestrator) complete(ctx context.Context, now time.Time) {
	job := o.current
	o.setState(StateDone)

	for _, target := range o.cfg.IndicatorTargets {
		if err := o.bus.Publish(protocol.TopicIndicator, protocol.IndicatorCommand{
			Target: target,
			Result: protocol.IndicatorSkip,
			JobID:  job.ID,
			TS:     protocol.Stamp(now),
		}); err != nil {
			o.logger.Warn("indicator reset failed", "target", target, "error", err)
		}
	}
	o.removeCurrentJob()
	o.record(ctx, job, journal.KindCompleted, "")
	o.lastDone = &completion{fingerprint: job.Fingerprint, at: now}

	o.current = nil
	o.released = false
	o.photo.disarm()
	o.advanceAt = now.Add(o.cfg.AdvanceGrace)
	o.logger.Info("job done", "job_id", job.ID, "goal_id", job.GoalID, "queue_len", o.queue.len())
}

// requeue puts the current job back at the queue head and returns to IDLE.
// The head becomes current again after the grace delay.
func (o *Orchestrator) requeue(ctx context.Context, now time.Time, reason string) {
	job := o.current
	o.queue.pushFront(job)
	o.current = nil
	o.released = false
	o.photo.disarm()
	o.setState(StateIdle)
	o.removeCurrentJob()
	o.record(ctx, job, journal.KindRequeued, reason)
	o.advanceAt = now.Add(o.cfg.AdvanceGrace)
	o.logger.Warn("job requeued", "job_id", job.ID, "reason", reason, "attempts", job.Attempts)
}

// advance ends a pending grace delay.
func (o *Orchestrator) advance(now time.Time) {
	if o.advanceAt.IsZero() || now.Before(o.advanceAt) {
		return
	}
	o.advanceAt = time.Time{}
	if o.state == StateDone {
		o.setState(StateIdle)
	}
	o.activate(now)
}

func (o *Orchestrator) tick(ctx context.Context, now time.Time) {
	for k, at := range o.seen {
		if now.Sub(at) >= o.dedupeTTL {
			delete(o.seen, k)
		}
	}

	o.advance(now)

	switch {
	case o.state == StateWaitPhotoClear && o.photo.held(now, o.cfg.ClearDuration):
		o.logger.Info("photo clearance held", "job_id", o.current.ID, "since", o.photo.since)
		o.dispatch(ctx, now, "clear")
	case o.state == StateAtDestination && o.current.Op == protocol.OpReturn &&
		!o.released && o.photo.held(now, o.cfg.ClearDuration):
		o.release(now, "clear")
	}

	if o.current != nil && now.Sub(o.lastActivity) >= o.cfg.StallTimeout {
		o.logger.Warn("watchdog: job stalled", "job_id", o.current.ID,
			"state", string(o.state), "idle", now.Sub(o.lastActivity))
		o.requeue(ctx, now, "watchdog")
	}
	o.flush()
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	o.logger.Debug("state changed", "from", string(o.state), "to", string(s))
	o.state = s
	o.dirty = true
}

func (o *Orchestrator) record(ctx context.Context, job *Job, kind journal.Kind, detail string) {
	if o.journal == nil {
		return
	}
	payload, _ := json.Marshal(job)
	_, err := o.journal.Record(ctx, journal.Entry{
		JobID:       job.ID,
		Kind:        kind,
		Op:          job.Op,
		GoalID:      job.GoalID,
		Fingerprint: job.Fingerprint,
		DedupeKey:   job.DedupeKey,
		Detail:      detail,
		Payload:     payload,
		CreatedAt:   o.now(),
	})
	if err != nil {
		o.logger.Warn("journal write failed", "job_id", job.ID, "kind", string(kind), "error", err)
	}
}

func (o *Orchestrator) putCurrentJob() {
	o.dirty = true
	if o.snapshots == nil {
		return
	}
	if err := o.snapshots.Put(state.CurrentJob, o.current); err != nil {
		o.logger.Warn("failed to write current_job snapshot", "error", err)
	}
}

func (o *Orchestrator) removeCurrentJob() {
	o.dirty = true
	if o.snapshots == nil {
		return
	}
	if err := o.snapshots.Remove(state.CurrentJob); err != nil {
		o.logger.Warn("failed to remove current_job snapshot", "error", err)
	}
}

// flush publishes a new snapshot when something changed.
func (o *Orchestrator) flush() {
	if !o.dirty {
		return
	}
	o.dirty = false
	snap := o.buildSnapshot()
	o.snap.Store(snap)

	if o.snapshots != nil {
		if err := o.snapshots.Put(state.Orchestrator, snap); err != nil {
			o.logger.Warn("failed to write orchestrator snapshot", "error", err)
		}
	}
	if err := o.bus.Publish(protocol.TopicOrchestratorState, snap); err != nil {
		o.logger.Debug("state publish failed", "error", err)
	}
}
