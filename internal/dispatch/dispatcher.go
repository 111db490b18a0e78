package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Toonzaza/cart-sensor/internal/amr"
	"github.com/Toonzaza/cart-sensor/internal/events"
	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

// Runner executes one AMR sequence. *amr.Session satisfies it.
type Runner interface {
	RunSequence(ctx context.Context, d amr.Dispatch) error
}

// Bus is the slice of the event hub the driver uses.
type Bus interface {
	Publish(topic string, data any) error
	SubscribeTopics(name string, buffer int, topics ...string) (<-chan events.Event, func())
}

// Dispatcher consumes dispatch.trigger and dispatch.release.
type Dispatcher struct {
	runner Runner
	gate   *Gate
	bus    Bus
	buffer int
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Dispatcher. buffer sizes its bus mailbox.
func New(runner Runner, gate *Gate, bus Bus, buffer int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		runner: runner,
		gate:   gate,
		bus:    bus,
		buffer: buffer,
		logger: logger.With("component", "dispatch"),
		now:    time.Now,
	}
}

// Subscribe registers the dispatcher's mailbox for the driver topics.
func (d *Dispatcher) Subscribe() (<-chan events.Event, func()) {
	return d.bus.SubscribeTopics("dispatch", d.buffer,
		protocol.TopicDispatchTrigger, protocol.TopicDispatchRelease)
}

// Run handles events from ch until ctx is cancelled or ch closes. Running
// sequences are cancelled with ctx and awaited before Run returns.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan events.Event) error {
	var wg conc.WaitGroup
	defer wg.Wait()

	d.logger.Info("dispatch loop started")
	defer d.logger.Info("dispatch loop stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			switch ev.Type {
			case protocol.TopicDispatchTrigger:
				trig, err := protocol.DecodeDispatchTrigger(ev.Data)
				if err != nil {
					d.logger.Warn("dropping malformed trigger", "event_id", ev.ID, "error", err)
					continue
				}
				job := amr.Dispatch{
					JobID:    trig.JobID,
					Op:       trig.Op,
					GoalID:   trig.GoalID,
					Waypoint: trig.Waypoint,
					Attempt:  trig.Attempt,
				}
				wg.Go(func() { d.execute(ctx, job) })
			case protocol.TopicDispatchRelease:
				rel, err := protocol.DecodeDispatchRelease(ev.Data)
				if err != nil {
					d.logger.Warn("dropping malformed release", "event_id", ev.ID, "error", err)
					continue
				}
				waiting := d.gate.Release(rel.JobID)
				d.logger.Info("release received", "job_id", rel.JobID, "reason", rel.Reason, "waiting", waiting)
			}
		}
	}
}

// run executes one sequence and publishes its result.
func (d *Dispatcher) execute(ctx context.Context, job amr.Dispatch) {
	logger := d.logger.With("job_id", job.JobID, "goal_id", job.GoalID)
	logger.Info("running sequence", "op", string(job.Op), "waypoint", job.Waypoint)

	err := d.runner.RunSequence(ctx, job)
	if !errors.Is(err, amr.ErrBusy) {
		d.gate.Forget(job.JobID)
	}
	if err != nil && ctx.Err() != nil {
		logger.Info("sequence cancelled by shutdown", "error", err)
		return
	}

	res := Result(job, err, d.now())
	switch res.Status {
	case protocol.ResultOK:
		logger.Info("sequence succeeded")
	case protocol.ResultBusy:
		logger.Warn("sequence rejected, driver busy")
	default:
		logger.Error("sequence failed", "step", res.Step, "error", err)
	}

	if perr := d.bus.Publish(protocol.TopicDispatchResult, res); perr != nil {
		logger.Error("failed to publish dispatch result", "error", perr)
	}
}

// Result maps a RunSequence outcome to its dispatch.result payload.
func Result(job amr.Dispatch, err error, now time.Time) protocol.DispatchResult {
	res := protocol.DispatchResult{
		JobID:   job.JobID,
		GoalID:  job.GoalID,
		Status:  protocol.ResultOK,
		Attempt: job.Attempt,
		TS:      protocol.Stamp(now),
	}
	if err == nil {
		return res
	}
	res.Error = err.Error()
	if errors.Is(err, amr.ErrBusy) {
		res.Status = protocol.ResultBusy
		return res
	}
	res.Status = protocol.ResultFailed
	var stepErr *amr.StepError
	if errors.As(err, &stepErr) {
		res.Step = stepErr.Step
	}
	return res
}
