package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Toonzaza/cart-sensor/internal/amr"
	"github.com/Toonzaza/cart-sensor/internal/events"
	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []amr.Dispatch
	run   func(ctx context.Context, d amr.Dispatch) error
}

func (f *fakeRunner) RunSequence(ctx context.Context, d amr.Dispatch) error {
	f.mu.Lock()
	f.calls = append(f.calls, d)
	run := f.run
	f.mu.Unlock()
	if run == nil {
		return nil
	}
	return run(ctx, d)
}

func (f *fakeRunner) dispatched() []amr.Dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]amr.Dispatch(nil), f.calls...)
}

func startDispatcher(t *testing.T, runner Runner, gate *Gate) (*events.Hub, <-chan events.Event) {
	t.Helper()
	hub := events.NewHub(64)
	results, cancelResults := hub.SubscribeTopics("test", 16, protocol.TopicDispatchResult)

	d := New(runner, gate, hub, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch, cancelSub := d.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, ch) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("dispatch loop did not stop")
		}
		cancelSub()
		cancelResults()
	})
	return hub, results
}

func nextResult(t *testing.T, results <-chan events.Event) protocol.DispatchResult {
	t.Helper()
	select {
	case ev := <-results:
		res, err := protocol.DecodeDispatchResult(ev.Data)
		require.NoError(t, err)
		return *res
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch.result published")
		return protocol.DispatchResult{}
	}
}

func trigger(t *testing.T, hub *events.Hub, jobID string, op protocol.Operation) {
	t.Helper()
	require.NoError(t, hub.Publish(protocol.TopicDispatchTrigger, protocol.DispatchTrigger{
		JobID: jobID, Op: op, GoalID: "DOT400002", Waypoint: "Goal2", Attempt: 3, TS: 1,
	}))
}

func TestDispatcherRunsTriggeredSequence(t *testing.T) {
	runner := &fakeRunner{}
	hub, results := startDispatcher(t, runner, NewGate())

	trigger(t, hub, "job-1", protocol.OpRequest)

	res := nextResult(t, results)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, "DOT400002", res.GoalID)
	assert.Equal(t, protocol.ResultOK, res.Status)
	assert.Equal(t, 3, res.Attempt)
	assert.Equal(t, []amr.Dispatch{{JobID: "job-1", Op: protocol.OpRequest, GoalID: "DOT400002", Waypoint: "Goal2", Attempt: 3}}, runner.dispatched())
}

func TestDispatcherReportsFailedStep(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context, amr.Dispatch) error {
		return &amr.StepError{Step: amr.StepGoal, Err: amr.ErrTimeout}
	}}
	hub, results := startDispatcher(t, runner, NewGate())

	trigger(t, hub, "job-1", protocol.OpRequest)

	res := nextResult(t, results)
	assert.Equal(t, protocol.ResultFailed, res.Status)
	assert.Equal(t, amr.StepGoal, res.Step)
	assert.Contains(t, res.Error, "timed out")
}

func TestDispatcherReportsBusy(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context, amr.Dispatch) error { return amr.ErrBusy }}
	hub, results := startDispatcher(t, runner, NewGate())

	trigger(t, hub, "job-2", protocol.OpRequest)

	res := nextResult(t, results)
	assert.Equal(t, protocol.ResultBusy, res.Status)
	assert.Equal(t, 3, res.Attempt)
	assert.Empty(t, res.Step)
}

func TestDispatcherDropsMalformedTrigger(t *testing.T) {
	runner := &fakeRunner{}
	hub, results := startDispatcher(t, runner, NewGate())

	require.NoError(t, hub.PublishRaw(protocol.TopicDispatchTrigger, []byte(`{"job_id":"x"}`)))
	trigger(t, hub, "job-1", protocol.OpRequest)

	res := nextResult(t, results)
	assert.Equal(t, "job-1", res.JobID)
	assert.Len(t, runner.dispatched(), 1)
}

func TestDispatcherReleaseUnblocksReturn(t *testing.T) {
	gate := NewGate()
	runner := &fakeRunner{run: func(ctx context.Context, d amr.Dispatch) error {
		return gate.Await(ctx, d)
	}}
	hub, results := startDispatcher(t, runner, gate)

	trigger(t, hub, "job-r", protocol.OpReturn)
	require.Eventually(t, func() bool { return gate.Waiting("job-r") }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(protocol.TopicDispatchRelease, protocol.DispatchRelease{
		JobID: "job-r", GoalID: "DOT400002", Reason: "clear", TS: 2,
	}))

	res := nextResult(t, results)
	assert.Equal(t, protocol.ResultOK, res.Status)
	assert.False(t, gate.Waiting("job-r"))
}

func TestResult(t *testing.T) {
	job := amr.Dispatch{JobID: "j", GoalID: "G", Attempt: 2}
	now := time.Unix(1700000000, 0)

	ok := Result(job, nil, now)
	assert.Equal(t, protocol.ResultOK, ok.Status)
	assert.Equal(t, 2, ok.Attempt)
	assert.Empty(t, ok.Error)

	failed := Result(job, errors.New("boom"), now)
	assert.Equal(t, protocol.ResultFailed, failed.Status)
	assert.Equal(t, "boom", failed.Error)
	assert.Empty(t, failed.Step)

	notConnected := Result(job, amr.ErrNotConnected, now)
	assert.Equal(t, protocol.ResultFailed, notConnected.Status)
}
