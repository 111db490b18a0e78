package amr

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Toonzaza/cart-sensor/internal/config"
	"github.com/Toonzaza/cart-sensor/internal/protocol"
	"github.com/Toonzaza/cart-sensor/internal/state"
)

// fakeAMR is a scripted robot on the far side of a net.Pipe.
type fakeAMR struct {
	mu       sync.Mutex
	conn     net.Conn
	received []string
	respond  func(line string) []string
	dials    atomic.Int32
	refuse   atomic.Int32
}

func (f *fakeAMR) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	f.dials.Add(1)
	if f.refuse.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	f.mu.Lock()
	f.conn = server
	f.mu.Unlock()
	go f.serve(server)
	return client, nil
}

func (f *fakeAMR) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line := strings.TrimRight(raw, "\r\n")
		f.mu.Lock()
		f.received = append(f.received, line)
		respond := f.respond
		f.mu.Unlock()
		if respond == nil {
			continue
		}
		for _, out := range respond(line) {
			if _, err := io.WriteString(conn, out+"\r\n"); err != nil {
				return
			}
		}
	}
}

func (f *fakeAMR) setResponder(fn func(string) []string) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeAMR) emit(t *testing.T, lines ...string) {
	t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(t, conn)
	for _, l := range lines {
		_, err := io.WriteString(conn, l+"\r\n")
		require.NoError(t, err)
	}
}

func (f *fakeAMR) drop() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (f *fakeAMR) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

// arcl answers motion, task and speech commands the way the robot does.
func arcl(line string) []string {
	switch {
	case strings.HasPrefix(line, "goto "):
		goal := strings.TrimPrefix(line, "goto ")
		return []string{"Going to " + goal, "Arrived at " + goal}
	case strings.HasPrefix(line, "doTask "):
		task := strings.TrimPrefix(line, "doTask ")
		return []string{"Doing task " + task, "Completed doing task " + task}
	case strings.HasPrefix(line, "say "):
		return []string{"Finished speaking"}
	case line == "status":
		return []string{
			"Status: Stopped",
			"StateOfCharge: 87.5",
			"Location: 1200 -340 90",
			"LocalizationScore: 0.93",
		}
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	topics []string
	data   []any
}

func (r *recorder) Publish(topic string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.data = append(r.data, data)
	return nil
}

func (r *recorder) connected() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bool
	for i, topic := range r.topics {
		if topic == protocol.TopicDriverConnected {
			out = append(out, r.data[i].(protocol.DriverConnected).Connected)
		}
	}
	return out
}

func (r *recorder) progress() []protocol.SequenceProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.SequenceProgress
	for i, topic := range r.topics {
		if topic == protocol.TopicDriverSequence {
			out = append(out, r.data[i].(protocol.SequenceProgress))
		}
	}
	return out
}

func testConfigs() (config.AMRConfig, config.SequenceConfig) {
	d := config.Defaults()
	a := d.AMR
	a.Host = "amr.test"
	a.Password = "adept"
	a.BackoffMin = 10 * time.Millisecond
	a.BackoffMax = 40 * time.Millisecond
	a.AuthTimeout = time.Second
	a.LogCapacity = 64

	q := d.Sequence
	q.StepTimeout = 2 * time.Second
	q.SpeechMarkerTimeout = 50 * time.Millisecond
	q.ReleaseTimeout = 2 * time.Second
	return a, q
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	amr     *fakeAMR
	events  *recorder
	session *Session
}

func startSession(t *testing.T, mutate func(*config.AMRConfig, *config.SequenceConfig), opts ...Option) *harness {
	t.Helper()
	a, q := testConfigs()
	if mutate != nil {
		mutate(&a, &q)
	}
	h := &harness{amr: &fakeAMR{}, events: &recorder{}}
	h.amr.setResponder(arcl)
	opts = append([]Option{
		WithDialer(h.amr),
		WithPublisher(h.events),
		WithLogger(quietLogger()),
	}, opts...)
	h.session = NewSession(a, q, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return h
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
	// Credential plus init commands reach the robot before anything else.
	require.Eventually(t, func() bool { return len(h.amr.lines()) >= 3 }, 2*time.Second, 5*time.Millisecond)
}

// settle waits until the log holds n lines, so the next wait starts after them.
func (h *harness) settle(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.Log().Cursor() >= n+1 }, time.Second, 2*time.Millisecond)
}

func TestSessionSendsCredentialThenInitCommands(t *testing.T) {
	h := startSession(t, nil)
	h.waitReady(t)

	require.Eventually(t, func() bool { return len(h.amr.lines()) >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"adept", "echo off", "status"}, h.amr.lines()[:3])
	assert.Equal(t, []bool{true}, h.events.connected())
}

func TestSessionWaitsForReadyMarker(t *testing.T) {
	h := startSession(t, func(a *config.AMRConfig, _ *config.SequenceConfig) {
		a.ReadyMarker = "End of commands"
	})

	require.Eventually(t, func() bool { return h.session.State() == StateAuthenticating }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.amr.lines()) >= 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "adept", h.amr.lines()[0])

	h.amr.emit(t, "Welcome to the server.")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateAuthenticating, h.session.State())

	h.amr.emit(t, "End of commands")
	h.waitReady(t)
}

func TestSessionAuthTimeoutReconnects(t *testing.T) {
	h := startSession(t, func(a *config.AMRConfig, _ *config.SequenceConfig) {
		a.ReadyMarker = "End of commands"
		a.AuthTimeout = 30 * time.Millisecond
	})

	require.Eventually(t, func() bool { return h.amr.dials.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, StateReady, h.session.State())
	assert.Empty(t, h.events.connected())
}

func TestSessionReconnectsAfterEOF(t *testing.T) {
	h := startSession(t, nil)
	h.waitReady(t)

	h.amr.drop()
	require.Eventually(t, func() bool { return h.amr.dials.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	h.waitReady(t)
	require.Eventually(t, func() bool { return len(h.events.connected()) >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, h.events.connected()[:3])
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) sleep(ctx context.Context, d time.Duration) bool {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err() == nil
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func TestSessionBackoffDoublesAndResetsAfterReady(t *testing.T) {
	rec := &delayRecorder{}
	a, q := testConfigs()
	fake := &fakeAMR{}
	fake.setResponder(arcl)
	fake.refuse.Store(4)
	h := &harness{amr: fake, events: &recorder{}}
	h.session = NewSession(a, q,
		WithDialer(fake),
		WithPublisher(h.events),
		WithLogger(quietLogger()),
		func(s *Session) { s.sleep = rec.sleep },
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.session.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	h.waitReady(t)
	assert.Equal(t, int32(5), fake.dials.Load())
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 40 * ms, 40 * ms}, rec.recorded())

	fake.drop()
	require.Eventually(t, func() bool { return len(rec.recorded()) >= 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 10*ms, rec.recorded()[4])
	h.waitReady(t)
}

func TestSendNotConnected(t *testing.T) {
	a, q := testConfigs()
	s := NewSession(a, q, WithLogger(quietLogger()))

	assert.ErrorIs(t, s.Send(context.Background(), "status"), ErrNotConnected)
	_, err := s.WaitFor(context.Background(), HasTag(TagArrived), time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, s.RunSequence(context.Background(), Dispatch{JobID: "j", Op: protocol.OpRequest, GoalID: "G"}), ErrNotConnected)
}

func TestSendRejectsEmbeddedNewline(t *testing.T) {
	h := startSession(t, nil)
	h.waitReady(t)
	assert.Error(t, h.session.Send(context.Background(), "goto A\r\ngoto B"))
}

func TestWaitForIgnoresEarlierLines(t *testing.T) {
	h := startSession(t, nil)
	h.waitReady(t)
	h.settle(t, 4) // status replies

	h.amr.emit(t, "Arrived at Staging")
	h.settle(t, 5)

	_, err := h.session.WaitFor(context.Background(), ArrivedAt("Staging"), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	got := make(chan Line, 1)
	cursor := h.session.Log().Cursor()
	go func() {
		l, _ := h.session.waitFrom(context.Background(), cursor, ArrivedAt("staging"), time.Second, nil)
		got <- l
	}()
	h.amr.emit(t, "Arrived at Staging")
	select {
	case l := <-got:
		assert.Equal(t, cursor, l.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("wait never returned")
	}
}

func TestWaitForScansInArrivalOrder(t *testing.T) {
	h := startSession(t, nil)
	h.waitReady(t)
	h.settle(t, 4)

	cursor := h.session.Log().Cursor()
	h.amr.emit(t, "Going to A", "Arrived at A", "Arrived at B")

	l, err := h.session.waitFrom(context.Background(), cursor, HasTag(TagArrived), time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "Arrived at A", l.Text)
}

func TestWaitForFatalLineAbortsImmediately(t *testing.T) {
	h := startSession(t, nil)
	h.waitReady(t)
	h.settle(t, 4)

	cursor := h.session.Log().Cursor()
	h.amr.emit(t, "CommandError: goto Nowhere", "Arrived at Nowhere")

	start := time.Now()
	_, err := h.session.waitFrom(context.Background(), cursor, ArrivedAt("Nowhere"), 5*time.Second, nil)
	var fatal *FatalLineError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "CommandError: goto Nowhere", fatal.Line.Text)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForTimeoutBound(t *testing.T) {
	h := startSession(t, nil)
	h.waitReady(t)

	const timeout = 80 * time.Millisecond
	start := time.Now()
	_, err := h.session.WaitFor(context.Background(), ArrivedAt("Never"), timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
}

func TestWaitForConnectionLost(t *testing.T) {
	h := startSession(t, nil)
	h.waitReady(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.session.WaitFor(context.Background(), ArrivedAt("Never"), 5*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	h.amr.drop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not fail on connection loss")
	}
}

func TestRunSequenceRequest(t *testing.T) {
	h := startSession(t, nil)
	h.waitReady(t)

	err := h.session.RunSequence(context.Background(), Dispatch{
		JobID: "job-1", Op: protocol.OpRequest, GoalID: "DOT400002", Waypoint: "Goal2",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"adept", "echo off", "status",
		"goto Staging",
		"goto Goal2",
		"doTask wait 5",
		"say Smart cart has arrived",
		"goto Home",
	}, h.amr.lines())

	progress := h.events.progress()
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, StepHome, last.Step)
	assert.Equal(t, "done", last.Phase)
	assert.Equal(t, "job-1", last.JobID)
}

type gateConfirmer struct {
	entered chan Dispatch
	release chan struct{}
}

func (g *gateConfirmer) Await(ctx context.Context, d Dispatch) error {
	g.entered <- d
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRunSequenceBusyHasNoSideEffects(t *testing.T) {
	gate := &gateConfirmer{entered: make(chan Dispatch, 1), release: make(chan struct{})}
	h := startSession(t, nil, WithConfirmer(gate))
	h.waitReady(t)

	first := make(chan error, 1)
	go func() {
		first <- h.session.RunSequence(context.Background(), Dispatch{JobID: "job-1", Op: protocol.OpReturn, GoalID: "G1"})
	}()

	select {
	case d := <-gate.entered:
		assert.Equal(t, "job-1", d.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("first sequence never reached the confirmation step")
	}
	before := h.amr.lines()
	assert.True(t, h.session.Status().Busy)

	err := h.session.RunSequence(context.Background(), Dispatch{JobID: "job-2", Op: protocol.OpRequest, GoalID: "G2"})
	assert.ErrorIs(t, err, ErrBusy)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, h.amr.lines())

	close(gate.release)
	require.NoError(t, <-first)
	assert.Equal(t, []string{"goto Staging", "goto G1", "say Smart cart has arrived", "goto Home"}, h.amr.lines()[3:])
	assert.False(t, h.session.Status().Busy)
}

func TestRunSequenceFatalLineAbortsAndReleasesGate(t *testing.T) {
	h := startSession(t, nil)
	h.waitReady(t)

	h.amr.setResponder(func(line string) []string {
		if line == "goto Goal2" {
			return []string{"Going to Goal2", "Failed going to goal Goal2"}
		}
		return arcl(line)
	})

	d := Dispatch{JobID: "job-1", Op: protocol.OpRequest, GoalID: "DOT400002", Waypoint: "Goal2"}
	err := h.session.RunSequence(context.Background(), d)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepGoal, stepErr.Step)
	var fatal *FatalLineError
	assert.ErrorAs(t, err, &fatal)
	assert.NotContains(t, h.amr.lines(), "doTask wait 5")

	h.amr.setResponder(arcl)
	assert.NoError(t, h.session.RunSequence(context.Background(), d))
}

func TestRunSequenceStepTimeout(t *testing.T) {
	h := startSession(t, func(_ *config.AMRConfig, q *config.SequenceConfig) {
		q.StepTimeout = 60 * time.Millisecond
	})
	h.waitReady(t)
	h.amr.setResponder(func(line string) []string {
		if line == "goto Staging" {
			return []string{"Going to Staging"}
		}
		return arcl(line)
	})

	err := h.session.RunSequence(context.Background(), Dispatch{JobID: "j", Op: protocol.OpRequest, GoalID: "G"})
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepStaging, stepErr.Step)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunSequenceReleaseTimeout(t *testing.T) {
	gate := &gateConfirmer{entered: make(chan Dispatch, 1), release: make(chan struct{})}
	h := startSession(t, func(_ *config.AMRConfig, q *config.SequenceConfig) {
		q.ReleaseTimeout = 50 * time.Millisecond
	}, WithConfirmer(gate))
	h.waitReady(t)

	err := h.session.RunSequence(context.Background(), Dispatch{JobID: "j", Op: protocol.OpReturn, GoalID: "G"})
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepConfirm, stepErr.Step)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotContains(t, h.amr.lines(), "goto Home")
}

func TestRunSequenceFatalLineDuringConfirm(t *testing.T) {
	gate := &gateConfirmer{entered: make(chan Dispatch, 1), release: make(chan struct{})}
	h := startSession(t, func(_ *config.AMRConfig, q *config.SequenceConfig) {
		q.ReleaseTimeout = 500 * time.Millisecond
	}, WithConfirmer(gate))
	h.waitReady(t)

	done := make(chan error, 1)
	go func() {
		done <- h.session.RunSequence(context.Background(), Dispatch{JobID: "j", Op: protocol.OpReturn, GoalID: "G"})
	}()

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sequence never reached the confirmation step")
	}
	emitted := time.Now()
	h.amr.emit(t, "Error: EStop pressed")

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sequence did not abort")
	}
	assert.Less(t, time.Since(emitted), 400*time.Millisecond)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepConfirm, stepErr.Step)
	var fatal *FatalLineError
	require.ErrorAs(t, err, &fatal)
	assert.Contains(t, fatal.Line.Text, "EStop pressed")
	assert.NotContains(t, h.amr.lines(), "goto Home")
	assert.False(t, h.session.Status().Busy)
}

func TestRunSequenceSpeechFallback(t *testing.T) {
	h := startSession(t, nil)
	h.session.speechEstimate = func(string) time.Duration { return 150 * time.Millisecond }
	h.waitReady(t)
	h.amr.setResponder(func(line string) []string {
		if strings.HasPrefix(line, "say ") {
			return nil
		}
		return arcl(line)
	})

	var announceStarted, announceDone time.Time
	err := h.session.RunSequence(context.Background(), Dispatch{JobID: "j", Op: protocol.OpRequest, GoalID: "G"})
	require.NoError(t, err)

	for _, p := range h.events.progress() {
		if p.Step != StepAnnounce {
			continue
		}
		switch p.Phase {
		case "started":
			announceStarted = protocol.Time(p.TS)
		case "done":
			announceDone = protocol.Time(p.TS)
		}
	}
	assert.GreaterOrEqual(t, announceDone.Sub(announceStarted), 140*time.Millisecond)
	assert.Contains(t, h.amr.lines(), "goto Home")
}

func TestSpeechEstimate(t *testing.T) {
	tests := []struct {
		text string
		want time.Duration
	}{
		{"", 2 * time.Second},
		{"Smart cart has arrived", 3 * time.Second},
		{strings.Repeat("x", 95), 10 * time.Second},
		{strings.Repeat("x", 2000), 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SpeechEstimate(tt.text), "len=%d", len(tt.text))
	}
}

func TestSessionReadingsAndSnapshot(t *testing.T) {
	store := state.NewStore(t.TempDir())
	h := startSession(t, nil, WithSnapshots(store))
	h.waitReady(t)

	require.Eventually(t, func() bool {
		r := h.session.Readings()
		return r.Battery != nil && r.Pose != nil && r.Localization != nil
	}, time.Second, 5*time.Millisecond)

	r := h.session.Readings()
	assert.Equal(t, 87.5, *r.Battery)
	assert.Equal(t, Pose{X: 1200, Y: -340, Theta: 90}, *r.Pose)
	assert.Equal(t, "Stopped", r.Status)

	require.NoError(t, h.session.Tick(context.Background(), time.Now()))
	raw, err := store.Get(state.AMRState)
	require.NoError(t, err)

	var snap struct {
		Connected bool     `json:"connected"`
		State     string   `json:"state"`
		Readings  Readings `json:"readings"`
	}
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.True(t, snap.Connected)
	assert.Equal(t, "READY", snap.State)
	require.NotNil(t, snap.Readings.Battery)
	assert.Equal(t, 87.5, *snap.Readings.Battery)
}

func TestDriverStatusPublished(t *testing.T) {
	h := startSession(t, nil)
	h.waitReady(t)
	h.amr.emit(t, "Arrived at Goal2")

	require.Eventually(t, func() bool {
		h.events.mu.Lock()
		defer h.events.mu.Unlock()
		for i, topic := range h.events.topics {
			if topic != protocol.TopicDriverStatus {
				continue
			}
			st := h.events.data[i].(protocol.DriverStatus)
			if st.Line == "Arrived at Goal2" {
				return len(st.Tags) == 1 && st.Tags[0].Name == TagArrived && st.Tags[0].Fields["goal"] == "Goal2"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrNotConnected))
	assert.True(t, IsTransient(&StepError{Step: StepGoal, Err: ErrConnectionLost}))
	assert.False(t, IsTransient(&StepError{Step: StepGoal, Err: ErrTimeout}))
	assert.False(t, IsTransient(errors.New("other")))
}

func TestSessionUsesInjectedRegistry(t *testing.T) {
	reg := NewRegistry(append(DefaultRegistry().Patterns(), Pattern{
		Name:  "estop",
		Re:    regexp.MustCompile(`(?i)^EStop (?P<state>pressed|relieved)`),
		Fatal: true,
	})...)
	h := startSession(t, nil, WithRegistry(reg))
	h.waitReady(t)

	errCh := make(chan error, 1)
	cursor := h.session.Log().Cursor()
	go func() {
		_, err := h.session.waitFrom(context.Background(), cursor, ArrivedAt("Goal2"), 2*time.Second, nil)
		errCh <- err
	}()
	h.amr.emit(t, "EStop pressed")

	select {
	case err := <-errCh:
		var fatal *FatalLineError
		require.ErrorAs(t, err, &fatal)
		assert.Equal(t, "EStop pressed", fatal.Line.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("wait never returned")
	}
}
