package amr

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

// Sequence step names, as reported on driver.sequence and in StepError.
const (
	StepStaging  = "staging"
	StepGoal     = "goal"
	StepPause    = "pause"
	StepConfirm  = "confirm"
	StepAnnounce = "announce"
	StepHome     = "home"
)

// Dispatch identifies the job a sequence runs for.
type Dispatch struct {
	JobID    string
	Op       protocol.Operation
	GoalID   string
	Waypoint string
	Attempt  int
}

func (d Dispatch) waypoint() string {
	if d.Waypoint != "" {
		return d.Waypoint
	}
	return d.GoalID
}

// Confirmer blocks a Return sequence at the destination until the cart has
// been unloaded (match or clearance confirmed elsewhere).
type Confirmer interface {
	Await(ctx context.Context, d Dispatch) error
}

// SpeechEstimate is how long the AMR needs to speak text: one second per ten
// characters plus one, clamped to [2s, 60s].
func SpeechEstimate(text string) time.Duration {
	secs := utf8.RuneCountInString(text)/10 + 1
	secs = max(2, min(secs, 60))
	return time.Duration(secs) * time.Second
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// RunSequence drives the AMR through staging, the job waypoint, the pause or
// confirmation, the announcement and home. Only one sequence runs at a time;
// a concurrent call fails with ErrBusy without touching the session. Any
// failure aborts the remaining steps and is returned as *StepError.
func (s *Session) RunSequence(ctx context.Context, d Dispatch) error {
	if !s.gate.TryLock() {
		return ErrBusy
	}
	defer s.gate.Unlock()
	s.running.Store(true)
	defer s.running.Store(false)

	if _, err := s.ready(); err != nil {
		return err
	}

	logger := s.logger.With("job_id", d.JobID, "goal_id", d.GoalID, "op", string(d.Op))

	var middle step
	switch d.Op {
	case protocol.OpRequest:
		middle = step{StepPause, s.pause}
	case protocol.OpReturn:
		middle = step{StepConfirm, func(ctx context.Context) error { return s.confirm(ctx, d) }}
	default:
		return fmt.Errorf("amr: unknown operation %q", d.Op)
	}

	steps := []step{
		{StepStaging, func(ctx context.Context) error { return s.gotoWaypoint(ctx, s.seq.Staging) }},
		{StepGoal, func(ctx context.Context) error { return s.gotoWaypoint(ctx, d.waypoint()) }},
		middle,
		{StepAnnounce, s.announceArrival},
		{StepHome, func(ctx context.Context) error { return s.gotoWaypoint(ctx, s.seq.Home) }},
	}

	logger.Info("Sequence started", "waypoint", d.waypoint())
	for _, st := range steps {
		s.progress(d, st.name, "started", nil)
		if err := st.run(ctx); err != nil {
			s.progress(d, st.name, "failed", err)
			logger.Error("Sequence aborted", "step", st.name, "error", err)
			return &StepError{Step: st.name, Err: err}
		}
		s.progress(d, st.name, "done", nil)
	}
	logger.Info("Sequence completed")
	return nil
}

func (s *Session) progress(d Dispatch, stepName, phase string, err error) {
	p := protocol.SequenceProgress{
		JobID: d.JobID,
		Step:  stepName,
		Phase: phase,
		TS:    protocol.Stamp(s.now()),
	}
	if err != nil {
		p.Error = err.Error()
	}
	s.publish(protocol.TopicDriverSequence, p)
}

func (s *Session) gotoWaypoint(ctx context.Context, name string) error {
	_, err := s.Execute(ctx, Command{
		Line:    "goto " + name,
		Until:   ArrivedAt(name),
		Timeout: s.seq.StepTimeout,
	})
	return err
}

func (s *Session) pause(ctx context.Context) error {
	_, err := s.Execute(ctx, Command{
		Line:    fmt.Sprintf("doTask wait %d", s.seq.PauseSecs),
		Until:   TaskCompleted("wait"),
		Timeout: s.seq.StepTimeout,
	})
	return err
}

func (s *Session) confirm(ctx context.Context, d Dispatch) error {
	if s.confirmer == nil {
		return errors.New("amr: no confirmer configured for Return sequences")
	}
	c, err := s.ready()
	if err != nil {
		return err
	}

	cursor := s.log.Cursor()
	cctx, cancel := context.WithTimeout(ctx, s.seq.ReleaseTimeout)
	defer cancel()

	// Nothing matches: the watch ends on a fatal line or with the wait.
	watch := make(chan error, 1)
	go func() {
		_, err := s.waitFrom(cctx, cursor, func(Line) bool { return false }, 0, c.lost)
		cancel()
		watch <- err
	}()

	err = s.confirmer.Await(cctx, d)
	cancel()
	werr := <-watch

	var fatal *FatalLineError
	switch {
	case errors.As(werr, &fatal):
		return werr
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case isClosed(c.lost):
		return ErrConnectionLost
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: no release within %s", ErrTimeout, s.seq.ReleaseTimeout)
	default:
		return err
	}
}

// announceArrival says the arrival message and waits for the speech marker.
// Without a marker it keeps watching until the text-length estimate has
// passed, then proceeds.
func (s *Session) announceArrival(ctx context.Context) error {
	text := s.seq.Announce
	c, err := s.ready()
	if err != nil {
		return err
	}
	cursor := s.log.Cursor()
	started := s.now()
	if err := c.write(ctx, "say "+text); err != nil {
		return err
	}

	_, err = s.waitFrom(ctx, cursor, SpeechDone(), s.seq.SpeechMarkerTimeout, c.lost)
	if !errors.Is(err, ErrTimeout) {
		return err
	}

	remaining := s.speechEstimate(text) - s.now().Sub(started)
	if remaining > 0 {
		_, err = s.waitFrom(ctx, cursor, SpeechDone(), remaining, c.lost)
		if !errors.Is(err, ErrTimeout) {
			return err
		}
	}
	s.logger.Debug("No speech marker, proceeding on estimate", "text", text)
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
