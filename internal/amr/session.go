// Package amr owns the single line-protocol session to the robot: connect,
// authenticate, reconnect with backoff, serialized writes, blocking waits
// over the received line stream, and the fixed dispatch sequence.
package amr

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Toonzaza/cart-sensor/internal/config"
	"github.com/Toonzaza/cart-sensor/internal/protocol"
	"github.com/Toonzaza/cart-sensor/internal/state"
)

const (
	outboxSize     = 64
	maxLineBytes   = 64 * 1024
	writeTimeout   = 5 * time.Second
	lineTerminator = "\r\n"
)

// State is the session connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Dialer opens the transport connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Publisher publishes bus events.
type Publisher interface {
	Publish(topic string, data any) error
}

// Snapshots persists the amr_state snapshot.
type Snapshots interface {
	ShallowMerge(name string, updates json.RawMessage) (json.RawMessage, error)
}

// Command is a line to send plus an optional success predicate.
type Command struct {
	Line    string
	Until   Predicate
	Timeout time.Duration
}

// Option configures a Session.
type Option func(*Session)

func WithDialer(d Dialer) Option { return func(s *Session) { s.dialer = d } }

func WithPublisher(p Publisher) Option { return func(s *Session) { s.events = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// WithConfirmer sets the release gate awaited by Return sequences.
func WithConfirmer(c Confirmer) Option { return func(s *Session) { s.confirmer = c } }

func WithRegistry(r *Registry) Option { return func(s *Session) { s.registry = r } }

func WithSnapshots(store Snapshots) Option { return func(s *Session) { s.snapshots = store } }

// Session is the logical session over an unreliable connection.
type Session struct {
	cfg       config.AMRConfig
	seq       config.SequenceConfig
	dialer    Dialer
	events    Publisher
	logger    *slog.Logger
	confirmer Confirmer
	registry  *Registry
	snapshots Snapshots

	log   *EventLog
	state atomic.Int32
	now   func() time.Time

	// speechEstimate bounds the wait for a late speech marker.
	speechEstimate func(text string) time.Duration
	// sleep waits out a reconnect delay; false means ctx ended first.
	sleep func(ctx context.Context, d time.Duration) bool

	// mu guards conn, the only handle to the socket.
	mu   sync.RWMutex
	conn *connection

	gate    sync.Mutex
	running atomic.Bool

	readingsMu sync.Mutex
	readings   Readings
	dirty      atomic.Bool
}

// Readings are the last classified status values.
type Readings struct {
	Status       string    `json:"status,omitempty"`
	Battery      *float64  `json:"battery,omitempty"`
	Pose         *Pose     `json:"pose,omitempty"`
	Localization *float64  `json:"localization,omitempty"`
	LastLineAt   time.Time `json:"last_line_at,omitempty"`
}

// Pose is the robot position reported by "Location:".
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"th"`
}

// Status is a point-in-time view for the API.
type Status struct {
	State     string   `json:"state"`
	Connected bool     `json:"connected"`
	Busy      bool     `json:"busy"`
	Readings  Readings `json:"readings"`
	LastLines []Line   `json:"last_lines,omitempty"`
}

type connection struct {
	conn     net.Conn
	outbox   chan writeReq
	lost     chan struct{}
	lostOnce sync.Once
}

type writeReq struct {
	line string
	done chan error
}

func (c *connection) close() {
	c.lostOnce.Do(func() {
		close(c.lost)
		_ = c.conn.Close()
	})
}

// write hands line to the connection's writer goroutine and waits for it.
func (c *connection) write(ctx context.Context, line string) error {
	req := writeReq{line: line, done: make(chan error, 1)}
	select {
	case c.outbox <- req:
	case <-c.lost:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return nil
	case <-c.lost:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewSession creates a Session. Call Run to start connecting.
func NewSession(amrCfg config.AMRConfig, seqCfg config.SequenceConfig, opts ...Option) *Session {
	s := &Session{
		cfg:            amrCfg,
		seq:            seqCfg,
		dialer:         &net.Dialer{},
		logger:         slog.Default(),
		registry:       DefaultRegistry(),
		log:            NewEventLog(amrCfg.LogCapacity),
		now:            time.Now,
		speechEstimate: SpeechEstimate,
		sleep:          sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "amr")
	return s
}

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// Log returns the session's event log.
func (s *Session) Log() *EventLog { return s.log }

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("Session state changed", "from", prev.String(), "to", st.String())
	}
}

func (s *Session) current() *connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Session) ready() (*connection, error) {
	if s.State() != StateReady {
		return nil, ErrNotConnected
	}
	c := s.current()
	if c == nil {
		return nil, ErrNotConnected
	}
	return c, nil
}

// Run connects and keeps the session connected until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("Starting AMR session", "addr", s.cfg.Addr())
	delay := s.cfg.BackoffMin
	for {
		ready, err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("AMR session stopped")
			return nil
		}
		if ready {
			delay = s.cfg.BackoffMin
		}
		s.logger.Warn("AMR connection ended, reconnecting", "error", err, "retry_in", delay)

		if !s.sleep(ctx, delay) {
			s.logger.Info("AMR session stopped")
			return nil
		}
		delay = min(delay*2, s.cfg.BackoffMax)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// connectOnce runs one connection until it is lost. It reports whether the
// connection reached READY.
func (s *Session) connectOnce(ctx context.Context) (bool, error) {
	s.setState(StateConnecting)
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	nc, err := s.dialer.DialContext(dctx, "tcp", s.cfg.Addr())
	cancel()
	if err != nil {
		s.setState(StateDisconnected)
		return false, fmt.Errorf("dial %s: %w", s.cfg.Addr(), err)
	}

	c := &connection{
		conn:   nc,
		outbox: make(chan writeReq, outboxSize),
		lost:   make(chan struct{}),
	}
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
	s.setState(StateAuthenticating)

	readDone := make(chan error, 1)
	go func() { readDone <- s.readLoop(c) }()
	go s.writeLoop(c)

	ready := false
	err = s.authenticate(ctx, c)
	if err == nil {
		ready = true
		s.onReady(ctx, c)
		select {
		case <-ctx.Done():
		case <-c.lost:
		}
	}

	c.close()
	readErr := <-readDone

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	s.setState(StateDisconnected)

	if ready {
		s.announce(false)
	}
	if err == nil {
		err = readErr
	}
	if err == nil {
		err = ErrConnectionLost
	}
	return ready, err
}

func (s *Session) authenticate(ctx context.Context, c *connection) error {
	cursor := s.log.Cursor()
	if err := c.write(ctx, s.cfg.Password); err != nil {
		return fmt.Errorf("send credential: %w", err)
	}
	if s.cfg.ReadyMarker == "" {
		return nil
	}
	if _, err := s.waitFrom(ctx, cursor, Contains(s.cfg.ReadyMarker), s.cfg.AuthTimeout, c.lost); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

func (s *Session) onReady(ctx context.Context, c *connection) {
	s.setState(StateReady)
	s.logger.Info("AMR session ready", "addr", s.cfg.Addr())
	s.announce(true)
	for _, cmd := range s.cfg.InitCommands {
		if err := c.write(ctx, cmd); err != nil {
			s.logger.Warn("Init command failed", "command", cmd, "error", err)
			return
		}
	}
}

func (s *Session) announce(connected bool) {
	s.publish(protocol.TopicDriverConnected, protocol.DriverConnected{
		Connected: connected,
		TS:        protocol.Stamp(s.now()),
	})
	s.writeSnapshot()
}

// Disconnect drops the current connection; Run reconnects after backoff.
func (s *Session) Disconnect() {
	if c := s.current(); c != nil {
		s.logger.Info("Disconnect requested")
		c.close()
	}
}

func (s *Session) readLoop(c *connection) error {
	defer c.close()
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		s.ingest(text)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return io.EOF
}

// writeLoop is the only code that writes to the socket.
func (s *Session) writeLoop(c *connection) {
	for {
		select {
		case <-c.lost:
			return
		case req := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_, err := io.WriteString(c.conn, req.line+lineTerminator)
			req.done <- err
			if err != nil {
				s.logger.Warn("AMR write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

func (s *Session) ingest(text string) {
	tags, fatal := s.registry.Classify(text)
	line := s.log.Append(s.now(), text, tags, fatal)
	if fatal {
		s.logger.Warn("AMR reported error", "line", text, "seq", line.Seq)
	} else {
		s.logger.Debug("AMR line", "line", text, "seq", line.Seq)
	}
	s.updateReadings(line)
	s.publish(protocol.TopicDriverStatus, line.Status())
}

func (s *Session) publish(topic string, data any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(topic, data); err != nil {
		s.logger.Warn("Publish failed", "topic", topic, "error", err)
	}
}

// Send writes one line on the READY connection.
func (s *Session) Send(ctx context.Context, line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("amr: line must not contain CR or LF: %q", line)
	}
	c, err := s.ready()
	if err != nil {
		return err
	}
	return c.write(ctx, line)
}

// WaitFor blocks until a line appended after the call satisfies pred.
// Lines are scanned in arrival order; a fatal line before the match aborts
// the wait with *FatalLineError.
func (s *Session) WaitFor(ctx context.Context, pred Predicate, timeout time.Duration) (Line, error) {
	cursor := s.log.Cursor()
	c, err := s.ready()
	if err != nil {
		return Line{}, err
	}
	return s.waitFrom(ctx, cursor, pred, timeout, c.lost)
}

// Execute sends cmd and, if cmd.Until is set, waits for the reply. The
// cursor is taken before sending so a fast reply cannot be missed.
func (s *Session) Execute(ctx context.Context, cmd Command) (Line, error) {
	if strings.ContainsAny(cmd.Line, "\r\n") {
		return Line{}, fmt.Errorf("amr: line must not contain CR or LF: %q", cmd.Line)
	}
	c, err := s.ready()
	if err != nil {
		return Line{}, err
	}
	cursor := s.log.Cursor()
	if err := c.write(ctx, cmd.Line); err != nil {
		return Line{}, err
	}
	if cmd.Until == nil {
		return Line{}, nil
	}
	return s.waitFrom(ctx, cursor, cmd.Until, cmd.Timeout, c.lost)
}

// waitFrom scans lines from cursor until pred matches. timeout <= 0 waits
// without bound.
func (s *Session) waitFrom(ctx context.Context, cursor uint64, pred Predicate, timeout time.Duration, lost <-chan struct{}) (Line, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	scan := func() (Line, bool, <-chan struct{}, error) {
		lines, next, notify, err := s.log.read(cursor)
		if err != nil {
			return Line{}, false, nil, err
		}
		for _, l := range lines {
			if l.Fatal {
				return Line{}, false, nil, &FatalLineError{Line: l}
			}
			if pred(l) {
				return l, true, nil, nil
			}
		}
		cursor = next
		return Line{}, false, notify, nil
	}

	for {
		line, ok, notify, err := scan()
		if err != nil {
			return Line{}, err
		}
		if ok {
			return line, nil
		}
		select {
		case <-notify:
		case <-expired:
			return Line{}, ErrTimeout
		case <-lost:
			// Lines that arrived just before the loss still count.
			if line, ok, _, err := scan(); err != nil || ok {
				return line, err
			}
			return Line{}, ErrConnectionLost
		case <-ctx.Done():
			return Line{}, ctx.Err()
		}
	}
}

func (s *Session) updateReadings(line Line) {
	s.readingsMu.Lock()
	defer s.readingsMu.Unlock()

	s.readings.LastLineAt = line.At
	for _, t := range line.Tags {
		switch t.Name {
		case TagStatus:
			s.readings.Status = t.Fields["status"]
		case TagBattery:
			if v, err := strconv.ParseFloat(t.Fields["percent"], 64); err == nil {
				s.readings.Battery = &v
			}
		case TagLocalization:
			if v, err := strconv.ParseFloat(t.Fields["score"], 64); err == nil {
				s.readings.Localization = &v
			}
		case TagLocation:
			x, errX := strconv.ParseFloat(t.Fields["x"], 64)
			y, errY := strconv.ParseFloat(t.Fields["y"], 64)
			th, errT := strconv.ParseFloat(t.Fields["th"], 64)
			if errX == nil && errY == nil && errT == nil {
				s.readings.Pose = &Pose{X: x, Y: y, Theta: th}
			}
		}
	}
	s.dirty.Store(true)
}

// Readings returns the last classified status values.
func (s *Session) Readings() Readings {
	s.readingsMu.Lock()
	defer s.readingsMu.Unlock()
	return s.readings
}

// Status returns a view of the session for the API.
func (s *Session) Status() Status {
	st := s.State()
	return Status{
		State:     st.String(),
		Connected: st == StateReady,
		Busy:      s.running.Load(),
		Readings:  s.Readings(),
		LastLines: s.log.Recent(20),
	}
}

// Tick flushes changed readings to the amr_state snapshot.
func (s *Session) Tick(ctx context.Context, now time.Time) error {
	if !s.dirty.Swap(false) {
		return nil
	}
	return s.flushSnapshot(now)
}

func (s *Session) writeSnapshot() {
	if err := s.flushSnapshot(s.now()); err != nil {
		s.logger.Warn("Failed to write amr_state snapshot", "error", err)
	}
}

func (s *Session) flushSnapshot(now time.Time) error {
	if s.snapshots == nil {
		return nil
	}
	st := s.State()
	update, err := json.Marshal(map[string]any{
		"connected":  st == StateReady,
		"state":      st.String(),
		"addr":       s.cfg.Addr(),
		"readings":   s.Readings(),
		"updated_at": now.UTC(),
	})
	if err != nil {
		return err
	}
	_, err = s.snapshots.ShallowMerge(state.AMRState, update)
	return err
}

var _ Snapshots = (*state.Store)(nil)

// IsTransient reports whether err is a connection-level failure the caller
// may retry after the session reconnects.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionLost)
}
