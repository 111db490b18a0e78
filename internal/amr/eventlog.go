package amr

import (
	"sync"
	"time"

	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

const defaultLogCapacity = 1000

// Line is one text line received from the AMR. Lines are classified once on
// append and never mutated afterwards.
type Line struct {
	Seq   uint64             `json:"seq"`
	At    time.Time          `json:"at"`
	Text  string             `json:"text"`
	Tags  []protocol.LineTag `json:"tags,omitempty"`
	Fatal bool               `json:"fatal,omitempty"`
}

// Tag returns the classification named name, if present.
func (l Line) Tag(name string) (protocol.LineTag, bool) {
	for _, t := range l.Tags {
		if t.Name == name {
			return t, true
		}
	}
	return protocol.LineTag{}, false
}

// Status converts l to its bus payload.
func (l Line) Status() protocol.DriverStatus {
	return protocol.DriverStatus{
		Line:  l.Text,
		TS:    protocol.Stamp(l.At),
		Seq:   l.Seq,
		Fatal: l.Fatal,
		Tags:  l.Tags,
	}
}

// EventLog is a bounded ring of received lines. Only the session reader
// appends; any number of waiters read from their own cursor.
type EventLog struct {
	mu     sync.Mutex
	buf    []Line
	start  int
	size   int
	next   uint64
	notify chan struct{}
}

// NewEventLog returns an empty log holding at most capacity lines.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &EventLog{
		buf:    make([]Line, capacity),
		next:   1,
		notify: make(chan struct{}),
	}
}

// Append stores a line and wakes every waiter.
func (l *EventLog) Append(at time.Time, text string, tags []protocol.LineTag, fatal bool) Line {
	l.mu.Lock()
	line := Line{Seq: l.next, At: at, Text: text, Tags: tags, Fatal: fatal}
	l.next++

	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = line
		l.size++
	} else {
		l.buf[l.start] = line
		l.start = (l.start + 1) % len(l.buf)
	}

	notify := l.notify
	l.notify = make(chan struct{})
	l.mu.Unlock()

	close(notify)
	return line
}

// Cursor returns the sequence number the next appended line will get.
func (l *EventLog) Cursor() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// read returns the lines with Seq >= cursor, the cursor following them, and
// a channel closed on the next append. All three are taken atomically so an
// append can never slip between the scan and the wait.
func (l *EventLog) read(cursor uint64) ([]Line, uint64, <-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldest := l.next - uint64(l.size)
	if cursor < oldest {
		return nil, cursor, nil, ErrOverrun
	}
	if cursor >= l.next {
		return nil, l.next, l.notify, nil
	}

	n := int(l.next - cursor)
	out := make([]Line, n)
	offset := l.size - n
	for i := 0; i < n; i++ {
		out[i] = l.buf[(l.start+offset+i)%len(l.buf)]
	}
	return out, l.next, l.notify, nil
}

// Recent returns up to n of the newest lines, oldest first.
func (l *EventLog) Recent(n int) []Line {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > l.size {
		n = l.size
	}
	out := make([]Line, n)
	offset := l.size - n
	for i := 0; i < n; i++ {
		out[i] = l.buf[(l.start+offset+i)%len(l.buf)]
	}
	return out
}
