package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("event hub closed")
	// ErrSubscriberFull is returned by Publish when a topic subscriber's
	// mailbox is full and the event could not be delivered to it.
	ErrSubscriberFull = errors.New("subscriber mailbox full")
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type subscriber struct {
	name   string
	ch     chan Event
	topics map[string]struct{} // nil: every topic
	strict bool                // overflow reported to the publisher
}

func (s *subscriber) wants(topic string) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
//
// Streams (Subscribe) drop events when the client is slow. Topic
// subscriptions (SubscribeTopics) are bounded mailboxes whose overflow
// surfaces as an error from Publish, so internal consumers never lose an
// event silently.
type Hub struct {
	nextID atomic.Int64

	mu     sync.Mutex
	ring   []Event
	start  int
	size   int
	closed bool

	subs      map[int]*subscriber
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]*subscriber),
	}
}

// Publish marshals data and delivers it to every interested subscriber.
// It never blocks.
func (h *Hub) Publish(topic string, data any) error {
	payload := []byte("{}")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", topic, err)
		}
		payload = b
	}
	return h.PublishRaw(topic, payload)
}

// PublishRaw delivers an already encoded JSON payload.
func (h *Hub) PublishRaw(topic string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: topic,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)

	var errs []error
	for _, sub := range h.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if sub.strict {
				errs = append(errs, fmt.Errorf("%w: %s (topic %s)", ErrSubscriberFull, sub.name, topic))
			}
		}
	}
	return errors.Join(errs...)
}

// Subscribe returns a stream of every event. Slow readers miss events.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	return h.add(&subscriber{name: "stream", ch: make(chan Event, 128)})
}

// SubscribeTopics returns a bounded mailbox for the given topics.
func (h *Hub) SubscribeTopics(name string, buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return h.add(&subscriber{name: name, ch: make(chan Event, buffer), topics: set, strict: true})
}

func (h *Hub) add(sub *subscriber) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[id] = sub

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}

	return sub.ch, cancel
}

// Close stops delivery and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
