package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Toonzaza/cart-sensor/internal/events"
)

// sseStream frames bus events for one client. It skips anything at or below
// lastID and anything outside topics.
type sseStream struct {
	w       io.Writer
	flusher http.Flusher
	lastID  int64
	topics  []string
}

func (st *sseStream) wants(ev events.Event) bool {
	if ev.ID <= st.lastID {
		return false
	}
	if len(st.topics) == 0 {
		return true
	}
	for _, t := range st.topics {
		if prefix, ok := strings.CutSuffix(t, "*"); ok {
			if strings.HasPrefix(ev.Type, prefix) {
				return true
			}
		} else if ev.Type == t {
			return true
		}
	}
	return false
}

func (st *sseStream) send(ev events.Event) error {
	if !st.wants(ev) {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	// Payloads are single-line JSON.
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	if _, err := io.WriteString(st.w, b.String()); err != nil {
		return err
	}
	st.lastID = ev.ID
	return nil
}

func (st *sseStream) comment(text string) error {
	if _, err := fmt.Fprintf(st.w, ": %s\n\n", text); err != nil {
		return err
	}
	st.flusher.Flush()
	return nil
}

// handleEvents streams bus events as SSE. The optional topic query parameter
// takes a comma separated list of topics, where a trailing * matches a
// prefix. Buffered events newer than Last-Event-ID (or the last_event_id
// query parameter) are replayed first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the replay so nothing falls between the two.
	ch, cancel := s.bus.Subscribe()
	defer cancel()

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}
	st := &sseStream{
		w:       w,
		flusher: flusher,
		lastID:  parseLastEventID(lastEventID),
		topics:  splitTopics(r.URL.Query().Get("topic")),
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, ev := range s.bus.SnapshotSince(st.lastID) {
		if err := st.send(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := st.send(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if err := st.comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

func splitTopics(v string) []string {
	var out []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
