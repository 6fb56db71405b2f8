package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/olavnet/olav/flow/event"
)

// sseWriter frames events as server-sent events and flushes after each so
// token deltas reach the client as they are produced.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

// start sends the SSE response headers. Idempotent.
func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// write frames one event. The event type doubles as the SSE event name;
// the payload is the JSON encoding with its top-level type discriminator.
func (s *sseWriter) write(ev event.Event) error {
	s.start()
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
