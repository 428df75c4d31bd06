package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// HTTPSink writes events as SSE frames to an http.ResponseWriter. Safe for
// concurrent Send calls; writes are serialized under a mutex since
// http.ResponseWriter is not itself safe for concurrent writes.
type HTTPSink struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	flush  http.Flusher
	closed bool
}

// NewHTTPSink wraps w. Returns an error if w does not support flushing,
// since SSE delivery depends on it.
func NewHTTPSink(w http.ResponseWriter) (*HTTPSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("stream: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &HTTPSink{w: w, flush: flusher}, nil
}

// Send writes event as a named SSE frame with a JSON data payload.
func (s *HTTPSink) Send(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream: sink already closed")
	}
	data, err := json.Marshal(event.Payload())
	if err != nil {
		return fmt.Errorf("stream: marshal payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type(), data); err != nil {
		return err
	}
	s.flush.Flush()
	return nil
}

// Heartbeat writes a comment line to keep intermediaries from idling the
// connection (spec §4.7 "every 15s write a comment line: heartbeat").
func (s *HTTPSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream: sink already closed")
	}
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flush.Flush()
	return nil
}

// Opening writes the spec §6 "opening with `: connected\n\n`" preamble and
// applies the response headers a proxy-safe SSE stream needs beyond the
// ones NewHTTPSink already sets (no-transform so intermediaries don't
// buffer/recompress the stream, and disabling nginx's response buffering).
// Must be called once, before any Send, and before any prior write to w.
func (s *HTTPSink) Opening() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream: sink already closed")
	}
	s.w.Header().Set("Cache-Control", "no-cache, no-transform")
	s.w.Header().Set("X-Accel-Buffering", "no")
	if _, err := fmt.Fprint(s.w, ": connected\n\n"); err != nil {
		return err
	}
	s.flush.Flush()
	return nil
}

// Close marks the sink as ended; subsequent Send calls return an error so
// callers can detect "stream already ended" (spec §4.7 "All writes are
// guarded against stream already ended").
func (s *HTTPSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *HTTPSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
