package agui

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SSEWriter frames events for a text/event-stream response. Each event
// becomes one "data: {json}" frame; Done closes the stream with the
// "[DONE]" sentinel clients key off.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for server-sent events and returns the
// writer. It fails when the underlying ResponseWriter cannot flush,
// since buffered SSE defeats the point of streaming.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Send writes one event frame and flushes it to the client.
func (s *SSEWriter) Send(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Kind(), err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done writes the terminal sentinel frame.
func (s *SSEWriter) Done() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
