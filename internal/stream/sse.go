package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Emitter receives the frames of one subscriber.
type Emitter interface {
	Send(f Frame) error
	Heartbeat() error
}

// SSEWriter writes frames as server-sent events. Each frame is a single
// "data:" line holding the JSON object; heartbeats are comment lines.
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps w, which must support flushing.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	return &SSEWriter{w: w, flusher: flusher}, nil
}

func (s *SSEWriter) Send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return s.write("data: " + string(data) + "\n\n")
}

func (s *SSEWriter) Heartbeat() error { return s.write(": heartbeat\n\n") }

func (s *SSEWriter) write(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, chunk); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
