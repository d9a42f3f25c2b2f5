package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Encoder writes frames in the wire format Decoder reads.
type Encoder struct {
	w  io.Writer
	mu sync.Mutex
}

// NewEncoder returns an Encoder writing to w. If w is an http.Flusher every
// frame is flushed as soon as it is written.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals payload as JSON and writes it as one frame of eventType.
// An empty eventType writes a bare data line, which readers treat as
// DefaultEventType.
func (e *Encoder) Encode(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return e.WriteRaw(eventType, string(data))
}

// WriteRaw writes one frame with a pre-rendered payload. Payloads must not
// contain newlines.
func (e *Encoder) WriteRaw(eventType, payload string) error {
	if strings.ContainsAny(payload, "\r\n") {
		return fmt.Errorf("payload for %q spans multiple lines", eventType)
	}

	var b strings.Builder
	if eventType != "" {
		b.WriteString(EventPrefix)
		b.WriteString(" ")
		b.WriteString(eventType)
		b.WriteString("\n")
	}
	b.WriteString(DataPrefix)
	b.WriteString(" ")
	b.WriteString(payload)
	b.WriteString("\n\n")

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := io.WriteString(e.w, b.String()); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", eventType, err)
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
