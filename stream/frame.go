/*
Package stream turns the agent backend's line-oriented text stream into typed
events.

The wire format is a simplified server-sent-events dialect: an "event:" line
declares the type of the next frame and a "data:" line carries its JSON
payload. Every data line is a complete payload, so a frame is emitted as soon
as its data line is complete. Producers that never declare a type (the legacy
agent server only writes data lines) get DefaultEventType.

Decoding happens in two steps:
  - Decoder frames the raw chunks into (eventType, rawPayload) pairs.
  - Normalize maps each Frame onto exactly one member of the Event union.

Neither step fails: framing anomalies drop the partial line and decode
anomalies become DecodeError events, so one bad frame never ends a stream.
*/
package stream

import "strings"

const (
	// EventPrefix declares the type of the next frame.
	EventPrefix = "event:"

	// DataPrefix carries a frame payload.
	DataPrefix = "data:"

	// DefaultEventType is assigned to data lines with no preceding event line.
	DefaultEventType = "message"
)

// Frame is one delimited (eventType, payload) unit extracted from the stream.
type Frame struct {
	EventType  string `json:"eventType"`  // Declared event type, or DefaultEventType
	RawPayload string `json:"rawPayload"` // Payload text exactly as received, minus the prefix
}

// Decoder frames successive text chunks.
//
// A Decoder keeps the unterminated trailing line between calls because chunk
// boundaries do not line up with newlines. It is not safe for concurrent use;
// one stream consumer owns it.
type Decoder struct {
	buf       strings.Builder
	eventType string
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk and returns the frames completed by it, in stream order.
func (d *Decoder) Feed(chunk string) []Frame {
	if chunk == "" {
		return nil
	}

	d.buf.WriteString(chunk)
	pending := d.buf.String()

	last := strings.LastIndexByte(pending, '\n')
	if last < 0 {
		return nil
	}

	complete, rest := pending[:last], pending[last+1:]
	d.buf.Reset()
	d.buf.WriteString(rest)

	var frames []Frame
	for _, line := range strings.Split(complete, "\n") {
		if frame, ok := d.line(line); ok {
			frames = append(frames, frame)
		}
	}
	return frames
}

// Flush signals end of stream. An unterminated trailing fragment is not a
// valid frame and is discarded. The decoder can be reused afterwards.
func (d *Decoder) Flush() (discarded string) {
	discarded = d.buf.String()
	d.buf.Reset()
	d.eventType = ""
	return discarded
}

// Buffered reports the length of the retained partial line.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

func (d *Decoder) line(line string) (Frame, bool) {
	line = strings.TrimSuffix(line, "\r")

	switch {
	case line == "", strings.HasPrefix(line, ":"):
		return Frame{}, false

	case strings.HasPrefix(line, EventPrefix):
		d.eventType = strings.TrimSpace(line[len(EventPrefix):])
		return Frame{}, false

	case strings.HasPrefix(line, DataPrefix):
		payload := strings.TrimPrefix(line[len(DataPrefix):], " ")
		eventType := d.eventType
		if eventType == "" {
			eventType = DefaultEventType
		}
		// A declaration covers exactly one data line.
		d.eventType = ""
		return Frame{EventType: eventType, RawPayload: payload}, true
	}

	return Frame{}, false
}
