package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = "event: start\ndata: {\"execution_id\":\"exec_1\"}\n\n" +
	"event: thinking\ndata: {\"content\":\"Looking at files\"}\n\n" +
	": keep-alive\n" +
	"event: tool_call\r\ndata: {\"id\":\"t1\",\"tool\":\"ls\",\"args\":{\"path\":\".\"}}\r\n\r\n" +
	"data: {\"type\":\"thinking\",\"content\":\"legacy\"}\n\n" +
	"event: done\ndata: {\"tokens_used\":42}\n\n"

func decodeAll(chunks []string) []Frame {
	dec := NewDecoder()
	var frames []Frame
	for _, c := range chunks {
		frames = append(frames, dec.Feed(c)...)
	}
	return frames
}

func TestDecoderFramesWholeStream(t *testing.T) {
	frames := decodeAll([]string{sampleStream})

	require.Len(t, frames, 5)
	assert.Equal(t, Frame{EventType: "start", RawPayload: `{"execution_id":"exec_1"}`}, frames[0])
	assert.Equal(t, "thinking", frames[1].EventType)
	assert.Equal(t, "tool_call", frames[2].EventType)
	assert.Equal(t, `{"id":"t1","tool":"ls","args":{"path":"."}}`, frames[2].RawPayload)
	assert.Equal(t, DefaultEventType, frames[3].EventType)
	assert.Equal(t, "done", frames[4].EventType)
}

func TestDecoderChunkBoundariesDoNotMatter(t *testing.T) {
	want := decodeAll([]string{sampleStream})

	// Byte at a time.
	var bytes []string
	for i := 0; i < len(sampleStream); i++ {
		bytes = append(bytes, sampleStream[i:i+1])
	}
	assert.Equal(t, want, decodeAll(bytes))

	// Every two-way split.
	for i := 0; i <= len(sampleStream); i++ {
		got := decodeAll([]string{sampleStream[:i], sampleStream[i:]})
		require.Equal(t, want, got, "split at %d", i)
	}
}

func TestDecoderDataSplitAcrossChunks(t *testing.T) {
	dec := NewDecoder()

	assert.Empty(t, dec.Feed("event: thinking\ndata: {\"content\":"))
	assert.Positive(t, dec.Buffered())

	frames := dec.Feed("\"hi\"}\n")
	require.Len(t, frames, 1)
	assert.Equal(t, Frame{EventType: "thinking", RawPayload: `{"content":"hi"}`}, frames[0])
	assert.Zero(t, dec.Buffered())
}

func TestDecoderEventTypeAppliesToOneDataLine(t *testing.T) {
	frames := decodeAll([]string{"event: answer\ndata: {\"answer\":\"a\"}\ndata: {\"type\":\"response\"}\n"})

	require.Len(t, frames, 2)
	assert.Equal(t, "answer", frames[0].EventType)
	assert.Equal(t, DefaultEventType, frames[1].EventType)
}

func TestDecoderIgnoresBlankCommentAndUnknownLines(t *testing.T) {
	frames := decodeAll([]string{"\n\n: comment\nid: 7\nretry: 1000\n"})
	assert.Empty(t, frames)
}

func TestDecoderStripsOnlyOneLeadingSpace(t *testing.T) {
	frames := decodeAll([]string{"data:  two spaces\ndata:none\n"})

	require.Len(t, frames, 2)
	assert.Equal(t, " two spaces", frames[0].RawPayload)
	assert.Equal(t, "none", frames[1].RawPayload)
}

func TestDecoderFlushDiscardsPartialLine(t *testing.T) {
	dec := NewDecoder()
	frames := dec.Feed("event: done\ndata: {\"tokens_used\":1}\n\nevent: answer\ndata: {\"answer\":\"trunc")
	require.Len(t, frames, 1)

	tail := dec.Flush()
	assert.True(t, strings.HasPrefix(tail, "data: "))
	assert.Zero(t, dec.Buffered())

	// The pending event type does not leak into a reused decoder.
	frames = dec.Feed("data: {}\n")
	require.Len(t, frames, 1)
	assert.Equal(t, DefaultEventType, frames[0].EventType)
}

func TestDecoderEmptyChunk(t *testing.T) {
	dec := NewDecoder()
	assert.Nil(t, dec.Feed(""))
	assert.Empty(t, dec.Flush())
}
