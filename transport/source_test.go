package transport_test

import (
	"context"
	"testing"

	"skyconsole/stream"
	"skyconsole/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const turnStream = "event: start\ndata: {\"execution_id\":\"exec_1\"}\n\n" +
	"event: thinking\ndata: {\"content\":\"planning\"}\n\n" +
	"event: answer\ndata: {\"answer\":\"42\"}\n\n" +
	"event: done\ndata: {}\n\n"

func TestPumpIsChunkingIndependent(t *testing.T) {
	want := collect(t, transport.NewStaticSource(turnStream))
	require.Len(t, want, 4)

	for _, size := range []int{1, 2, 3, 7, 64} {
		got := collect(t, transport.NewStaticSource(transport.Split(turnStream, size)...))
		assert.Equal(t, want, got, "chunk size %d", size)
	}
}

func TestPumpStopsWhenConsumerIsDone(t *testing.T) {
	src := transport.NewStaticSource(turnStream + "event: answer\ndata: {\"answer\":\"late\"}\n\n")

	var kinds []stream.Kind
	err := transport.Pump(context.Background(), src, func(ev stream.Event) bool {
		kinds = append(kinds, ev.Kind())
		return !stream.IsTerminal(ev)
	}, testLogger())

	require.NoError(t, err)
	assert.Equal(t, []stream.Kind{stream.KindStart, stream.KindReasoningUpdated, stream.KindAnswerChunk, stream.KindDone}, kinds)
}

func TestPumpDiscardsUnterminatedTail(t *testing.T) {
	src := transport.NewStaticSource("event: answer\ndata: {\"answer\":\"a\"}\n", "data: {\"answer\":")

	var events []stream.Event
	err := transport.Pump(context.Background(), src, func(ev stream.Event) bool {
		events = append(events, ev)
		return true
	}, testLogger())

	require.NoError(t, err)
	assert.Equal(t, []stream.Event{stream.AnswerChunk{Text: "a"}}, events)
}

func TestPumpReturnsSourceErrors(t *testing.T) {
	chunks := make(chan string, 1)
	src := transport.NewChannelSource(chunks)
	chunks <- "event: start\ndata: {}\n"

	applied := 0
	err := transport.Pump(context.Background(), src, func(stream.Event) bool {
		applied++
		src.Cancel()
		return true
	}, testLogger())

	assert.ErrorIs(t, err, transport.ErrCancelled)
	assert.Equal(t, 1, applied)
	assert.True(t, src.Cancelled())
}

func TestPumpHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := transport.Pump(ctx, transport.NewChannelSource(make(chan string)), func(stream.Event) bool { return true }, testLogger())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChannelSourceEndsWhenClosed(t *testing.T) {
	chunks := make(chan string, 2)
	chunks <- "event: answer\ndata: {\"answer\":\"a\"}\n"
	chunks <- "event: answer\ndata: {\"answer\":\"b\"}\n"
	close(chunks)

	assert.Equal(t, []stream.Event{
		stream.AnswerChunk{Text: "a"},
		stream.AnswerChunk{Text: "b"},
	}, collect(t, transport.NewChannelSource(chunks)))
}

func TestStaticSourceCancel(t *testing.T) {
	src := transport.NewStaticSource("a", "b")
	chunk, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", chunk)

	src.Cancel()
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, transport.ErrCancelled)
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"abc", "def", "g"}, transport.Split("abcdefg", 3))
	assert.Equal(t, []string{"abc"}, transport.Split("abc", 3))
	assert.Equal(t, []string{"abc"}, transport.Split("abc", 0))
}
