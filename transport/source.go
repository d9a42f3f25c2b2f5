/*
Package transport supplies raw stream text to the console core.

The core only needs "a source that yields text chunks and can be cancelled";
Source is that contract. HTTPSource talks to the agent backend, FileSource
replays (and optionally follows) a recorded capture, and StaticSource and
ChannelSource feed tests. Pump is the driving loop: it is the only place the
consumer suspends, waiting for the next chunk.
*/
package transport

import (
	"context"
	"errors"
	"io"

	"skyconsole/stream"

	"github.com/sirupsen/logrus"
)

// ErrCancelled is returned by Next after Cancel.
var ErrCancelled = errors.New("source cancelled")

// ErrIncompleteStream is the transport failure reported when a stream ends
// cleanly before the backend sent a terminal event.
var ErrIncompleteStream = errors.New("stream ended before a terminal event")

// Source yields the raw text of one turn's stream.
type Source interface {
	// Next blocks until the next chunk is available. It returns io.EOF once
	// the stream ended cleanly. A chunk may accompany io.EOF.
	Next(ctx context.Context) (string, error)

	// Cancel aborts the stream. It must not block and may be called more
	// than once.
	Cancel()

	// Close releases the source once its consumer is done with it, without
	// telling the producer anything. It may be called more than once.
	Close() error
}

// Confirmer is implemented by sources that can relay a human decision back
// to the backend.
type Confirmer interface {
	Confirm(ctx context.Context, actionID string, approved bool) error
}

// ExecutionBinder is implemented by sources that can stop the backend
// execution remotely once they learn its id.
type ExecutionBinder interface {
	BindExecution(executionID string)
}

// Pump reads src until it ends, framing and normalizing every chunk and
// handing each event to apply in stream order. apply returns false once the
// consumer needs no more events, which ends the pump early.
//
// A clean end of stream returns nil after the decoder is flushed; the
// unterminated tail, if any, is discarded and logged. Any other read error is
// returned unchanged.
func Pump(ctx context.Context, src Source, apply func(stream.Event) bool, logger *logrus.Entry) error {
	dec := stream.NewDecoder()
	frames := 0

	for {
		chunk, err := src.Next(ctx)
		if chunk != "" {
			for _, frame := range dec.Feed(chunk) {
				frames++
				if !apply(stream.Normalize(frame)) {
					logger.WithField("frames", frames).Debug("Consumer finished, leaving stream")
					return nil
				}
			}
		}

		if errors.Is(err, io.EOF) {
			if tail := dec.Flush(); tail != "" {
				logger.WithFields(logrus.Fields{
					"bytes":  len(tail),
					"frames": frames,
				}).Warn("Discarding unterminated data at end of stream")
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
