package transport

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// StaticSource yields a fixed list of chunks.
type StaticSource struct {
	mu        sync.Mutex
	chunks    []string
	cancelled bool
}

// NewStaticSource returns a source yielding chunks in order.
func NewStaticSource(chunks ...string) *StaticSource {
	return &StaticSource{chunks: chunks}
}

// Split cuts text into chunks of at most size bytes. size <= 0 keeps text whole.
func Split(text string, size int) []string {
	if size <= 0 || len(text) <= size {
		return []string{text}
	}
	chunks := make([]string, 0, len(text)/size+1)
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// Next implements Source.
func (s *StaticSource) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return "", ErrCancelled
	}
	if len(s.chunks) == 0 {
		return "", io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

// Cancel implements Source.
func (s *StaticSource) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

// Close implements Source.
func (s *StaticSource) Close() error {
	return nil
}

// ChannelSource yields chunks as they are sent on a channel; closing the
// channel ends the stream cleanly.
type ChannelSource struct {
	chunks <-chan string
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

// NewChannelSource returns a source reading from chunks.
func NewChannelSource(chunks <-chan string) *ChannelSource {
	return &ChannelSource{chunks: chunks, done: make(chan struct{})}
}

// Next implements Source.
func (s *ChannelSource) Next(ctx context.Context) (string, error) {
	// Cancellation wins over chunks that are already queued.
	select {
	case <-s.done:
		return "", ErrCancelled
	default:
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", ErrCancelled
	case chunk, ok := <-s.chunks:
		if !ok {
			return "", io.EOF
		}
		return chunk, nil
	}
}

// Cancel implements Source.
func (s *ChannelSource) Cancel() {
	s.once.Do(func() { close(s.done) })
}

// Close implements Source. The channel belongs to the sender and is left
// open.
func (s *ChannelSource) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (s *ChannelSource) Closed() bool {
	return s.closed.Load()
}

// Cancelled reports whether Cancel was called.
func (s *ChannelSource) Cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
