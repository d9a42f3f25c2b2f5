package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileOptions controls how a capture file is read.
type FileOptions struct {
	ChunkSize int  // Bytes per chunk; 0 uses the default
	Follow    bool // Keep reading as the file grows, like tail -f
}

// FileSource replays a recorded stream capture. In follow mode it waits for
// writes at end of file instead of ending the stream; removing or renaming
// the file ends it.
type FileSource struct {
	path    string
	file    *os.File
	watcher *fsnotify.Watcher
	buf     []byte
	logger  *logrus.Entry

	done      chan struct{}
	once      sync.Once
	closeOnce sync.Once
	closeErr  error
}

var _ Source = (*FileSource)(nil)

// OpenFile opens a capture for replay.
//
// Parameters:
//   - path: Capture file holding raw stream text
//   - opts: Chunk size and follow mode
//   - logger: Logger for watcher diagnostics
//
// Returns:
//   - *FileSource: Open source, ready for Next
//   - error: Open or watch failure
func OpenFile(path string, opts FileOptions, logger *logrus.Entry) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}

	size := opts.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	src := &FileSource{
		path:   path,
		file:   f,
		buf:    make([]byte, size),
		logger: logger.WithFields(logrus.Fields{"component": "transport", "capture": path}),
		done:   make(chan struct{}),
	}

	if opts.Follow {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory: editors and log rotators replace files, and a
		// watch on the file itself would silently go stale.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			_ = watcher.Close()
			f.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
		}
		src.watcher = watcher
	}
	return src, nil
}

// Next implements Source.
func (s *FileSource) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if s.isCancelled() {
			return "", ErrCancelled
		}

		n, err := s.file.Read(s.buf)
		if n > 0 {
			return string(s.buf[:n]), nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			_ = s.Close()
			return "", fmt.Errorf("capture read failed: %w", err)
		}
		if s.watcher == nil {
			_ = s.Close()
			return "", io.EOF
		}

		if err := s.wait(ctx); err != nil {
			_ = s.Close()
			return "", err
		}
	}
}

// wait blocks until the capture may have grown.
func (s *FileSource) wait(ctx context.Context) error {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrCancelled
		case event, ok := <-s.watcher.Events:
			if !ok {
				return io.EOF
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.logger.Info("Capture removed, ending replay")
				return io.EOF
			}
			if event.Has(fsnotify.Write) {
				return nil
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return io.EOF
			}
			s.logger.WithError(err).Warn("File watcher error")
		}
	}
}

// Cancel implements Source.
func (s *FileSource) Cancel() {
	s.once.Do(func() { close(s.done) })
}

func (s *FileSource) isCancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close implements Source. It closes the capture and stops the watcher; it
// must not race with a Next in flight.
func (s *FileSource) Close() error {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			if err := s.watcher.Close(); err != nil {
				s.logger.WithError(err).Debug("Failed to close file watcher")
			}
		}
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}
