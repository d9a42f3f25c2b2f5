package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultChunkSize  = 4096
	remoteStopTimeout = 5 * time.Second
	errorSnippetBytes = 512
)

// StreamRequest is the body of the backend's streaming chat endpoint.
type StreamRequest struct {
	Message   string `json:"message"`             // The user's message to the agent
	SessionID string `json:"sessionId,omitempty"` // Backend conversation id for continuity
	Debug     bool   `json:"debug,omitempty"`     // Ask the backend for debug frames
}

// StopRequest asks the backend to stop an execution.
type StopRequest struct {
	ExecutionID string `json:"executionId"`
}

// ConfirmRequest relays a human decision on a proposed action.
type ConfirmRequest struct {
	ExecutionID string `json:"executionId,omitempty"`
	ActionID    string `json:"actionId"`
	Approved    bool   `json:"approved"`
}

// HTTPConfig locates the agent backend.
type HTTPConfig struct {
	BaseURL     string        // Backend base URL, e.g. http://localhost:8080
	StreamPath  string        // Streaming chat endpoint (default "/chat/stream")
	StopPath    string        // Execution stop endpoint (default "/stop")
	ConfirmPath string        // Confirmation endpoint (default "/confirm")
	Timeout     time.Duration // Upper bound for a whole turn; 0 means none
	Client      *http.Client  // HTTP client; defaults to a client without timeout
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.StreamPath == "" {
		c.StreamPath = "/chat/stream"
	}
	if c.StopPath == "" {
		c.StopPath = "/stop"
	}
	if c.ConfirmPath == "" {
		c.ConfirmPath = "/confirm"
	}
	if c.Client == nil {
		// Streams are long-lived; per-turn limits come from the context.
		c.Client = &http.Client{}
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// HTTPSource streams one turn from the agent backend.
type HTTPSource struct {
	cfg    HTTPConfig
	body   io.ReadCloser
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Entry
	buf    []byte

	mu          sync.Mutex
	executionID string
	cancelled   bool
}

var (
	_ Source          = (*HTTPSource)(nil)
	_ Confirmer       = (*HTTPSource)(nil)
	_ ExecutionBinder = (*HTTPSource)(nil)
)

// OpenHTTP sends the turn request and returns a source over the response body.
//
// Parameters:
//   - ctx: Parent context; cancelling it aborts the stream
//   - cfg: Backend location
//   - req: Message and conversation id
//   - logger: Turn-scoped logger
//
// Returns:
//   - *HTTPSource: Open stream, ready for Next
//   - error: Request or non-2xx response failure
func OpenHTTP(ctx context.Context, cfg HTTPConfig, req StreamRequest, logger *logrus.Entry) (*HTTPSource, error) {
	cfg = cfg.withDefaults()

	var streamCtx context.Context
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	} else {
		streamCtx, cancel = context.WithCancel(ctx)
	}

	body, err := json.Marshal(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to encode stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, cfg.BaseURL+cfg.StreamPath, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Request-ID", requestID)

	logger = logger.WithFields(logrus.Fields{
		"component": "transport",
		"requestId": requestID,
		"url":       cfg.BaseURL + cfg.StreamPath,
	})
	logger.Info("Opening agent stream")

	resp, err := cfg.Client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open agent stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetBytes))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("agent stream returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	return &HTTPSource{
		cfg:    cfg,
		body:   resp.Body,
		ctx:    streamCtx,
		cancel: cancel,
		logger: logger,
		buf:    make([]byte, defaultChunkSize),
	}, nil
}

// Next implements Source.
func (s *HTTPSource) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	n, err := s.body.Read(s.buf)
	chunk := string(s.buf[:n])
	if err == nil || errors.Is(err, io.EOF) {
		if errors.Is(err, io.EOF) {
			_ = s.Close()
		}
		return chunk, err
	}

	_ = s.Close()
	if s.isCancelled() {
		return chunk, ErrCancelled
	}
	if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		return chunk, fmt.Errorf("agent stream timed out after %s: %w", s.cfg.Timeout, err)
	}
	return chunk, fmt.Errorf("agent stream read failed: %w", err)
}

// Cancel implements Source. The local request is cancelled immediately; the
// remote stop request, when an execution id is known, runs in the background.
func (s *HTTPSource) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	executionID := s.executionID
	s.mu.Unlock()

	s.cancel()
	s.logger.Info("Agent stream cancelled")

	if executionID != "" {
		go s.stopRemote(executionID)
	}
}

// BindExecution implements ExecutionBinder.
func (s *HTTPSource) BindExecution(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executionID = executionID
}

// Confirm implements Confirmer.
func (s *HTTPSource) Confirm(ctx context.Context, actionID string, approved bool) error {
	s.mu.Lock()
	executionID := s.executionID
	s.mu.Unlock()

	return s.post(ctx, s.cfg.ConfirmPath, ConfirmRequest{
		ExecutionID: executionID,
		ActionID:    actionID,
		Approved:    approved,
	})
}

func (s *HTTPSource) stopRemote(executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), remoteStopTimeout)
	defer cancel()

	logger := s.logger.WithField("executionId", executionID)
	if err := s.post(ctx, s.cfg.StopPath, StopRequest{ExecutionID: executionID}); err != nil {
		logger.WithError(err).Warn("Remote stop request failed")
		return
	}
	logger.Info("Remote execution stopped")
}

func (s *HTTPSource) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("request to %s returned %s", path, resp.Status)
	}
	return nil
}

// Close implements Source. It releases the response body without asking the
// backend to stop.
func (s *HTTPSource) Close() error {
	err := s.body.Close()
	s.cancel()
	return err
}

func (s *HTTPSource) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
