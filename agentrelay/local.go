package agentrelay

import (
	"context"
	"fmt"

	"skyconsole/stream"
	"skyconsole/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/agents"
	"github.com/tmc/langchaingo/callbacks"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"
)

// Runner executes one agent turn, reporting progress through handler, and
// returns the agent's final output.
type Runner interface {
	Run(ctx context.Context, input string, handler callbacks.Handler) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, input string, handler callbacks.Handler) (string, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, input string, handler callbacks.Handler) (string, error) {
	return f(ctx, input, handler)
}

// ExecutorRunner runs a zero-shot ReAct executor over a model and tool set.
// Each turn gets its own executor so callbacks reach that turn's handler.
type ExecutorRunner struct {
	model         llms.Model
	tools         []tools.Tool
	maxIterations int
}

// NewExecutorRunner creates a runner for model with toolsList.
func NewExecutorRunner(model llms.Model, toolsList []tools.Tool, maxIterations int) *ExecutorRunner {
	return &ExecutorRunner{model: model, tools: toolsList, maxIterations: maxIterations}
}

// Run implements Runner.
func (r *ExecutorRunner) Run(ctx context.Context, input string, handler callbacks.Handler) (string, error) {
	executor, err := agents.Initialize(
		r.model,
		r.tools,
		agents.ZeroShotReactDescription,
		agents.WithMaxIterations(r.maxIterations),
		agents.WithCallbacksHandler(handler),
	)
	if err != nil {
		return "", fmt.Errorf("failed to initialize agent executor: %w", err)
	}
	return chains.Run(ctx, executor, input)
}

// Source streams one in-process agent turn as protocol frames.
type Source struct {
	*transport.ChannelSource
	cancel context.CancelFunc
}

var _ transport.Source = (*Source)(nil)

// chunkWriter hands every encoded frame to the consumer as one chunk.
type chunkWriter struct {
	ctx    context.Context
	chunks chan<- string
}

func (w chunkWriter) Write(p []byte) (int, error) {
	select {
	case w.chunks <- string(p):
		return len(p), nil
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	}
}

// Start runs runner on input in the background and returns its frame stream.
// The stream ends after the agent's terminal frame.
//
// Parameters:
//   - ctx: Turn context; cancelling it stops the agent
//   - runner: Agent to execute
//   - input: The user's message
//   - logger: Turn-scoped logger
//
// Returns:
//   - *Source: Stream of the turn, ready for Next
func Start(ctx context.Context, runner Runner, input string, logger *logrus.Entry) *Source {
	runCtx, cancel := context.WithCancel(ctx)
	chunks := make(chan string, 64)
	executionID := "local_" + uuid.NewString()

	handler := NewCallbackHandler(stream.NewEncoder(chunkWriter{ctx: runCtx, chunks: chunks}), executionID, logger)
	go func() {
		defer close(chunks)
		output, err := runner.Run(runCtx, input, handler)
		if runCtx.Err() != nil {
			// Cancelled: the consumer is gone.
			return
		}
		handler.Finish(output, err)
	}()

	return &Source{ChannelSource: transport.NewChannelSource(chunks), cancel: cancel}
}

// Cancel implements transport.Source and stops the agent.
func (s *Source) Cancel() {
	s.cancel()
	s.ChannelSource.Cancel()
}

// Close implements transport.Source.
func (s *Source) Close() error {
	s.cancel()
	return s.ChannelSource.Close()
}
