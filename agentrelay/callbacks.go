/*
Package agentrelay bridges an in-process langchaingo agent onto the console's
wire protocol.

CallbackHandler implements langchaingo's callbacks.Handler and writes one
protocol frame per agent callback, so the same decoding and state machines
that serve a remote backend can drive a locally executed agent. Start runs
an agent turn in the background and exposes its frames as a
transport.Source for the console.
*/
package agentrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"skyconsole/stream"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/callbacks"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// pendingCall is a tool call announced to the client and not yet finished.
type pendingCall struct {
	id   string
	tool string
}

// CallbackHandler streams agent execution as protocol frames.
//
// langchaingo runs the tools of one agent step sequentially, so tool results
// are matched to announcements in FIFO order.
type CallbackHandler struct {
	callbacks.SimpleHandler

	enc         *stream.Encoder
	logger      *logrus.Entry
	executionID string

	mu        sync.Mutex
	started   bool
	finished  bool
	iteration int
	tokens    int
	pending   []pendingCall
}

// NewCallbackHandler creates a handler writing frames through enc.
//
// Parameters:
//   - enc: Encoder connected to the client stream
//   - executionID: Backend execution handle announced in the start frame
//   - logger: Request-scoped logger
func NewCallbackHandler(enc *stream.Encoder, executionID string, logger *logrus.Entry) *CallbackHandler {
	return &CallbackHandler{
		enc:         enc,
		executionID: executionID,
		logger:      logger.WithField("component", "agentrelay"),
	}
}

var _ callbacks.Handler = (*CallbackHandler)(nil)

func (h *CallbackHandler) emit(eventType string, payload map[string]any) {
	if err := h.enc.Encode(eventType, payload); err != nil {
		h.logger.WithError(err).WithField("eventType", eventType).Warn("Failed to relay agent event")
	}
}

// HandleChainStart announces the turn the first time any chain starts.
func (h *CallbackHandler) HandleChainStart(_ context.Context, _ map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true
	h.emit("start", map[string]any{"execution_id": h.executionID})
}

// HandleLLMGenerateContentStart marks a new agent iteration.
func (h *CallbackHandler) HandleLLMGenerateContentStart(_ context.Context, _ []llms.MessageContent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.iteration++
	h.emit("iteration", map[string]any{"iteration": h.iteration})
}

// HandleLLMGenerateContentEnd accumulates token usage when the provider
// reports it and relays tagged model reasoning.
func (h *CallbackHandler) HandleLLMGenerateContentEnd(_ context.Context, res *llms.ContentResponse) {
	if res == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, choice := range res.Choices {
		if choice == nil {
			continue
		}
		if total, ok := choice.GenerationInfo["TotalTokens"].(int); ok {
			h.tokens += total
		}
		if i == 0 {
			if reasoning, _ := splitReasoning(choice.Content); reasoning != "" {
				h.emit("thinking", map[string]any{"content": reasoning})
			}
		}
	}
}

// HandleAgentAction relays the agent's reasoning and the tool it chose.
func (h *CallbackHandler) HandleAgentAction(_ context.Context, action schema.AgentAction) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if thought := thoughtOf(action.Log); thought != "" {
		h.emit("thinking", map[string]any{"content": thought})
	}

	id := action.ToolID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	h.pending = append(h.pending, pendingCall{id: id, tool: action.Tool})

	args, err := json.Marshal(map[string]string{"input": action.ToolInput})
	if err != nil {
		args = []byte("{}")
	}
	h.emit("tool_call", map[string]any{
		"id":   id,
		"tool": action.Tool,
		"args": json.RawMessage(args),
	})
}

// HandleToolEnd relays a successful tool result.
func (h *CallbackHandler) HandleToolEnd(_ context.Context, output string) {
	h.finishTool(true, output, "")
}

// HandleToolError relays a failed tool call.
func (h *CallbackHandler) HandleToolError(_ context.Context, err error) {
	h.finishTool(false, "", err.Error())
}

func (h *CallbackHandler) finishTool(success bool, result, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	payload := map[string]any{"success": success}
	if len(h.pending) > 0 {
		call := h.pending[0]
		h.pending = h.pending[1:]
		payload["id"] = call.id
		payload["tool"] = call.tool
	} else {
		h.logger.Warn("Tool finished without a matching announced call")
	}
	if success {
		payload["result"] = result
	} else {
		payload["error"] = errMsg
	}
	h.emit("tool_result", payload)
}

// HandleRetrieverStart relays a retrieval query.
func (h *CallbackHandler) HandleRetrieverStart(_ context.Context, query string) {
	h.emit("query", map[string]any{"id": uuid.NewString(), "query": query})
}

// HandleRetrieverEnd relays every retrieved document that names a source.
func (h *CallbackHandler) HandleRetrieverEnd(_ context.Context, _ string, documents []schema.Document) {
	for i, doc := range documents {
		url, _ := doc.Metadata["source"].(string)
		if url == "" {
			continue
		}
		title, _ := doc.Metadata["title"].(string)
		h.emit("source", map[string]any{
			"id":    fmt.Sprintf("doc_%d_%s", i, uuid.NewString()),
			"url":   url,
			"title": title,
		})
	}
}

// HandleAgentFinish relays the final answer and ends the turn.
func (h *CallbackHandler) HandleAgentFinish(_ context.Context, finish schema.AgentFinish) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true

	if output, ok := finish.ReturnValues["output"].(string); ok {
		if _, answer := splitReasoning(output); answer != "" {
			h.emit("answer", map[string]any{"answer": answer})
		}
	}

	done := map[string]any{}
	if h.tokens > 0 {
		done["tokens_used"] = h.tokens
	}
	h.emit("done", done)
}

// Finish ends the turn from the agent's return values. It is a no-op when a
// callback already ended it.
func (h *CallbackHandler) Finish(output string, err error) {
	if err != nil {
		h.fail(err)
		return
	}
	h.HandleAgentFinish(context.Background(), schema.AgentFinish{
		ReturnValues: map[string]any{"output": output},
	})
}

// HandleChainError ends the turn with the chain's error.
func (h *CallbackHandler) HandleChainError(_ context.Context, err error) {
	h.fail(err)
}

// HandleLLMError ends the turn with the model's error.
func (h *CallbackHandler) HandleLLMError(_ context.Context, err error) {
	h.fail(err)
}

func (h *CallbackHandler) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true
	h.emit("error", map[string]any{"message": err.Error()})
}
