package stream

import "encoding/json"

// Kind names one member of the Event union.
type Kind string

const (
	KindStart                 Kind = "start"
	KindIterationAdvanced     Kind = "iteration_advanced"
	KindReasoningUpdated      Kind = "reasoning_updated"
	KindToolCallStarted       Kind = "tool_call_started"
	KindToolCallFinished      Kind = "tool_call_finished"
	KindAnswerChunk           Kind = "answer_chunk"
	KindConfirmationRequested Kind = "confirmation_requested"
	KindDone                  Kind = "done"
	KindErrorRaised           Kind = "error_raised"
	KindDecodeError           Kind = "decode_error"
	KindSessionBound          Kind = "session_bound"
	KindPhaseStarted          Kind = "phase_started"
	KindPhaseProgressed       Kind = "phase_progressed"
	KindPhaseCompleted        Kind = "phase_completed"
	KindPhaseFailed           Kind = "phase_failed"
	KindQueryAdded            Kind = "query_added"
	KindSourceFound           Kind = "source_found"
)

// Event is the closed union of everything the agent can say about a turn.
// Only types in this package implement it.
type Event interface {
	Kind() Kind
	isEvent()
}

// Start opens a turn on the backend side.
type Start struct {
	ExecutionID string `json:"executionId,omitempty"` // Backend execution handle, used for remote stop
}

// IterationAdvanced carries the agent loop counter. Display metadata only.
type IterationAdvanced struct {
	Iteration int `json:"iteration"`
}

// ReasoningUpdated carries the full current reasoning text, not a delta.
type ReasoningUpdated struct {
	Text string `json:"text"`
}

// ToolCallStarted announces a tool invocation. ID may be empty for producers
// that key tool calls by name only.
type ToolCallStarted struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolCallFinished reports the outcome of a tool invocation.
type ToolCallFinished struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AnswerChunk is an incremental piece of the final answer. Final marks the
// whole answer sent by a legacy producer, which also ends the turn.
type AnswerChunk struct {
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

// ConfirmationRequested gates further progress on a human decision.
type ConfirmationRequested struct {
	ActionID    string          `json:"actionId"`
	Tool        string          `json:"tool"`
	Args        json.RawMessage `json:"args,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Done ends the turn successfully.
type Done struct {
	TokensUsed *int `json:"tokensUsed,omitempty"`
}

// ErrorRaised ends the turn with a backend-reported error.
type ErrorRaised struct {
	Message string `json:"message"`
}

// DecodeError stands in for a frame that could not be understood. It is a
// diagnostic and never ends a turn.
type DecodeError struct {
	EventType string `json:"eventType"`
	Raw       string `json:"raw"`
	Reason    string `json:"reason"`
	Unknown   bool   `json:"unknown,omitempty"` // true when the event type itself is not recognised
}

// SessionBound tells the client which backend conversation the turn belongs to.
type SessionBound struct {
	ConversationID string `json:"conversationId"`
}

// PhaseStarted moves a task block to Running. Phase may name either a phase
// or a block id.
type PhaseStarted struct {
	Phase string `json:"phase"`
}

// PhaseProgressed reports progress (0-100) within a running block.
type PhaseProgressed struct {
	Phase    string  `json:"phase"`
	Progress float64 `json:"progress"`
}

// PhaseCompleted finishes a task block.
type PhaseCompleted struct {
	Phase   string `json:"phase"`
	Summary string `json:"summary,omitempty"`
}

// PhaseFailed fails a task block.
type PhaseFailed struct {
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

// QueryAdded records a search query issued during a task.
type QueryAdded struct {
	ID    string `json:"id"`
	Query string `json:"query"`
	Phase string `json:"phase,omitempty"`
}

// SourceFound records a source discovered during a task.
type SourceFound struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Phase string `json:"phase,omitempty"`
}

func (Start) Kind() Kind                 { return KindStart }
func (IterationAdvanced) Kind() Kind     { return KindIterationAdvanced }
func (ReasoningUpdated) Kind() Kind      { return KindReasoningUpdated }
func (ToolCallStarted) Kind() Kind       { return KindToolCallStarted }
func (ToolCallFinished) Kind() Kind      { return KindToolCallFinished }
func (AnswerChunk) Kind() Kind           { return KindAnswerChunk }
func (ConfirmationRequested) Kind() Kind { return KindConfirmationRequested }
func (Done) Kind() Kind                  { return KindDone }
func (ErrorRaised) Kind() Kind           { return KindErrorRaised }
func (DecodeError) Kind() Kind           { return KindDecodeError }
func (SessionBound) Kind() Kind          { return KindSessionBound }
func (PhaseStarted) Kind() Kind          { return KindPhaseStarted }
func (PhaseProgressed) Kind() Kind       { return KindPhaseProgressed }
func (PhaseCompleted) Kind() Kind        { return KindPhaseCompleted }
func (PhaseFailed) Kind() Kind           { return KindPhaseFailed }
func (QueryAdded) Kind() Kind            { return KindQueryAdded }
func (SourceFound) Kind() Kind           { return KindSourceFound }

func (Start) isEvent()                 {}
func (IterationAdvanced) isEvent()     {}
func (ReasoningUpdated) isEvent()      {}
func (ToolCallStarted) isEvent()       {}
func (ToolCallFinished) isEvent()      {}
func (AnswerChunk) isEvent()           {}
func (ConfirmationRequested) isEvent() {}
func (Done) isEvent()                  {}
func (ErrorRaised) isEvent()           {}
func (DecodeError) isEvent()           {}
func (SessionBound) isEvent()          {}
func (PhaseStarted) isEvent()          {}
func (PhaseProgressed) isEvent()       {}
func (PhaseCompleted) isEvent()        {}
func (PhaseFailed) isEvent()           {}
func (QueryAdded) isEvent()            {}
func (SourceFound) isEvent()           {}

// IsTerminal reports whether ev ends a turn.
func IsTerminal(ev Event) bool {
	switch e := ev.(type) {
	case Done, ErrorRaised:
		return true
	case AnswerChunk:
		return e.Final
	}
	return false
}

// IsPhaseEvent reports whether ev belongs to the task/phase overlay rather
// than the generation session.
func IsPhaseEvent(ev Event) bool {
	switch ev.(type) {
	case PhaseStarted, PhaseProgressed, PhaseCompleted, PhaseFailed, QueryAdded, SourceFound:
		return true
	}
	return false
}
