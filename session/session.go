/*
Package session implements the per-turn generation session state machine.

A Machine folds the normalized event sequence of one request/response turn
into reasoning text, an ordered set of tool calls, accumulated answer text, a
human-in-the-loop confirmation gate and a terminal outcome. The outcome moves
one way only: InProgress -> Done | Error | Aborted. Once it leaves
InProgress the session no longer changes.

A Machine has exactly one writer, the stream consumer of its turn. Readers
take a Snapshot, which shares no memory with the machine.
*/
package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"skyconsole/stream"

	"github.com/sirupsen/logrus"
)

// Outcome is the terminal state of a turn, or InProgress while it runs.
type Outcome string

const (
	InProgress Outcome = "in_progress"
	Done       Outcome = "done"
	Error      Outcome = "error"
	Aborted    Outcome = "aborted"
)

// Terminal reports whether o is one of the end states.
func (o Outcome) Terminal() bool {
	return o != InProgress
}

var (
	// ErrNoPendingConfirmation is returned by Confirm when nothing awaits a decision.
	ErrNoPendingConfirmation = errors.New("no confirmation is pending")

	// ErrSessionClosed is returned for intents against a finished session.
	ErrSessionClosed = errors.New("session has already finished")
)

// Confirmation is a proposed action waiting for a human decision.
type Confirmation struct {
	ActionID    string          `json:"actionId"`
	Tool        string          `json:"tool"`
	Args        json.RawMessage `json:"args,omitempty"`
	Description string          `json:"description,omitempty"`
}

// DiagnosticKind classifies an absorbed anomaly.
type DiagnosticKind string

const (
	DiagDecodeError          DiagnosticKind = "decode_error"
	DiagOrphanedResult       DiagnosticKind = "orphaned_result"
	DiagDuplicateResult      DiagnosticKind = "duplicate_result"
	DiagConfirmationRejected DiagnosticKind = "confirmation_rejected"
	DiagTransportFailure     DiagnosticKind = "transport_failure"
)

// Diagnostic records an anomaly that was absorbed without ending the turn,
// or the context of a transport failure that did.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Message string         `json:"message"`
	Raw     string         `json:"raw,omitempty"`
	Seq     int            `json:"seq"` // Index of the event that produced it
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	TurnID              string           `json:"turnId"`
	Content             string           `json:"content"`
	ConversationID      string           `json:"conversationId,omitempty"`
	ExecutionID         string           `json:"executionId,omitempty"`
	Iteration           int              `json:"iteration"`
	ReasoningText       string           `json:"reasoningText"`
	ToolCalls           []ToolCallRecord `json:"toolCalls"`
	AnswerText          string           `json:"answerText"`
	PendingConfirmation *Confirmation    `json:"pendingConfirmation,omitempty"`
	Outcome             Outcome          `json:"outcome"`
	ErrorMessage        string           `json:"errorMessage,omitempty"`
	TokensUsed          *int             `json:"tokensUsed,omitempty"`
	Diagnostics         []Diagnostic     `json:"diagnostics,omitempty"`
	Events              int              `json:"events"`
	IgnoredEvents       int              `json:"ignoredEvents"`
}

// Machine is the generation session of one turn.
type Machine struct {
	turnID  string
	content string
	logger  *logrus.Entry

	conversationID string
	executionID    string
	iteration      int
	reasoning      string
	tools          toolCalls
	answer         []byte
	pending        *Confirmation
	outcome        Outcome
	errorMessage   string
	tokensUsed     *int
	diagnostics    []Diagnostic

	events  int
	ignored int
	nextID  int
}

// New creates the session for a turn that was just sent.
//
// Parameters:
//   - turnID: Identity every applied event is checked against
//   - content: The user message that opened the turn
//   - logger: Logger for diagnostics; the turn id is added as a field
func New(turnID, content string, logger *logrus.Entry) *Machine {
	return &Machine{
		turnID:  turnID,
		content: content,
		logger:  logger.WithField("turnId", turnID),
		tools:   newToolCalls(),
		outcome: InProgress,
	}
}

// TurnID returns the identity of the turn this session belongs to.
func (m *Machine) TurnID() string { return m.turnID }

// Outcome returns the current outcome.
func (m *Machine) Outcome() Outcome { return m.outcome }

// ExecutionID returns the backend execution handle, if the backend sent one.
func (m *Machine) ExecutionID() string { return m.executionID }

// ConversationID returns the backend conversation id, if the backend sent one.
func (m *Machine) ConversationID() string { return m.conversationID }

// Pending returns the confirmation awaiting a decision, if any.
func (m *Machine) Pending() (Confirmation, bool) {
	if m.pending == nil {
		return Confirmation{}, false
	}
	return *m.pending, true
}

// Apply folds one event into the session and reports whether it was applied.
// Events for another turn and events arriving after the session finished are
// dropped; late frames from a cancelled transport are expected.
func (m *Machine) Apply(turnID string, ev stream.Event) bool {
	if turnID != m.turnID {
		m.logger.WithFields(logrus.Fields{
			"eventTurnId": turnID,
			"kind":        ev.Kind(),
		}).Warn("Dropping event addressed to another turn")
		return false
	}
	if m.outcome.Terminal() {
		m.ignored++
		m.logger.WithFields(logrus.Fields{
			"kind":    ev.Kind(),
			"outcome": m.outcome,
		}).Debug("Ignoring event after session finished")
		return false
	}
	if stream.IsPhaseEvent(ev) {
		return false
	}

	m.events++

	switch e := ev.(type) {
	case stream.Start:
		m.reset()
		if e.ExecutionID != "" {
			m.executionID = e.ExecutionID
		}

	case stream.IterationAdvanced:
		m.iteration = e.Iteration

	case stream.ReasoningUpdated:
		m.reasoning = e.Text

	case stream.ToolCallStarted:
		m.startTool(e)

	case stream.ToolCallFinished:
		m.finishTool(e)

	case stream.AnswerChunk:
		m.answer = append(m.answer, e.Text...)
		if e.Final {
			m.outcome = Done
		}

	case stream.ConfirmationRequested:
		if m.pending != nil {
			m.diagnose(DiagConfirmationRejected, "", fmt.Sprintf(
				"confirmation %q requested while %q is still pending", e.ActionID, m.pending.ActionID))
			return false
		}
		m.pending = &Confirmation{
			ActionID:    e.ActionID,
			Tool:        e.Tool,
			Args:        e.Args,
			Description: e.Description,
		}

	case stream.Done:
		m.tokensUsed = e.TokensUsed
		m.outcome = Done

	case stream.ErrorRaised:
		m.errorMessage = e.Message
		m.outcome = Error

	case stream.DecodeError:
		m.diagnose(DiagDecodeError, e.Raw, e.Reason)

	case stream.SessionBound:
		m.conversationID = e.ConversationID

	default:
		m.events--
		return false
	}

	return true
}

// Stop aborts the session. It returns false when the session had already
// finished, which makes repeated calls no-ops.
func (m *Machine) Stop() bool {
	if m.outcome.Terminal() {
		return false
	}
	m.outcome = Aborted
	m.logger.Info("Session aborted")
	return true
}

// Fail ends the session because the transport failed. The failure reason is
// kept as the error message and as a diagnostic.
func (m *Machine) Fail(reason error) bool {
	if m.outcome.Terminal() {
		return false
	}
	m.outcome = Error
	m.errorMessage = reason.Error()
	m.diagnose(DiagTransportFailure, "", reason.Error())
	return true
}

// Confirm resolves the pending confirmation. It only clears the gate; the
// backend reports what happened next through further events.
func (m *Machine) Confirm(approved bool) (Confirmation, error) {
	if m.outcome.Terminal() {
		return Confirmation{}, ErrSessionClosed
	}
	if m.pending == nil {
		return Confirmation{}, ErrNoPendingConfirmation
	}
	resolved := *m.pending
	m.pending = nil
	m.logger.WithFields(logrus.Fields{
		"actionId": resolved.ActionID,
		"approved": approved,
	}).Info("Confirmation resolved")
	return resolved, nil
}

// Snapshot returns a detached copy of the session.
func (m *Machine) Snapshot() Snapshot {
	snap := Snapshot{
		TurnID:         m.turnID,
		Content:        m.content,
		ConversationID: m.conversationID,
		ExecutionID:    m.executionID,
		Iteration:      m.iteration,
		ReasoningText:  m.reasoning,
		ToolCalls:      m.tools.snapshot(),
		AnswerText:     string(m.answer),
		Outcome:        m.outcome,
		ErrorMessage:   m.errorMessage,
		Events:         m.events,
		IgnoredEvents:  m.ignored,
	}
	if m.pending != nil {
		c := *m.pending
		c.Args = append(json.RawMessage(nil), c.Args...)
		snap.PendingConfirmation = &c
	}
	if m.tokensUsed != nil {
		tokens := *m.tokensUsed
		snap.TokensUsed = &tokens
	}
	if len(m.diagnostics) > 0 {
		snap.Diagnostics = append([]Diagnostic(nil), m.diagnostics...)
	}
	return snap
}

func (m *Machine) reset() {
	m.iteration = 0
	m.reasoning = ""
	m.tools = newToolCalls()
	m.answer = nil
	m.pending = nil
	m.errorMessage = ""
	m.tokensUsed = nil
}

func (m *Machine) startTool(e stream.ToolCallStarted) {
	id := e.ID
	if id == "" {
		m.nextID++
		id = fmt.Sprintf("%s#%d", e.Name, m.nextID)
	}
	if _, exists := m.tools.get(id); exists {
		m.logger.WithField("toolCallId", id).Debug("Tool call restarted, overwriting record")
	}
	m.tools.put(ToolCallRecord{
		ID:     id,
		Name:   e.Name,
		Args:   e.Args,
		Status: ToolRunning,
	})
}

func (m *Machine) finishTool(e stream.ToolCallFinished) {
	rec, ok := m.tools.get(e.ID)
	if !ok && e.Name != "" {
		// Some producers key results by tool name only.
		rec, ok = m.tools.latestRunning(e.Name)
	}
	if !ok {
		m.diagnose(DiagOrphanedResult, e.Result, fmt.Sprintf(
			"tool result for id %q (tool %q) has no matching call", e.ID, e.Name))
		return
	}
	if rec.Status.terminal() {
		m.diagnose(DiagDuplicateResult, e.Result, fmt.Sprintf(
			"tool call %q already finished with status %s", rec.ID, rec.Status))
		return
	}

	if e.Success {
		rec.Status = ToolSuccess
		rec.Result = e.Result
		return
	}
	rec.Status = ToolError
	rec.Result = e.Result
	rec.Error = e.Error
	if rec.Error == "" {
		rec.Error = "tool reported failure"
	}
}

func (m *Machine) diagnose(kind DiagnosticKind, raw, message string) {
	m.diagnostics = append(m.diagnostics, Diagnostic{
		Kind:    kind,
		Message: message,
		Raw:     raw,
		Seq:     m.events,
	})
	m.logger.WithFields(logrus.Fields{
		"diagnostic": kind,
		"raw":        raw,
	}).Warn(message)
}
