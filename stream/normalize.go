package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wirePayload is the union of every payload field the backends are known to
// send. Aliases exist because several producers name the same thing
// differently; the first non-empty alias wins.
type wirePayload struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	ExecutionID string `json:"execution_id"`
	Iteration   *int   `json:"iteration"`

	Content  string `json:"content"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
	Answer   string `json:"answer"`
	Message  string `json:"message"`

	Tool    string          `json:"tool"`
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args"`
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`

	// Legacy envelope flag: a "tool" message with complete=true is a result.
	Complete bool `json:"complete"`

	ActionID    string `json:"action_id"`
	Description string `json:"description"`

	TokensUsed *int `json:"tokens_used"`

	Phase    string   `json:"phase"`
	BlockID  string   `json:"block_id"`
	Progress *float64 `json:"progress"`
	Summary  string   `json:"summary"`

	Query string `json:"query"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// aliases maps every accepted wire event type onto its canonical name.
var aliases = map[string]string{
	"start":                 "start",
	"execution_started":     "start",
	"iteration":             "iteration",
	"thinking":              "thinking",
	"reasoning":             "thinking",
	"tool_call":             "tool_call",
	"tool_start":            "tool_call",
	"tool_result":           "tool_result",
	"tool_end":              "tool_result",
	"answer":                "answer",
	"response":              "answer",
	"content":               "answer",
	"confirmation_required": "confirmation_required",
	"confirm":               "confirmation_required",
	"done":                  "done",
	"complete":              "done",
	"error":                 "error",
	"stopped":               "error",
	"session":               "session",
	"phase_start":           "phase_start",
	"phase_progress":        "phase_progress",
	"phase_complete":        "phase_complete",
	"phase_error":           "phase_error",
	"query":                 "query",
	"source":                "source",
	DefaultEventType:        DefaultEventType,
}

// Normalize maps a frame onto exactly one Event. It never fails: payloads
// that cannot be parsed and unknown event types come back as DecodeError.
func Normalize(frame Frame) Event {
	eventType := strings.ToLower(strings.TrimSpace(frame.EventType))
	canonical, ok := aliases[eventType]
	if !ok {
		return DecodeError{
			EventType: frame.EventType,
			Raw:       frame.RawPayload,
			Reason:    fmt.Sprintf("unknown event type %q", frame.EventType),
			Unknown:   true,
		}
	}

	var p wirePayload
	raw := strings.TrimSpace(frame.RawPayload)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return decodeError(frame, "malformed payload: %v", err)
		}
	}

	if canonical == DefaultEventType {
		return normalizeEnvelope(frame, p)
	}
	return build(frame, canonical, p)
}

// normalizeEnvelope handles data lines sent without an event line. Their
// payload carries its own "type", as the legacy agent server writes it.
func normalizeEnvelope(frame Frame, p wirePayload) Event {
	inner := strings.ToLower(strings.TrimSpace(p.Type))
	switch inner {
	case "":
		return decodeError(frame, "message payload has no type")
	case "tool":
		name := first(p.Tool, p.Name)
		if name == "" {
			return decodeError(frame, "tool message has no tool name")
		}
		if p.Complete {
			return ToolCallFinished{
				ID:      p.ID,
				Name:    name,
				Success: p.Error == "",
				Result:  first(rawText(p.Result), p.Content),
				Error:   p.Error,
			}
		}
		args := p.Args
		if len(args) == 0 && p.Content != "" {
			args, _ = json.Marshal(p.Content)
		}
		return ToolCallStarted{ID: p.ID, Name: name, Args: args}
	case "response":
		// The legacy server sends the whole answer once, flagged complete,
		// and never a separate done frame.
		return AnswerChunk{Text: first(p.Answer, p.Content, p.Text), Final: p.Complete}
	case "debug":
		if p.Iteration == nil {
			return decodeError(frame, "debug message has no iteration")
		}
		return IterationAdvanced{Iteration: *p.Iteration}
	}

	canonical, ok := aliases[inner]
	if !ok || canonical == DefaultEventType {
		return DecodeError{
			EventType: frame.EventType,
			Raw:       frame.RawPayload,
			Reason:    fmt.Sprintf("unknown message type %q", p.Type),
			Unknown:   true,
		}
	}
	return build(frame, canonical, p)
}

func build(frame Frame, canonical string, p wirePayload) Event {
	switch canonical {
	case "start":
		return Start{ExecutionID: first(p.ExecutionID, p.Content)}

	case "iteration":
		if p.Iteration == nil {
			return decodeError(frame, "iteration payload has no iteration")
		}
		return IterationAdvanced{Iteration: *p.Iteration}

	case "thinking":
		return ReasoningUpdated{Text: first(p.Content, p.Thinking, p.Text)}

	case "tool_call":
		name := first(p.Tool, p.Name)
		if name == "" && p.ID == "" {
			return decodeError(frame, "tool call has neither id nor tool name")
		}
		return ToolCallStarted{ID: p.ID, Name: name, Args: p.Args}

	case "tool_result":
		name := first(p.Tool, p.Name)
		if name == "" && p.ID == "" {
			return decodeError(frame, "tool result has neither id nor tool name")
		}
		success := p.Error == ""
		if p.Success != nil {
			success = *p.Success
		}
		return ToolCallFinished{
			ID:      p.ID,
			Name:    name,
			Success: success,
			Result:  first(rawText(p.Result), p.Content),
			Error:   p.Error,
		}

	case "answer":
		return AnswerChunk{Text: first(p.Answer, p.Content, p.Text)}

	case "confirmation_required":
		if p.ActionID == "" {
			return decodeError(frame, "confirmation request has no action_id")
		}
		return ConfirmationRequested{
			ActionID:    p.ActionID,
			Tool:        first(p.Tool, p.Name),
			Args:        p.Args,
			Description: first(p.Description, p.Content),
		}

	case "done":
		return Done{TokensUsed: p.TokensUsed}

	case "error":
		return ErrorRaised{Message: first(p.Message, p.Error, p.Content, "agent reported an error")}

	case "session":
		id := first(p.SessionID, p.Content)
		if id == "" {
			return decodeError(frame, "session payload has no session id")
		}
		return SessionBound{ConversationID: id}

	case "phase_start", "phase_progress", "phase_complete", "phase_error":
		phase := first(p.Phase, p.BlockID)
		if phase == "" {
			return decodeError(frame, "%s payload has no phase", canonical)
		}
		switch canonical {
		case "phase_start":
			return PhaseStarted{Phase: phase}
		case "phase_progress":
			if p.Progress == nil {
				return decodeError(frame, "phase_progress payload has no progress")
			}
			return PhaseProgressed{Phase: phase, Progress: *p.Progress}
		case "phase_complete":
			return PhaseCompleted{Phase: phase, Summary: p.Summary}
		default:
			return PhaseFailed{Phase: phase, Message: first(p.Message, p.Error)}
		}

	case "query":
		if p.Query == "" {
			return decodeError(frame, "query payload has no query")
		}
		return QueryAdded{ID: p.ID, Query: p.Query, Phase: p.Phase}

	case "source":
		if p.URL == "" {
			return decodeError(frame, "source payload has no url")
		}
		return SourceFound{ID: p.ID, URL: p.URL, Title: p.Title, Phase: p.Phase}
	}

	return DecodeError{EventType: frame.EventType, Raw: frame.RawPayload, Reason: "unhandled event type", Unknown: true}
}

func decodeError(frame Frame, format string, args ...any) DecodeError {
	return DecodeError{
		EventType: frame.EventType,
		Raw:       frame.RawPayload,
		Reason:    fmt.Sprintf(format, args...),
	}
}

// rawText renders a result that may be a JSON string or any other JSON value.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
