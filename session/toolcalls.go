package session

import "encoding/json"

// ToolStatus is the lifecycle position of a tool call.
type ToolStatus string

const (
	ToolPending ToolStatus = "pending"
	ToolRunning ToolStatus = "running"
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// terminal reports whether no further transition is allowed.
func (s ToolStatus) terminal() bool {
	return s == ToolSuccess || s == ToolError
}

// ToolCallRecord is one tool invocation within a turn.
type ToolCallRecord struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Status ToolStatus      `json:"status"`
	Result string          `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// toolCalls is an insertion-ordered map of tool call records.
type toolCalls struct {
	order []string
	byID  map[string]*ToolCallRecord
}

func newToolCalls() toolCalls {
	return toolCalls{byID: make(map[string]*ToolCallRecord)}
}

// put inserts rec, or overwrites the record with the same id in place.
func (t *toolCalls) put(rec ToolCallRecord) {
	if existing, ok := t.byID[rec.ID]; ok {
		*existing = rec
		return
	}
	t.order = append(t.order, rec.ID)
	t.byID[rec.ID] = &rec
}

func (t *toolCalls) get(id string) (*ToolCallRecord, bool) {
	rec, ok := t.byID[id]
	return rec, ok
}

// latestRunning returns the most recently started running call named name.
func (t *toolCalls) latestRunning(name string) (*ToolCallRecord, bool) {
	for i := len(t.order) - 1; i >= 0; i-- {
		rec := t.byID[t.order[i]]
		if rec.Name == name && rec.Status == ToolRunning {
			return rec, true
		}
	}
	return nil, false
}

// snapshot returns detached copies in insertion order.
func (t *toolCalls) snapshot() []ToolCallRecord {
	out := make([]ToolCallRecord, 0, len(t.order))
	for _, id := range t.order {
		rec := *t.byID[id]
		if rec.Args != nil {
			rec.Args = append(json.RawMessage(nil), rec.Args...)
		}
		out = append(out, rec)
	}
	return out
}
