package agentrelay

import (
	"context"
	"strings"
	"time"

	"github.com/tmc/langchaingo/tools"
)

// DateTimeTool tells the agent the current date and time.
type DateTimeTool struct {
	now func() time.Time
}

// NewDateTimeTool returns the tool backed by the wall clock.
func NewDateTimeTool() *DateTimeTool {
	return &DateTimeTool{now: time.Now}
}

// Name implements tools.Tool.
func (d *DateTimeTool) Name() string {
	return "datetime"
}

// Description implements tools.Tool.
func (d *DateTimeTool) Description() string {
	return "Current date and time. Input 'utc' for UTC, anything else for local time."
}

// Call implements tools.Tool.
func (d *DateTimeTool) Call(_ context.Context, input string) (string, error) {
	now := d.now()
	if strings.EqualFold(strings.TrimSpace(input), "utc") {
		now = now.UTC()
	}
	return now.Format(time.RFC1123Z), nil
}

var _ tools.Tool = (*DateTimeTool)(nil)

// DefaultTools is the tool set of a local agent.
func DefaultTools() []tools.Tool {
	return []tools.Tool{NewDateTimeTool()}
}
