package core

import (
	"skyconsole/stream"

	"github.com/sirupsen/logrus"
)

// eventLogger writes one structured log line per consumed event. Payload
// text is truncated so long answers and tool results do not flood the log.
type eventLogger struct {
	logger         *logrus.Entry
	truncateLength int
}

func newEventLogger(logger *logrus.Entry, truncateLength int) *eventLogger {
	if truncateLength <= 0 {
		truncateLength = 500
	}
	return &eventLogger{logger: logger.WithField("component", "events"), truncateLength: truncateLength}
}

// Helper function to truncate text for logging with configurable length
func (l *eventLogger) truncateForLog(text string) string {
	if len(text) <= l.truncateLength {
		return text
	}
	return text[:l.truncateLength] + "..."
}

func (l *eventLogger) observe(turnID string, ev stream.Event, applied bool) {
	entry := l.logger.WithFields(logrus.Fields{
		"turnId":  turnID,
		"kind":    ev.Kind(),
		"applied": applied,
	})

	switch e := ev.(type) {
	case stream.Start:
		entry.WithField("executionId", e.ExecutionID).Info("Agent execution started")
	case stream.IterationAdvanced:
		entry.WithField("iteration", e.Iteration).Debug("Agent iteration advanced")
	case stream.ReasoningUpdated:
		entry.WithFields(logrus.Fields{
			"text":       l.truncateForLog(e.Text),
			"textLength": len(e.Text),
		}).Debug("Agent reasoning updated")
	case stream.ToolCallStarted:
		entry.WithFields(logrus.Fields{
			"toolCallId": e.ID,
			"tool":       e.Name,
			"args":       l.truncateForLog(string(e.Args)),
		}).Info("Tool execution started")
	case stream.ToolCallFinished:
		entry = entry.WithFields(logrus.Fields{
			"toolCallId":   e.ID,
			"tool":         e.Name,
			"success":      e.Success,
			"output":       l.truncateForLog(e.Result),
			"outputLength": len(e.Result),
		})
		if e.Success {
			entry.Info("Tool execution completed")
		} else {
			entry.WithField("error", e.Error).Warn("Tool execution failed")
		}
	case stream.AnswerChunk:
		entry.WithField("chunkSize", len(e.Text)).Debug("Answer chunk received")
	case stream.ConfirmationRequested:
		entry.WithFields(logrus.Fields{
			"actionId":    e.ActionID,
			"tool":        e.Tool,
			"description": l.truncateForLog(e.Description),
		}).Info("Agent asked for confirmation")
	case stream.Done:
		if e.TokensUsed != nil {
			entry = entry.WithField("tokensUsed", *e.TokensUsed)
		}
		entry.Info("Agent finished successfully")
	case stream.ErrorRaised:
		entry.WithField("error", l.truncateForLog(e.Message)).Error("Agent reported an error")
	case stream.DecodeError:
		entry.WithFields(logrus.Fields{
			"eventType": e.EventType,
			"reason":    e.Reason,
			"raw":       l.truncateForLog(e.Raw),
			"unknown":   e.Unknown,
		}).Warn("Undecodable frame skipped")
	case stream.SessionBound:
		entry.WithField("conversationId", e.ConversationID).Info("Conversation bound")
	case stream.PhaseStarted:
		entry.WithField("phase", e.Phase).Info("Phase started")
	case stream.PhaseProgressed:
		entry.WithFields(logrus.Fields{
			"phase":    e.Phase,
			"progress": e.Progress,
		}).Debug("Phase progressed")
	case stream.PhaseCompleted:
		entry.WithFields(logrus.Fields{
			"phase":   e.Phase,
			"summary": l.truncateForLog(e.Summary),
		}).Info("Phase completed")
	case stream.PhaseFailed:
		entry.WithFields(logrus.Fields{
			"phase": e.Phase,
			"error": l.truncateForLog(e.Message),
		}).Warn("Phase failed")
	case stream.QueryAdded:
		entry.WithField("query", l.truncateForLog(e.Query)).Debug("Search query issued")
	case stream.SourceFound:
		entry.WithField("url", e.URL).Debug("Source discovered")
	default:
		entry.Debug("Event consumed")
	}
}
