/*
Package core contains the request/response types of the console API.

These types are the contract between a presentation client and the console:
intents go in as small JSON bodies, state comes out as session and task
snapshots, either polled over REST or pushed over the websocket.

Key type categories:
- Turn intents (StartTurnRequest, ConfirmRequest)
- Turn results (StartTurnResponse, StopResponse)
- Pushed state (StateMessage) and websocket intents (ClientIntent)
*/
package core

import (
	"skyconsole/phase"
	"skyconsole/session"
)

// StartTurnRequest opens a new turn with the user's message.
type StartTurnRequest struct {
	Content string `json:"content"` // The user's message to the agent
}

// StartTurnResponse identifies the turn that was opened.
type StartTurnResponse struct {
	TurnID string `json:"turnId"` // Identity of the new turn; every event is checked against it
}

// ConfirmRequest resolves the pending confirmation of the current turn.
type ConfirmRequest struct {
	Approved bool `json:"approved"` // Whether the proposed action may run
}

// StopResponse reports the result of a stop intent.
type StopResponse struct {
	Success bool   `json:"success"` // Whether the request was processed
	Message string `json:"message"` // Human-readable result
	Stopped bool   `json:"stopped"` // Whether a running turn was actually aborted (it may have finished already)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StateMessage is pushed to websocket clients after every applied event and
// timer-driven change. Both parts are nil before the first turn.
type StateMessage struct {
	Type    string              `json:"type"` // Always "state"
	Session *session.Snapshot   `json:"session,omitempty"`
	Task    *phase.TaskSnapshot `json:"task,omitempty"`
}

// ClientIntent is an intent sent by a websocket client. Action selects which
// of the other fields are read.
type ClientIntent struct {
	Action   string `json:"action"`             // "start", "confirm", "stop", "toggle", "collapse_all", "expand_all"
	Content  string `json:"content,omitempty"`  // Message for "start"
	Approved bool   `json:"approved,omitempty"` // Decision for "confirm"
	BlockID  string `json:"blockId,omitempty"`  // Block for "toggle"
}

// IntentResult acknowledges a websocket intent.
type IntentResult struct {
	Type    string `json:"type"` // Always "ack"
	Action  string `json:"action"`
	TurnID  string `json:"turnId,omitempty"`
	Stopped bool   `json:"stopped,omitempty"` // A stop intent aborted a running turn
	Error   string `json:"error,omitempty"`
}
