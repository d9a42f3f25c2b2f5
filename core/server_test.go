package core

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"skyconsole/phase"
	"skyconsole/session"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverFixture struct {
	*consoleFixture
	echo *echo.Echo
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := newConsoleFixture(t)

	s := newServer(DefaultConfig(), f.console, f.history, quietLogger())
	e := echo.New()
	e.HideBanner = true
	s.RegisterRoutes(e)

	return &serverFixture{consoleFixture: f, echo: e}
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServerBeforeFirstTurn(t *testing.T) {
	f := newServerFixture(t)

	for _, tc := range []struct {
		method, path, body string
		status             int
	}{
		{http.MethodGet, "/turns/current", "", http.StatusNotFound},
		{http.MethodGet, "/task", "", http.StatusNotFound},
		{http.MethodPost, "/turns/confirm", `{"approved":true}`, http.StatusNotFound},
		{http.MethodPost, "/task/blocks/planning/toggle", "", http.StatusNotFound},
		{http.MethodPost, "/task/collapse", "", http.StatusNotFound},
		{http.MethodPost, "/turns", `{"content":""}`, http.StatusBadRequest},
		{http.MethodPost, "/turns", `{"content":`, http.StatusBadRequest},
		{http.MethodGet, "/history/unknown", "", http.StatusNotFound},
		{http.MethodDelete, "/history/unknown", "", http.StatusNotFound},
	} {
		rec := f.do(t, tc.method, tc.path, tc.body)
		assert.Equal(t, tc.status, rec.Code, "%s %s: %s", tc.method, tc.path, rec.Body.String())
	}

	rec := f.do(t, http.MethodPost, "/turns/stop", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	stop := decodeBody[StopResponse](t, rec)
	assert.False(t, stop.Success)
	assert.False(t, stop.Stopped)
}

func TestServerTurnLifecycle(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/turns", `{"content":"find sources"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	turnID := decodeBody[StartTurnResponse](t, rec).TurnID
	require.NotEmpty(t, turnID)

	ft := f.streams.next(t)
	ft.send("start", `{}`)
	ft.send("confirmation_required", `{"action_id":"a1","tool":"rm"}`)
	f.eventuallySession(t, func(s session.Snapshot) bool { return s.PendingConfirmation != nil })

	rec = f.do(t, http.MethodGet, "/turns/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	current := decodeBody[session.Snapshot](t, rec)
	assert.Equal(t, turnID, current.TurnID)
	assert.Equal(t, "a1", current.PendingConfirmation.ActionID)

	rec = f.do(t, http.MethodPost, "/turns/confirm", `{"approved":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, decodeBody[session.Snapshot](t, rec).PendingConfirmation)

	rec = f.do(t, http.MethodPost, "/turns/confirm", `{"approved":true}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "healthy", status["status"])
	assert.Equal(t, float64(1), status["turnCount"])

	rec = f.do(t, http.MethodPost, "/turns/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[StopResponse](t, rec).Stopped)

	rec = f.do(t, http.MethodPost, "/turns/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stop := decodeBody[StopResponse](t, rec)
	assert.True(t, stop.Success)
	assert.False(t, stop.Stopped)

	f.wait(t)
	rec = f.do(t, http.MethodGet, "/turns/current", "")
	assert.Equal(t, session.Aborted, decodeBody[session.Snapshot](t, rec).Outcome)
}

func TestServerTaskIntents(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/turns", `{"content":"research"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.streams.next(t)

	rec = f.do(t, http.MethodGet, "/task", "")
	require.Equal(t, http.StatusOK, rec.Code)
	task := decodeBody[phase.TaskSnapshot](t, rec)
	require.Len(t, task.Blocks, 5)

	rec = f.do(t, http.MethodPost, "/task/blocks/searching/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	task = decodeBody[phase.TaskSnapshot](t, rec)
	assert.True(t, task.Blocks[1].IsExpanded)
	assert.True(t, task.Blocks[1].Pinned)

	rec = f.do(t, http.MethodPost, "/task/blocks/nope/toggle", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/task/expand", "")
	require.Equal(t, http.StatusOK, rec.Code)
	for _, b := range decodeBody[phase.TaskSnapshot](t, rec).Blocks {
		assert.True(t, b.IsExpanded, b.ID)
	}

	rec = f.do(t, http.MethodPost, "/task/collapse", "")
	require.Equal(t, http.StatusOK, rec.Code)
	for _, b := range decodeBody[phase.TaskSnapshot](t, rec).Blocks {
		assert.False(t, b.IsExpanded, b.ID)
	}
}

func TestServerHistory(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/turns", `{"content":"hello"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ft := f.streams.next(t)
	ft.send("session", `{"session_id":"session_1"}`)
	ft.send("answer", `{"answer":"hi"}`)
	ft.send("done", `{}`)
	f.wait(t)

	rec = f.do(t, http.MethodGet, "/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Conversations []ConversationSummary `json:"conversations"`
	}](t, rec)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "session_1", list.Conversations[0].ID)
	assert.Equal(t, "hello", list.Conversations[0].LastTurn)

	rec = f.do(t, http.MethodGet, "/history/session_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decodeBody[Conversation](t, rec)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "hi", conv.Turns[0].Session.AnswerText)

	rec = f.do(t, http.MethodDelete, "/history/session_1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/history/session_1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, errorStatus(ErrEmptyMessage))
	assert.Equal(t, http.StatusNotFound, errorStatus(ErrNoActiveTurn))
	assert.Equal(t, http.StatusNotFound, errorStatus(phase.ErrUnknownBlock))
	assert.Equal(t, http.StatusConflict, errorStatus(session.ErrSessionClosed))
	assert.Equal(t, http.StatusBadGateway, errorStatus(assert.AnError))
}

// readUntil reads websocket messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]json.RawMessage) bool) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventuallyTimeout)))
	for {
		var msg map[string]json.RawMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func isType(typ string) func(map[string]json.RawMessage) bool {
	return func(msg map[string]json.RawMessage) bool {
		return string(msg["type"]) == `"`+typ+`"`
	}
}

func TestServerWebSocket(t *testing.T) {
	f := newServerFixture(t)
	server := httptest.NewServer(f.echo)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Initial push before any turn.
	initial := readUntil(t, conn, isType("state"))
	assert.NotContains(t, initial, "session")

	require.NoError(t, conn.WriteJSON(ClientIntent{Action: "start", Content: "hi"}))
	var ack IntentResult
	raw := readUntil(t, conn, isType("ack"))
	require.NoError(t, json.Unmarshal(raw["turnId"], &ack.TurnID))
	require.NotEmpty(t, ack.TurnID)

	ft := f.streams.next(t)
	ft.send("answer", `{"answer":"streamed"}`)

	readUntil(t, conn, func(msg map[string]json.RawMessage) bool {
		if !isType("state")(msg) || msg["session"] == nil {
			return false
		}
		var snap session.Snapshot
		require.NoError(t, json.Unmarshal(msg["session"], &snap))
		return snap.AnswerText == "streamed"
	})

	require.NoError(t, conn.WriteJSON(ClientIntent{Action: "toggle", BlockID: "nope"}))
	raw = readUntil(t, conn, isType("ack"))
	assert.Contains(t, string(raw["error"]), "unknown block")

	require.NoError(t, conn.WriteJSON(ClientIntent{Action: "dance"}))
	raw = readUntil(t, conn, isType("ack"))
	assert.Contains(t, string(raw["error"]), "unknown action")

	require.NoError(t, conn.WriteJSON(ClientIntent{Action: "stop"}))
	raw = readUntil(t, conn, isType("ack"))
	assert.NotContains(t, raw, "error")
	assert.JSONEq(t, "true", string(raw["stopped"]))

	require.NoError(t, conn.WriteJSON(ClientIntent{Action: "stop"}))
	raw = readUntil(t, conn, isType("ack"))
	assert.NotContains(t, raw, "error", "stopping a finished turn is not an error")
	assert.NotContains(t, raw, "stopped")
}
