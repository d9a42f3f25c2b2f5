package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsConn serialises writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// handleWebSocket pushes a StateMessage on connect and after every state
// change, and accepts ClientIntent messages from the client.
func (s *Server) handleWebSocket(c echo.Context) error {
	logger := s.requestLogger(c, "/ws")

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.WithError(err).Error("Failed to upgrade websocket")
		return nil
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()

	updates, unsubscribe := s.console.Subscribe()
	defer unsubscribe()

	if err := ws.writeJSON(s.console.State()); err != nil {
		logger.WithError(err).Warn("Failed initial state push")
		return nil
	}
	logger.Info("Websocket client connected")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	// Writer loop
	go func() {
		defer wg.Done()
		defer conn.Close()

		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-updates:
				if err := ws.writeJSON(s.console.State()); err != nil {
					logger.WithError(err).Debug("State push failed")
					return
				}
			case <-ticker.C:
				if err := ws.ping(); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		var intent ClientIntent
		if err := conn.ReadJSON(&intent); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Debug("Websocket read ended")
			}
			break
		}

		result := s.dispatchIntent(c.Request().Context(), intent, logger)
		if err := ws.writeJSON(result); err != nil {
			break
		}
	}

	close(done)
	wg.Wait()
	logger.Info("Websocket client disconnected")
	return nil
}

func (s *Server) dispatchIntent(ctx context.Context, intent ClientIntent, logger *logrus.Entry) IntentResult {
	result := IntentResult{Type: "ack", Action: intent.Action}

	var err error
	switch intent.Action {
	case "start":
		result.TurnID, err = s.console.StartTurn(ctx, intent.Content)
	case "confirm":
		err = s.console.Confirm(ctx, intent.Approved)
	case "stop":
		result.Stopped = s.console.Stop()
	case "toggle":
		err = s.console.ToggleBlock(intent.BlockID)
	case "collapse_all":
		err = s.console.CollapseAll()
	case "expand_all":
		err = s.console.ExpandAll()
	default:
		err = fmt.Errorf("unknown action %q", intent.Action)
	}

	if err != nil {
		logger.WithError(err).WithField("action", intent.Action).Warn("Websocket intent rejected")
		result.Error = err.Error()
	}
	return result
}
