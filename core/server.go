package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"skyconsole/agentrelay"
	"skyconsole/phase"
	"skyconsole/session"
	"skyconsole/transport"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// Server exposes the console over HTTP.
type Server struct {
	console  *Console
	history  *HistoryStore
	config   *Config
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a server instance with all dependencies initialized:
// the phase template, the conversation history store and a console whose
// turns stream from the configured agent backend.
func NewServer(config *Config, logger *logrus.Logger) (*Server, error) {
	logger.Info("Starting server initialization")

	tmpl, err := config.PhaseTemplate()
	if err != nil {
		logger.WithError(err).Error("Failed to resolve phase template")
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"template": tmpl.Name,
		"phases":   len(tmpl.Phases),
	}).Info("Phase template loaded")

	history := NewHistoryStore(config.HistoryMaxAge, config.CleanupInterval, logger)
	logger.WithField("historyMaxAge", config.HistoryMaxAge).Info("History store initialized with configurable expiry")

	factory, err := sourceFactory(config, logger)
	if err != nil {
		history.Close()
		logger.WithError(err).Error("Failed to initialize agent")
		return nil, err
	}

	console, err := NewConsole(ConsoleConfig{
		Template:          tmpl,
		SourcePolicy:      config.SourcePolicy,
		CollapseDelay:     config.AutoCollapseDelay,
		LogTruncateLength: config.LogTruncateLength,
	}, factory, history, logger)
	if err != nil {
		history.Close()
		logger.WithError(err).Error("Failed to initialize console")
		return nil, fmt.Errorf("failed to initialize console: %w", err)
	}

	logger.Info("Server initialization completed successfully")
	return newServer(config, console, history, logger), nil
}

func newServer(config *Config, console *Console, history *HistoryStore, logger *logrus.Logger) *Server {
	return &Server{
		console: console,
		history: history,
		config:  config,
		logger:  logger,
		upgrader: websocket.Upgrader{
			// Presentation clients are served from other origins in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// sourceFactory picks where turns stream from: the remote agent backend, or
// an in-process langchaingo agent in local mode.
func sourceFactory(config *Config, logger *logrus.Logger) (SourceFactory, error) {
	if config.AgentMode != AgentModeLocal {
		logger.WithField("backend", config.BackendURL).Info("Streaming turns from the agent backend")
		return HTTPSourceFactory(config, logger), nil
	}

	model, err := agentrelay.NewModel(context.Background(), config.ModelConfig(), logger.WithField("component", "agent"))
	if err != nil {
		return nil, err
	}
	logger.WithField("maxIterations", config.MaxIterations).Info("Running turns on the local agent")
	runner := agentrelay.NewExecutorRunner(model, agentrelay.DefaultTools(), config.MaxIterations)
	return LocalAgentFactory(runner, logger), nil
}

// LocalAgentFactory runs each turn on an in-process agent.
func LocalAgentFactory(runner agentrelay.Runner, logger *logrus.Logger) SourceFactory {
	return func(ctx context.Context, req TurnRequest) (transport.Source, error) {
		return agentrelay.Start(ctx, runner, req.Content, logger.WithField("turnId", req.TurnID)), nil
	}
}

// HTTPSourceFactory opens each turn's stream against the agent backend.
func HTTPSourceFactory(config *Config, logger *logrus.Logger) SourceFactory {
	httpCfg := transport.HTTPConfig{
		BaseURL:     config.BackendURL,
		StreamPath:  config.StreamPath,
		StopPath:    config.StopPath,
		ConfirmPath: config.ConfirmPath,
		Timeout:     config.RequestTimeout,
	}
	return func(ctx context.Context, req TurnRequest) (transport.Source, error) {
		src, err := transport.OpenHTTP(ctx, httpCfg, transport.StreamRequest{
			Message:   req.Content,
			SessionID: req.ConversationID,
			Debug:     config.DebugMode,
		}, logger.WithField("turnId", req.TurnID))
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

// Console returns the coordinator behind the server.
func (s *Server) Console() *Console {
	return s.console
}

// Close aborts the live turn and stops background work.
func (s *Server) Close() {
	s.console.Close()
	s.history.Close()
}

func (s *Server) requestLogger(c echo.Context, endpoint string) *logrus.Entry {
	requestID := c.Request().Header.Get(echo.HeaderXRequestID)
	if requestID == "" {
		requestID = c.Response().Header().Get(echo.HeaderXRequestID)
	}
	return s.logger.WithFields(logrus.Fields{
		"requestId": requestID,
		"endpoint":  endpoint,
		"method":    c.Request().Method,
		"clientIP":  c.RealIP(),
	})
}

// errorStatus maps console errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoActiveTurn), errors.Is(err, phase.ErrUnknownBlock):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoPendingConfirmation), errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) fail(c echo.Context, logger *logrus.Entry, err error) error {
	status := errorStatus(err)
	entry := logger.WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}

func (s *Server) handleStartTurn(c echo.Context) error {
	logger := s.requestLogger(c, "/turns")
	logger.Info("Received start turn request")

	var req StartTurnRequest
	if err := c.Bind(&req); err != nil {
		logger.WithError(err).Error("Failed to parse request body")
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request"})
	}

	turnID, err := s.console.StartTurn(c.Request().Context(), req.Content)
	if err != nil {
		return s.fail(c, logger, err)
	}

	logger.WithFields(logrus.Fields{
		"turnId":        turnID,
		"messageLength": len(req.Content),
	}).Info("Turn started")
	return c.JSON(http.StatusAccepted, StartTurnResponse{TurnID: turnID})
}

func (s *Server) handleCurrentTurn(c echo.Context) error {
	snap, ok := s.console.Session()
	if !ok {
		return s.fail(c, s.requestLogger(c, "/turns/current"), ErrNoActiveTurn)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleConfirm(c echo.Context) error {
	logger := s.requestLogger(c, "/turns/confirm")

	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		logger.WithError(err).Error("Failed to parse confirm request body")
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request"})
	}

	if err := s.console.Confirm(c.Request().Context(), req.Approved); err != nil {
		return s.fail(c, logger, err)
	}

	logger.WithField("approved", req.Approved).Info("Confirmation resolved")
	snap, _ := s.console.Session()
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleStop(c echo.Context) error {
	logger := s.requestLogger(c, "/turns/stop")
	logger.Info("Received stop request")

	if _, ok := s.console.Session(); !ok {
		return c.JSON(http.StatusNotFound, StopResponse{
			Success: false,
			Message: "No turn has been started",
			Stopped: false,
		})
	}

	if s.console.Stop() {
		logger.Info("Turn stopped successfully")
		return c.JSON(http.StatusOK, StopResponse{
			Success: true,
			Message: "Turn stopped successfully",
			Stopped: true,
		})
	}

	logger.Debug("Turn already finished")
	return c.JSON(http.StatusOK, StopResponse{
		Success: true,
		Message: "Turn already finished",
		Stopped: false,
	})
}

func (s *Server) handleTask(c echo.Context) error {
	snap, ok := s.console.Task()
	if !ok {
		return s.fail(c, s.requestLogger(c, "/task"), ErrNoActiveTurn)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleToggleBlock(c echo.Context) error {
	blockID := c.Param("blockId")
	logger := s.requestLogger(c, "/task/blocks/:blockId/toggle").WithField("blockId", blockID)

	if err := s.console.ToggleBlock(blockID); err != nil {
		return s.fail(c, logger, err)
	}
	snap, _ := s.console.Task()
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCollapseAll(c echo.Context) error {
	if err := s.console.CollapseAll(); err != nil {
		return s.fail(c, s.requestLogger(c, "/task/collapse"), err)
	}
	snap, _ := s.console.Task()
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleExpandAll(c echo.Context) error {
	if err := s.console.ExpandAll(); err != nil {
		return s.fail(c, s.requestLogger(c, "/task/expand"), err)
	}
	snap, _ := s.console.Task()
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleStatus(c echo.Context) error {
	logger := s.requestLogger(c, "/status")
	logger.Debug("Health check requested")

	activeTurns := s.console.ActiveTurns()
	response := map[string]interface{}{
		"status":         "healthy",
		"backendUrl":     s.config.BackendURL,
		"conversationId": s.console.ConversationID(),
		"history":        s.history.Stats(),
		"activeTurns":    activeTurns,
		"turnCount":      len(activeTurns),
	}
	if snap, ok := s.console.Session(); ok {
		response["currentTurn"] = map[string]interface{}{
			"turnId":  snap.TurnID,
			"outcome": snap.Outcome,
		}
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) handleListHistory(c echo.Context) error {
	conversations := s.history.List()
	s.requestLogger(c, "/history").WithField("conversationCount", len(conversations)).Debug("History listed")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversations": conversations,
	})
}

func (s *Server) handleGetConversation(c echo.Context) error {
	id := c.Param("conversationId")
	logger := s.requestLogger(c, "/history/:conversationId").WithField("conversationId", id)

	conv, ok := s.history.Get(id)
	if !ok {
		logger.Warn("Conversation not found")
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "Conversation not found"})
	}
	return c.JSON(http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(c echo.Context) error {
	id := c.Param("conversationId")
	logger := s.requestLogger(c, "/history/:conversationId").WithField("conversationId", id)

	if !s.history.Delete(id) {
		logger.Warn("Conversation not found for deletion")
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "Conversation not found"})
	}

	logger.Info("Conversation deleted successfully")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":        "Conversation deleted successfully",
		"conversationId": id,
	})
}

// RegisterRoutes registers all HTTP routes for the server
func (s *Server) RegisterRoutes(e *echo.Echo) {
	s.logger.Info("Registering routes")

	// Turn intents
	e.POST("/turns", s.handleStartTurn)
	e.GET("/turns/current", s.handleCurrentTurn)
	e.POST("/turns/confirm", s.handleConfirm)
	e.POST("/turns/stop", s.handleStop)

	// Task run
	e.GET("/task", s.handleTask)
	e.POST("/task/blocks/:blockId/toggle", s.handleToggleBlock)
	e.POST("/task/collapse", s.handleCollapseAll)
	e.POST("/task/expand", s.handleExpandAll)

	// History
	e.GET("/history", s.handleListHistory)
	e.GET("/history/:conversationId", s.handleGetConversation)
	e.DELETE("/history/:conversationId", s.handleDeleteConversation)

	e.GET("/status", s.handleStatus)
	e.GET("/ws", s.handleWebSocket)

	s.logger.Info("Routes registered successfully")
}
