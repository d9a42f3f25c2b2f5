package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"skyconsole/core"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
)

// newServeCmd creates the "skyconsole serve" subcommand.
func newServeCmd() *cobra.Command {
	var port, agentMode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the console HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := core.LoadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				config.Port = port
			}
			switch agentMode {
			case "":
			case core.AgentModeBackend, core.AgentModeLocal:
				config.AgentMode = agentMode
			default:
				return fmt.Errorf("unknown agent mode %q", agentMode)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "override the configured port")
	cmd.Flags().StringVar(&agentMode, "agent", "", `where turns run: "backend" (remote agent server) or "local" (in-process agent)`)
	return cmd
}

// serve runs the echo server until ctx is cancelled, then shuts it down
// gracefully.
func serve(ctx context.Context, config *core.Config) error {
	logger := core.InitializeLogger(config)
	logger.Info("Starting skyconsole server")

	server, err := core.NewServer(config, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer server.Close()

	e := echo.New()
	e.HideBanner = true

	// Configure middleware stack for request processing
	e.Use(middleware.RequestID()) // X-Request-ID on every request
	e.Use(middleware.Logger())    // HTTP request logging
	e.Use(middleware.Recover())   // Panic recovery
	e.Use(middleware.CORS())      // Cross-Origin Resource Sharing

	server.RegisterRoutes(e)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", config.Port).Info("Starting server")
		if err := e.Start(fmt.Sprintf(":%s", config.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	// Give in-flight requests 30 seconds to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to gracefully shutdown server")
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}
