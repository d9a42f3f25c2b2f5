package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"skyconsole/core"
	"skyconsole/transport"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// replayConfig holds configuration for the replay command.
type replayConfig struct {
	follow   bool
	chunk    int
	template string
	verbose  bool
}

// newReplayCmd creates the "skyconsole replay" subcommand.
func newReplayCmd() *cobra.Command {
	var cfg replayConfig

	cmd := &cobra.Command{
		Use:   "replay <capture>",
		Short: "Decode a recorded stream capture and print the final state",
		Long: "Feeds a recorded agent stream through the console as one turn and prints\n" +
			"the final session and task snapshots as JSON. With --follow the capture is\n" +
			"tailed until the turn ends, the file is removed, or the command is interrupted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := core.LoadConfig()
			if err != nil {
				return err
			}
			if cfg.template != "" {
				config.PhaseTemplatePath = cfg.template
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return replay(ctx, cmd.OutOrStdout(), config, args[0], cfg)
		},
	}

	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "keep reading as the capture grows")
	cmd.Flags().IntVar(&cfg.chunk, "chunk", 0, "read the capture in chunks of this many bytes (0 = default)")
	cmd.Flags().StringVar(&cfg.template, "template", "", "phase template YAML overriding the configured one")
	cmd.Flags().BoolVarP(&cfg.verbose, "verbose", "v", false, "log consumed events to stderr")

	return cmd
}

func replay(ctx context.Context, w io.Writer, config *core.Config, path string, cfg replayConfig) error {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.WarnLevel)
	if cfg.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	tmpl, err := config.PhaseTemplate()
	if err != nil {
		return err
	}

	factory := func(ctx context.Context, req core.TurnRequest) (transport.Source, error) {
		src, err := transport.OpenFile(path, transport.FileOptions{
			ChunkSize: cfg.chunk,
			Follow:    cfg.follow,
		}, logger.WithField("turnId", req.TurnID))
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	console, err := core.NewConsole(core.ConsoleConfig{
		Template:          tmpl,
		SourcePolicy:      config.SourcePolicy,
		CollapseDelay:     config.AutoCollapseDelay,
		LogTruncateLength: config.LogTruncateLength,
	}, factory, nil, logger)
	if err != nil {
		return err
	}
	defer console.Close()

	if _, err := console.StartTurn(ctx, "replay "+path); err != nil {
		return err
	}

	if err := console.Wait(ctx); err != nil {
		// Interrupted: abort the turn and report what was consumed so far.
		console.Stop()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(console.State()); err != nil {
		return fmt.Errorf("failed to write snapshots: %w", err)
	}
	return nil
}
