/*
Package main is the entry point for the skyconsole application.

skyconsole is the client-side console of an agent backend: it consumes the
agent's event stream for each turn, folds it into a generation session and a
phased task run, and exposes intents and snapshots to presentation clients.

Subcommands:
  - serve: run the HTTP/websocket console against a live agent backend
  - replay: decode a recorded stream capture and print the final snapshots
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "skyconsole:", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root skyconsole command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "skyconsole",
		Short:         "Agent stream console",
		Long:          "skyconsole turns an agent's event stream into live session and task state.\nConfiguration comes from CONSOLE_CONFIG_FILE and the environment.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newServeCmd(),
		newReplayCmd(),
	)

	return cmd
}
