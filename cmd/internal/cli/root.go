// Package cli is the relay command line: the server and two operator tools
// that exercise a running relay through the client library.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// NewRootCommand builds the command tree. Output goes to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Real-time messaging, presence and notification relay",
		Long: `relay runs the WebSocket broker for direct messages, presence,
typing signals and activity notifications.

Quick Start:
  relay serve --addr 127.0.0.1:8080 --log-format pretty
  relay probe ws://10.0.0.5:8080 ws://127.0.0.1:8080
  relay smoke ws://127.0.0.1:8080`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newServeCommand(),
		newProbeCommand(),
		newSmokeCommand(),
	)
	return root
}

// Execute runs the command tree against os.Args and exits non-zero on error.
func Execute() {
	root := NewRootCommand(os.Stdout)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
