// Package main is the entry point for the kiln worker runtime.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/config"
)

func main() {
	cfg := config.Load()

	if err := newRootCmd(&cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kiln",
		Short: "Run JavaScript services in supervised, resource-limited workers",
		Long: `kiln serves HTTP by routing requests to JavaScript workers.

Each user worker runs in its own isolate under a supervisor that enforces CPU
time, wall-clock and memory limits. A main worker, when configured, routes
traffic and creates user workers; otherwise requests for /{service}/... go to
the service of that name in the services directory.

Configuration is read from KILN_* environment variables; flags override them.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		serveCmd(cfg),
		tokenCmd(cfg),
	)
	return rootCmd
}
