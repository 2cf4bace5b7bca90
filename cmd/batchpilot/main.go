// Package main is the entrypoint for the batchpilot server and CLI.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("batchpilot failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "batchpilot",
		Short: "Orchestrates inference jobs through a provider's Batch API",
		Long: `batchpilot stores batch jobs and their requests in PostgreSQL, submits
pending jobs to an OpenAI-compatible Batch API and ingests the results once
the remote batch finishes. Configuration is read from the environment
(and a .env file in development).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newRunCmd(), newMigrateCmd())
	return root
}
