// Package cmd provides the cito CLI commands.
//
// Commands:
//   - serve: HTTP API server with SSE streaming
//   - query: one-shot query from the terminal
//   - mcp: Model Context Protocol server for editor integration
//   - migrate: apply database migrations
//   - version: build and configuration info
//
// All long-running commands shut down gracefully on SIGINT/SIGTERM via
// context cancellation.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/citolabs/cito/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "cito",
	Short: "cito - cited answers from your document collections",
	Long: `cito answers natural-language questions from permissioned document
collections. Every answer is synthesized from retrieved passages and
carries [n] citations back to its sources, with a confidence score.

Run "cito serve" for the HTTP API or "cito query" for a one-shot
question from the terminal.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the process logger from the environment:
// CITO_LOG_LEVEL (debug/info/warn/error) and CITO_LOG_JSON.
func newLogger() log.Logger {
	logger := log.New(log.Config{
		Level: log.ParseLevel(os.Getenv("CITO_LOG_LEVEL")),
		JSON:  os.Getenv("CITO_LOG_JSON") != "",
	})
	slog.SetDefault(logger)
	return logger
}
