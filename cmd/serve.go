package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/citolabs/cito/api"
	"github.com/citolabs/cito/internal/app"
	"github.com/citolabs/cito/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API server with aggregate and SSE streaming query
endpoints. Listens on http_addr from the config (default :8080).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting HTTP API server", "version", Version)

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	srv := api.NewServer(a.Engine, a.Pinger(), cfg.APIKey, logger)

	logger.Info("HTTP server ready",
		"addr", cfg.HTTPAddr,
		"api", "/api/query, /api/query/stream",
		"health", "/health, /ready",
	)
	return srv.Run(ctx, cfg.HTTPAddr)
}
