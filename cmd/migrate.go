package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/citolabs/cito/db"
	"github.com/citolabs/cito/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply all pending schema migrations to the configured PostgreSQL
database. The serve command also runs migrations on startup; this
command exists for running them separately, e.g. in CI.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.StoreBackend != config.StorePostgres {
		return fmt.Errorf("store backend is %q, migrations only apply to postgres", cfg.StoreBackend)
	}

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}
