package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/zerg-ai/zerg/internal/config"
	"github.com/zerg-ai/zerg/internal/store"
)

// NewMigrateCommand returns the migrate subcommand.
func NewMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Create or update the database schema",
		Action: runMigrate,
	}
}

func runMigrate(ctx context.Context, _ *cli.Command) error {
	cfg := config.Load()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	slog.Info("schema ready", "path", cfg.DatabasePath)
	return nil
}
