package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"roadmap/api/internal/store"
)

func newMigrateCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			db, err := store.Open(ctx, rt.cfg.DatabaseURL, rt.logger)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			return store.ApplyMigrations(ctx, db, rt.cfg.MigrationsDir, rt.logger)
		},
	}
}
