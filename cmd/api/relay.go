package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"roadmap/api/internal/feed"
	"roadmap/api/internal/store"
)

func newRelayCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Relay Postgres node notifications into Redis pub/sub",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			db, err := store.Open(ctx, rt.cfg.DatabaseURL, rt.logger)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			broker, err := feed.NewRedisBroker(rt.cfg.RedisURL, rt.logger.Named("feed"))
			if err != nil {
				return fmt.Errorf("redis connection failed: %w", err)
			}
			defer broker.Close()

			nodes := store.NewPostgresStore(db, rt.logger.Named("store"))
			return feed.NewRelay(db, nodes, broker, rt.logger.Named("relay")).Run(ctx)
		},
	}
}
