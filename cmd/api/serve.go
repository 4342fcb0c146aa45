package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"roadmap/api/internal/app"
	"roadmap/api/internal/config"
	"roadmap/api/internal/events"
	"roadmap/api/internal/feed"
	"roadmap/api/internal/store"
)

func newServeCmd(rt *runtime) *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rt, skipMigrations)
		},
	}

	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply migrations on start")
	return cmd
}

func runServe(rt *runtime, skipMigrations bool) error {
	cfg, logger := rt.cfg, rt.logger
	ctx, stop := signalContext()
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if !skipMigrations {
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}

	service, cleanup, err := buildService(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if ttl := cfg.DashboardIdleTTL; ttl > 0 {
		go service.RunSweeper(ctx, ttl/2)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger.Named("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Roadmap API listening", zap.String("addr", cfg.Addr), zap.String("feed_mode", string(cfg.FeedMode)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// dashboards first so open feed streams end before the server waits on them
	service.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown error", zap.Error(err))
	}
	return nil
}

// buildService wires the store, feed source and event publisher selected by
// cfg. cleanup releases everything buildService opened.
func buildService(ctx context.Context, cfg config.Config, db *pgxpool.Pool, logger *zap.Logger) (*app.Service, func(), error) {
	dataStore := store.NewPostgresStore(db, logger.Named("store"))
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	source, err := buildFeed(ctx, cfg, db, dataStore, logger.Named("feed"), &closers)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	var opts []app.Option
	if cfg.AMQPURL != "" {
		publisher, err := events.NewPublisher(cfg.AMQPURL, logger.Named("events"))
		if err != nil {
			logger.Warn("Events exchange unavailable, status changes will not be published", zap.Error(err))
		} else {
			closers = append(closers, publisher.Close)
			opts = append(opts, app.WithNotifier(publisher))
		}
	}

	return app.New(cfg, dataStore, source, logger, opts...), cleanup, nil
}

func buildFeed(ctx context.Context, cfg config.Config, db *pgxpool.Pool, nodes feed.NodeFetcher, logger *zap.Logger, closers *[]func()) (feed.Source, error) {
	startRelay := func(publisher feed.Publisher) {
		relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		relay := feed.NewRelay(db, nodes, publisher, logger.Named("relay"))
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = relay.Run(relayCtx)
		}()
		*closers = append(*closers, func() {
			cancel()
			<-done
		})
	}

	switch cfg.FeedMode {
	case config.FeedPostgres:
		return feed.NewPGSource(db, nodes, logger), nil
	case config.FeedHub:
		hub := feed.NewHub(logger)
		startRelay(hub)
		return hub, nil
	case config.FeedRedis, config.FeedRelay:
		broker, err := feed.NewRedisBroker(cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		*closers = append(*closers, func() { _ = broker.Close() })
		if cfg.FeedMode == config.FeedRelay {
			startRelay(broker)
		}
		return broker, nil
	}
	return nil, fmt.Errorf("unknown feed mode %q", cfg.FeedMode)
}
