package feed

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"roadmap/api/internal/clock"
	"roadmap/api/internal/metrics"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Relay holds one LISTEN connection for every project and republishes each
// event to a Publisher, so many API instances can share one database
// listener. The connection is re-established with exponential backoff
// after a drop; events raised while disconnected are not replayed.
type Relay struct {
	pool      *pgxpool.Pool
	listener  listener
	publisher Publisher
	clock     clock.Clock
	logger    *zap.Logger
}

func NewRelay(pool *pgxpool.Pool, nodes NodeFetcher, publisher Publisher, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		pool:      pool,
		listener:  listener{nodes: nodes, logger: logger},
		publisher: publisher,
		clock:     clock.Real(),
		logger:    logger,
	}
}

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		err := r.relayOnce(ctx, func() { backoff = initialBackoff })
		if ctx.Err() != nil {
			return nil
		}
		metrics.FeedReconnects.WithLabelValues("relay").Inc()
		r.logger.Warn("Relay connection lost, reconnecting",
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func (r *Relay) relayOnce(ctx context.Context, connected func()) error {
	conn, err := listen(ctx, r.pool)
	if err != nil {
		return err
	}
	defer unlisten(conn, r.logger)
	connected()
	r.logger.Info("Relay listening", zap.String("channel", NotifyChannel))

	err = r.listener.run(ctx, conn.Conn(), "", func(event Event) bool {
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.logger.Error("Failed to relay event",
				zap.String("project_id", event.ProjectID),
				zap.String("node_id", event.Node.ID),
				zap.Error(err),
			)
		}
		return ctx.Err() == nil
	})
	if err == nil {
		err = errors.New("listener stopped")
	}
	return err
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
