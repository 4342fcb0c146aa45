package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"roadmap/api/internal/store"
)

// NotifyChannel is the channel the roadmap_nodes trigger notifies on.
const NotifyChannel = "roadmap_nodes"

// NodeFetcher loads a node whose row did not fit in the notify payload.
type NodeFetcher interface {
	GetNode(ctx context.Context, nodeID string) (store.Node, error)
}

type notification struct {
	Op         string          `json:"op"`
	ProjectID  string          `json:"project_id"`
	NodeID     string          `json:"node_id"`
	CategoryID *string         `json:"category_id"`
	Row        json.RawMessage `json:"row"`
}

// parseNotification decodes a trigger payload. complete is false when the
// trigger omitted the row and the node must be fetched.
func parseNotification(payload string) (event Event, complete bool, err error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Event{}, false, fmt.Errorf("decode notification: %w", err)
	}
	event.Type = EventType(strings.ToLower(n.Op))
	if !event.Type.Valid() {
		return Event{}, false, fmt.Errorf("unknown notification op %q", n.Op)
	}
	if n.ProjectID == "" || n.NodeID == "" {
		return Event{}, false, errors.New("notification without project or node id")
	}
	event.ProjectID = n.ProjectID

	if len(n.Row) > 0 && string(n.Row) != "null" {
		if err := json.Unmarshal(n.Row, &event.Node); err != nil {
			return Event{}, false, fmt.Errorf("decode notification row: %w", err)
		}
		return event, true, nil
	}
	event.Node = store.Node{ID: n.NodeID, ProjectID: n.ProjectID, CategoryID: n.CategoryID}
	return event, false, nil
}

// listener turns notifications on a LISTEN connection into events.
type listener struct {
	nodes  NodeFetcher
	logger *zap.Logger
}

// run waits for notifications until ctx is done, conn fails or emit
// returns false. projectID, when set, drops events for other projects.
func (l listener) run(ctx context.Context, conn *pgx.Conn, projectID string, emit func(Event) bool) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		event, complete, err := parseNotification(n.Payload)
		if err != nil {
			l.logger.Warn("Ignoring malformed notification", zap.String("channel", n.Channel), zap.Error(err))
			continue
		}
		if projectID != "" && event.ProjectID != projectID {
			continue
		}
		if !complete && event.Type != Delete {
			if l.nodes == nil {
				continue
			}
			node, err := l.nodes.GetNode(ctx, event.Node.ID)
			if err != nil {
				l.logger.Warn("Failed to load notified node",
					zap.String("node_id", event.Node.ID),
					zap.Error(err),
				)
				continue
			}
			event.Node = node
		}
		if !emit(event) {
			return ctx.Err()
		}
	}
}

// PGSource subscribes with a dedicated LISTEN connection per subscription.
type PGSource struct {
	pool     *pgxpool.Pool
	listener listener
	logger   *zap.Logger
}

func NewPGSource(pool *pgxpool.Pool, nodes NodeFetcher, logger *zap.Logger) *PGSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGSource{
		pool:     pool,
		listener: listener{nodes: nodes, logger: logger},
		logger:   logger,
	}
}

func (s *PGSource) Subscribe(ctx context.Context, projectID string) (Subscription, error) {
	conn, err := listen(ctx, s.pool)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(ctx)
	go func() {
		defer sub.finish()
		defer unlisten(conn, s.logger)

		err := s.listener.run(sub.ctx, conn.Conn(), projectID, sub.deliver)
		if err != nil && sub.ctx.Err() == nil {
			s.logger.Warn("Change feed connection dropped",
				zap.String("project_id", projectID),
				zap.Error(err),
			)
		}
	}()
	return sub, nil
}

func listen(ctx context.Context, pool *pgxpool.Pool) (*pgxpool.Conn, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	return conn, nil
}

// unlisten returns conn to the pool without a pending LISTEN. A connection
// broken by a cancelled wait is closed by the pool on release.
func unlisten(conn *pgxpool.Conn, logger *zap.Logger) {
	if !conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, "UNLISTEN "+NotifyChannel); err != nil {
			logger.Debug("Failed to unlisten", zap.Error(err))
		}
	}
	conn.Release()
}
