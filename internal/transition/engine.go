// Package transition moves roadmap nodes between pending, in_progress and
// done, stamping start and completion times and the actual duration.
package transition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"roadmap/api/internal/access"
	"roadmap/api/internal/clock"
	"roadmap/api/internal/dashboard"
	"roadmap/api/internal/metrics"
	"roadmap/api/internal/rbac"
	"roadmap/api/internal/store"
)

var (
	ErrPermissionDenied  = errors.New("you do not have permission to edit this roadmap")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// View is the part of a dashboard the engine reads and writes.
type View interface {
	Permission() access.Permission
	Node(nodeID string) (store.Node, bool)
	PutNode(node store.Node) bool
}

type Writer interface {
	UpdateNode(ctx context.Context, nodeID string, patch store.NodePatch) (store.Node, error)
}

// StatusChange describes a persisted transition.
type StatusChange struct {
	ProjectID      string           `json:"project_id"`
	NodeID         string           `json:"node_id"`
	UserID         string           `json:"user_id"`
	From           store.NodeStatus `json:"from"`
	To             store.NodeStatus `json:"to"`
	ActualDuration *int             `json:"actual_duration,omitempty"`
	ChangedAt      time.Time        `json:"changed_at"`
}

type Notifier interface {
	NodeStatusChanged(ctx context.Context, change StatusChange) error
}

type Engine struct {
	writer      Writer
	notifier    Notifier
	clock       clock.Clock
	allowReopen bool
	logger      *zap.Logger
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// AllowReopen permits moving a node backwards, for example from done to
// in_progress.
func AllowReopen(allow bool) Option {
	return func(e *Engine) { e.allowReopen = allow }
}

func NewEngine(writer Writer, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{writer: writer, clock: clock.Real(), logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply moves nodeID to target. The permission check runs before anything
// else. A same-status transition returns the node unchanged without a
// write. On success the stored node is written into view ahead of the feed
// echo.
func (e *Engine) Apply(ctx context.Context, view View, userID, nodeID string, target store.NodeStatus) (store.Node, error) {
	if !view.Permission().Can(rbac.ActionWrite) {
		metrics.RecordStatusTransition(string(target), "denied")
		e.logger.Warn("Status change without edit permission",
			zap.String("user_id", userID),
			zap.String("node_id", nodeID),
			zap.String("target", string(target)),
		)
		return store.Node{}, ErrPermissionDenied
	}

	node, ok := view.Node(nodeID)
	if !ok {
		return store.Node{}, dashboard.ErrUnknownNode
	}

	now := e.clock.Now()
	patch, changed, err := Plan(node, target, now, e.allowReopen)
	if err != nil {
		metrics.RecordStatusTransition(string(target), "invalid")
		return store.Node{}, err
	}
	if !changed {
		metrics.RecordStatusTransition(string(target), "noop")
		return node, nil
	}

	updated, err := e.writer.UpdateNode(ctx, nodeID, patch)
	if err != nil {
		metrics.RecordStatusTransition(string(target), "failed")
		return store.Node{}, fmt.Errorf("update node status: %w", err)
	}
	view.PutNode(updated)
	metrics.RecordStatusTransition(string(target), "applied")

	e.logger.Info("Node status changed",
		zap.String("project_id", updated.ProjectID),
		zap.String("node_id", nodeID),
		zap.String("user_id", userID),
		zap.String("from", string(node.Status)),
		zap.String("to", string(updated.Status)),
	)

	if e.notifier != nil {
		change := StatusChange{
			ProjectID:      updated.ProjectID,
			NodeID:         nodeID,
			UserID:         userID,
			From:           node.Status,
			To:             updated.Status,
			ActualDuration: updated.ActualDuration,
			ChangedAt:      now,
		}
		if err := e.notifier.NodeStatusChanged(ctx, change); err != nil {
			e.logger.Error("Failed to publish status change", zap.String("node_id", nodeID), zap.Error(err))
		}
	}
	return updated, nil
}

// Plan computes the column values for moving node to target at now.
// changed is false when node already has the target status.
func Plan(node store.Node, target store.NodeStatus, now time.Time, allowReopen bool) (patch store.NodePatch, changed bool, err error) {
	if !target.Valid() {
		return store.NodePatch{}, false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}
	if node.Status == target {
		return store.NodePatch{}, false, nil
	}

	patch = store.NodePatch{
		Status:         target,
		StartedAt:      node.StartedAt,
		CompletedAt:    node.CompletedAt,
		ActualDuration: node.ActualDuration,
	}

	if rank(target) < rank(node.Status) {
		if !allowReopen {
			return store.NodePatch{}, false, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, node.Status, target)
		}
		patch.CompletedAt = nil
		patch.ActualDuration = nil
		if target == store.NodePending {
			patch.StartedAt = nil
		}
		return patch, true, nil
	}

	switch target {
	case store.NodeInProgress:
		started := now
		patch.StartedAt = &started
	case store.NodeDone:
		completed := now
		patch.CompletedAt = &completed
		patch.ActualDuration = nil
		if node.StartedAt != nil {
			minutes := ActualDurationMinutes(*node.StartedAt, completed)
			patch.ActualDuration = &minutes
		}
	}
	return patch, true, nil
}

// ActualDurationMinutes is the elapsed time rounded to whole minutes,
// never negative.
func ActualDurationMinutes(started, completed time.Time) int {
	minutes := int(math.Round(completed.Sub(started).Minutes()))
	if minutes < 0 {
		return 0
	}
	return minutes
}

func rank(status store.NodeStatus) int {
	switch status {
	case store.NodeInProgress:
		return 1
	case store.NodeDone:
		return 2
	default:
		return 0
	}
}
