// Package roadmap loads the categories and nodes of a project filtered by
// the caller's permission, and writes node status changes back.
package roadmap

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"roadmap/api/internal/access"
	"roadmap/api/internal/store"
)

type Source interface {
	FetchCategories(ctx context.Context, projectID string) ([]store.Category, error)
	FetchNodes(ctx context.Context, projectID string) ([]store.Node, error)
	UpdateNode(ctx context.Context, nodeID string, patch store.NodePatch) (store.Node, error)
}

// Snapshot is the visible part of a project's roadmap at load time.
type Snapshot struct {
	Categories []store.Category `json:"categories"`
	Nodes      []store.Node     `json:"nodes"`
}

// FetchError reports a failed load. The caller may retry it; the adapter
// never does.
type FetchError struct {
	ProjectID string
	Op        string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s for project %s: %v", e.Op, e.ProjectID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err came from a failed roadmap load.
func IsFetchError(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr)
}

type Adapter struct {
	source Source
	logger *zap.Logger
}

func NewAdapter(source Source, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{source: source, logger: logger}
}

// Load fetches the project roadmap and keeps only what perm can see.
func (a *Adapter) Load(ctx context.Context, projectID string, perm access.Permission) (Snapshot, error) {
	categories, err := a.source.FetchCategories(ctx, projectID)
	if err != nil {
		a.logger.Warn("Failed to fetch categories", zap.String("project_id", projectID), zap.Error(err))
		return Snapshot{}, &FetchError{ProjectID: projectID, Op: "categories", Err: err}
	}
	nodes, err := a.source.FetchNodes(ctx, projectID)
	if err != nil {
		a.logger.Warn("Failed to fetch nodes", zap.String("project_id", projectID), zap.Error(err))
		return Snapshot{}, &FetchError{ProjectID: projectID, Op: "nodes", Err: err}
	}

	snapshot := Snapshot{
		Categories: FilterCategories(categories, perm),
		Nodes:      FilterNodes(nodes, perm),
	}
	a.logger.Debug("Roadmap loaded",
		zap.String("project_id", projectID),
		zap.Int("categories", len(snapshot.Categories)),
		zap.Int("nodes", len(snapshot.Nodes)),
		zap.Bool("restricted", perm.Restricted),
	)
	return snapshot, nil
}

func (a *Adapter) UpdateNode(ctx context.Context, nodeID string, patch store.NodePatch) (store.Node, error) {
	return a.source.UpdateNode(ctx, nodeID, patch)
}

// FilterCategories returns the visible categories ordered by OrderIndex.
// Ties keep their fetch order.
func FilterCategories(categories []store.Category, perm access.Permission) []store.Category {
	out := make([]store.Category, 0, len(categories))
	for _, category := range categories {
		if perm.CanSeeCategory(category.ID) {
			out = append(out, category)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

// FilterNodes returns the visible nodes ordered by OrderIndex. Nodes with
// no category are hidden from restricted users.
func FilterNodes(nodes []store.Node, perm access.Permission) []store.Node {
	out := make([]store.Node, 0, len(nodes))
	for _, node := range nodes {
		if perm.CanSee(node.CategoryID) {
			out = append(out, node)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}
