package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const categoryColumns = `id, project_id, name, description, color, icon, order_index, is_ai_generated, created_at`

const nodeColumns = `id, project_id, category_id, title, description, technical_notes, rationale,
	priority, status, order_index, estimated_duration, actual_duration,
	started_at, completed_at, created_at, updated_at`

const memberColumns = `id, project_id, user_id, role, can_edit,
	COALESCE(category_ids, '{}'::text[]), category_ids IS NOT NULL, created_at`

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, description, domain, status, is_public, created_at, updated_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(
		&item.ID,
		&item.OwnerID,
		&item.Name,
		&item.Description,
		&item.Domain,
		&item.Status,
		&item.IsPublic,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, item Project) error {
	status := item.Status
	if status == "" {
		status = ProjectPlanning
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, user_id, name, description, domain, status, is_public)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.OwnerID, item.Name, item.Description, item.Domain, status, item.IsPublic)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// FetchCategories returns the categories of a project ordered by order_index.
func (s *PostgresStore) FetchCategories(ctx context.Context, projectID string) ([]Category, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+categoryColumns+`
		FROM roadmap_categories
		WHERE project_id=$1
		ORDER BY order_index ASC, created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(
			&item.ID,
			&item.ProjectID,
			&item.Name,
			&item.Description,
			&item.Color,
			&item.Icon,
			&item.OrderIndex,
			&item.IsAIGenerated,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertCategory(ctx context.Context, item Category) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO roadmap_categories (id, project_id, name, description, color, icon, order_index, is_ai_generated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.ProjectID, item.Name, item.Description, item.Color, item.Icon, item.OrderIndex, item.IsAIGenerated)
	if err != nil {
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

// FetchNodes returns the nodes of a project ordered by order_index.
func (s *PostgresStore) FetchNodes(ctx context.Context, projectID string) ([]Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+nodeColumns+`
		FROM roadmap_nodes
		WHERE project_id=$1
		ORDER BY order_index ASC, created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		item, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (Node, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM roadmap_nodes WHERE id=$1`, nodeID)
	item, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Node{}, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	return item, err
}

func (s *PostgresStore) InsertNode(ctx context.Context, item Node) (Node, error) {
	status := item.Status
	if status == "" {
		status = NodePending
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO roadmap_nodes (
			id, project_id, category_id, title, description, technical_notes, rationale,
			priority, status, order_index, estimated_duration
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+nodeColumns,
		item.ID, item.ProjectID, item.CategoryID, item.Title, item.Description, item.TechnicalNotes, item.Rationale,
		item.Priority, status, item.OrderIndex, item.EstimatedDuration,
	)
	inserted, err := scanNode(row)
	if err != nil {
		return Node{}, fmt.Errorf("insert node: %w", err)
	}
	s.logger.Debug("Node inserted",
		zap.String("node_id", inserted.ID),
		zap.String("project_id", inserted.ProjectID),
	)
	return inserted, nil
}

// UpdateNode writes the status columns of patch and returns the stored row.
func (s *PostgresStore) UpdateNode(ctx context.Context, nodeID string, patch NodePatch) (Node, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE roadmap_nodes
		SET status=$2, started_at=$3, completed_at=$4, actual_duration=$5, updated_at=NOW()
		WHERE id=$1
		RETURNING `+nodeColumns,
		nodeID, patch.Status, patch.StartedAt, patch.CompletedAt, patch.ActualDuration,
	)
	updated, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Node{}, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		s.logger.Error("Failed to update node", zap.String("node_id", nodeID), zap.Error(err))
		return Node{}, fmt.Errorf("update node: %w", err)
	}
	s.logger.Info("Node status updated",
		zap.String("node_id", nodeID),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}

func (s *PostgresStore) DeleteNode(ctx context.Context, nodeID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM roadmap_nodes WHERE id=$1`, nodeID)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	return nil
}

// FetchMember returns the membership row for (project, user), or nil when
// the user is not a member.
func (s *PostgresStore) FetchMember(ctx context.Context, projectID, userID string) (*Member, error) {
	var item Member
	err := s.pool.QueryRow(ctx, `
		SELECT `+memberColumns+`
		FROM project_members
		WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(
		&item.ID,
		&item.ProjectID,
		&item.UserID,
		&item.Role,
		&item.CanEdit,
		&item.CategoryIDs,
		&item.Restricted,
		&item.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch member: %w", err)
	}
	return &item, nil
}

// UpsertMember stores a membership. CategoryIDs is written as NULL unless
// the member is Restricted.
func (s *PostgresStore) UpsertMember(ctx context.Context, item Member) error {
	var categoryIDs []string
	if item.Restricted {
		categoryIDs = item.CategoryIDs
		if categoryIDs == nil {
			categoryIDs = []string{}
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO project_members (id, project_id, user_id, role, can_edit, category_ids)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, user_id) DO UPDATE
		SET role=EXCLUDED.role, can_edit=EXCLUDED.can_edit, category_ids=EXCLUDED.category_ids
	`, item.ID, item.ProjectID, item.UserID, item.Role, item.CanEdit, categoryIDs)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanNode(row pgx.Row) (Node, error) {
	var item Node
	err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.CategoryID,
		&item.Title,
		&item.Description,
		&item.TechnicalNotes,
		&item.Rationale,
		&item.Priority,
		&item.Status,
		&item.OrderIndex,
		&item.EstimatedDuration,
		&item.ActualDuration,
		&item.StartedAt,
		&item.CompletedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Node{}, err
		}
		return Node{}, fmt.Errorf("scan node: %w", err)
	}
	return item, nil
}
