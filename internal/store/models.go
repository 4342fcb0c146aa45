package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type ProjectStatus string

const (
	ProjectPlanning  ProjectStatus = "planning"
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
)

type NodeStatus string

const (
	NodePending    NodeStatus = "pending"
	NodeInProgress NodeStatus = "in_progress"
	NodeDone       NodeStatus = "done"
)

// Valid reports whether s is one of the known node statuses.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodePending, NodeInProgress, NodeDone:
		return true
	default:
		return false
	}
}

type Project struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"user_id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Domain      string        `json:"domain"`
	Status      ProjectStatus `json:"status"`
	IsPublic    bool          `json:"is_public"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type Category struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Color         string    `json:"color"`
	Icon          string    `json:"icon"`
	OrderIndex    int       `json:"order_index"`
	IsAIGenerated bool      `json:"is_ai_generated"`
	CreatedAt     time.Time `json:"created_at"`
}

// Node is a single roadmap step. JSON tags match the roadmap_nodes column
// names so rows serialized by the notify trigger decode directly.
type Node struct {
	ID                string     `json:"id"`
	ProjectID         string     `json:"project_id"`
	CategoryID        *string    `json:"category_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	TechnicalNotes    string     `json:"technical_notes"`
	Rationale         string     `json:"rationale"`
	Priority          int        `json:"priority"`
	Status            NodeStatus `json:"status"`
	OrderIndex        int        `json:"order_index"`
	EstimatedDuration *int       `json:"estimated_duration"`
	ActualDuration    *int       `json:"actual_duration"`
	StartedAt         *time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NodePatch carries the status columns of a node. All four fields are
// written as given; a nil pointer clears the column.
type NodePatch struct {
	Status         NodeStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ActualDuration *int
}

// Member grants a non-owner user access to a project. Restricted is false
// when category_ids is NULL, meaning every category is visible. A
// restricted member with no CategoryIDs sees no categories at all.
type Member struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	CanEdit     bool      `json:"can_edit"`
	Restricted  bool      `json:"restricted"`
	CategoryIDs []string  `json:"category_ids"`
	CreatedAt   time.Time `json:"created_at"`
}
