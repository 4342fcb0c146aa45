package dashboard

import (
	"roadmap/api/internal/access"
	"roadmap/api/internal/store"
)

// View is a read-only copy of the State for rendering.
type View struct {
	Project        store.Project     `json:"project"`
	Permission     access.Permission `json:"permission"`
	Categories     []store.Category  `json:"categories"`
	Nodes          []store.Node      `json:"nodes"`
	SelectedNodeID string            `json:"selected_node_id,omitempty"`
	ViewMode       ViewMode          `json:"view_mode"`
	Loading        bool              `json:"loading"`
	Error          string            `json:"error,omitempty"`
	// Stale is set when the last reload failed and Nodes are from an
	// earlier load.
	Stale    bool     `json:"stale"`
	Progress Progress `json:"progress"`
}

type Progress struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Percent    int `json:"percent"`
}

// Columns groups nodes by status for the kanban view, keeping list order.
func (v View) Columns() map[store.NodeStatus][]store.Node {
	columns := map[store.NodeStatus][]store.Node{
		store.NodePending:    {},
		store.NodeInProgress: {},
		store.NodeDone:       {},
	}
	for _, node := range v.Nodes {
		columns[node.Status] = append(columns[node.Status], node)
	}
	return columns
}

// NodesIn returns the nodes of one category in list order.
func (v View) NodesIn(categoryID string) []store.Node {
	var out []store.Node
	for _, node := range v.Nodes {
		if node.CategoryID != nil && *node.CategoryID == categoryID {
			out = append(out, node)
		}
	}
	return out
}

func (s *State) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := View{
		Project:        s.project,
		Permission:     s.permission,
		Categories:     append([]store.Category{}, s.categories...),
		Nodes:          make([]store.Node, 0, len(s.order)),
		SelectedNodeID: s.selectedNodeID,
		ViewMode:       s.viewMode,
		Loading:        s.loading,
	}
	if s.lastErr != nil {
		view.Error = s.lastErr.Error()
		view.Stale = s.loaded
	}
	for _, id := range s.order {
		node := s.nodes[id]
		view.Nodes = append(view.Nodes, node)
		switch node.Status {
		case store.NodeInProgress:
			view.Progress.InProgress++
		case store.NodeDone:
			view.Progress.Done++
		default:
			view.Progress.Pending++
		}
	}
	view.Progress.Total = len(view.Nodes)
	if view.Progress.Total > 0 {
		view.Progress.Percent = view.Progress.Done * 100 / view.Progress.Total
	}
	return view
}
