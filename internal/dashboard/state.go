// Package dashboard holds the per-session view of a project roadmap: the
// visible categories and nodes, the selection and the display mode. All
// mutation goes through State methods, which serialize the change feed and
// user actions behind one mutex.
package dashboard

import (
	"errors"
	"sync"

	"roadmap/api/internal/access"
	"roadmap/api/internal/feed"
	"roadmap/api/internal/roadmap"
	"roadmap/api/internal/store"
)

var (
	ErrUnknownNode     = errors.New("node not in view")
	ErrInvalidViewMode = errors.New("invalid view mode")
)

type ViewMode string

const (
	ViewRoadmap ViewMode = "roadmap"
	ViewKanban  ViewMode = "kanban"
	ViewList    ViewMode = "list"
)

func (m ViewMode) Valid() bool {
	switch m {
	case ViewRoadmap, ViewKanban, ViewList:
		return true
	default:
		return false
	}
}

type ChangeKind string

const (
	ChangeLoaded      ChangeKind = "loaded"
	ChangeNodeAdded   ChangeKind = "node_added"
	ChangeNodeUpdated ChangeKind = "node_updated"
	ChangeNodeRemoved ChangeKind = "node_removed"
	ChangeSelection   ChangeKind = "selection"
	ChangeViewMode    ChangeKind = "view_mode"
	ChangeError       ChangeKind = "error"
)

// Change tells watchers what part of the view moved. Watchers read the new
// content through Snapshot or Node.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	NodeID string     `json:"node_id,omitempty"`
}

const watchBuffer = 32

type State struct {
	mu sync.Mutex

	project    store.Project
	permission access.Permission

	categories []store.Category
	nodes      map[string]store.Node
	order      []string

	selectedNodeID string
	viewMode       ViewMode
	loading        bool
	loaded         bool
	lastErr        error
	closed         bool

	// events received before the first Load, or during a reload, replayed
	// over the next Load
	pending   []feed.Event
	reloading bool

	watchers map[int]chan Change
	nextID   int
}

func NewState(project store.Project, permission access.Permission) *State {
	return &State{
		project:    project,
		permission: permission,
		nodes:      make(map[string]store.Node),
		viewMode:   ViewRoadmap,
		loading:    true,
		watchers:   make(map[int]chan Change),
	}
}

// Load replaces the view content with snapshot, then replays any feed
// events that arrived before it. The selection survives if its node is
// still visible.
func (s *State) Load(snapshot roadmap.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.categories = append([]store.Category(nil), snapshot.Categories...)
	s.nodes = make(map[string]store.Node, len(snapshot.Nodes))
	s.order = make([]string, 0, len(snapshot.Nodes))
	for _, node := range snapshot.Nodes {
		if _, dup := s.nodes[node.ID]; !dup {
			s.order = append(s.order, node.ID)
		}
		s.nodes[node.ID] = node
	}
	s.loaded = true
	s.loading = false
	s.reloading = false
	s.lastErr = nil

	pending := s.pending
	s.pending = nil
	for _, event := range pending {
		s.applyLocked(event)
	}

	s.notifyLocked(Change{Kind: ChangeLoaded})
	if _, ok := s.nodes[s.selectedNodeID]; !ok && s.selectedNodeID != "" {
		s.selectedNodeID = ""
		s.notifyLocked(Change{Kind: ChangeSelection})
	}
}

// Apply folds one feed event into the view and reports whether the view
// changed. Events for nodes the permission cannot see are dropped. Before
// the first Load and during a reload events are buffered and Apply reports
// true.
func (s *State) Apply(event feed.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !s.loaded || s.reloading {
		s.pending = append(s.pending, event)
		return true
	}
	return s.applyLocked(event)
}

// PutNode writes node into the view as an update, ahead of the feed echo.
func (s *State) PutNode(node store.Node) bool {
	return s.Apply(feed.Event{Type: feed.Update, ProjectID: node.ProjectID, Node: node})
}

func (s *State) applyLocked(event feed.Event) bool {
	node := event.Node
	if node.ID == "" {
		return false
	}
	if event.ProjectID != "" && event.ProjectID != s.project.ID {
		return false
	}
	if node.ProjectID != "" && node.ProjectID != s.project.ID {
		return false
	}

	switch event.Type {
	case feed.Insert, feed.Update:
		if !s.permission.CanSee(node.CategoryID) {
			return s.removeLocked(node.ID)
		}
		if _, exists := s.nodes[node.ID]; exists {
			s.nodes[node.ID] = node
			s.notifyLocked(Change{Kind: ChangeNodeUpdated, NodeID: node.ID})
			return true
		}
		s.insertLocked(node)
		s.notifyLocked(Change{Kind: ChangeNodeAdded, NodeID: node.ID})
		return true
	case feed.Delete:
		return s.removeLocked(node.ID)
	default:
		return false
	}
}

// insertLocked places node before the first node with a higher
// OrderIndex.
func (s *State) insertLocked(node store.Node) {
	pos := len(s.order)
	for i, id := range s.order {
		if s.nodes[id].OrderIndex > node.OrderIndex {
			pos = i
			break
		}
	}
	s.order = append(s.order, "")
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = node.ID
	s.nodes[node.ID] = node
}

func (s *State) removeLocked(nodeID string) bool {
	if _, exists := s.nodes[nodeID]; !exists {
		return false
	}
	delete(s.nodes, nodeID)
	for i, id := range s.order {
		if id == nodeID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.notifyLocked(Change{Kind: ChangeNodeRemoved, NodeID: nodeID})
	if s.selectedNodeID == nodeID {
		s.selectedNodeID = ""
		s.notifyLocked(Change{Kind: ChangeSelection})
	}
	return true
}

func (s *State) Select(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[nodeID]; !ok {
		return ErrUnknownNode
	}
	s.selectedNodeID = nodeID
	s.notifyLocked(Change{Kind: ChangeSelection, NodeID: nodeID})
	return nil
}

func (s *State) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectedNodeID == "" {
		return
	}
	s.selectedNodeID = ""
	s.notifyLocked(Change{Kind: ChangeSelection})
}

func (s *State) SetViewMode(mode ViewMode) error {
	if !mode.Valid() {
		return ErrInvalidViewMode
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewMode = mode
	s.notifyLocked(Change{Kind: ChangeViewMode})
	return nil
}

// SetError records a failed load. Content already loaded stays in place.
func (s *State) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	s.loading = false
	if !s.loaded {
		// the next Load fetches after these events
		s.pending = nil
	}
	if s.reloading {
		s.reloading = false
		pending := s.pending
		s.pending = nil
		for _, event := range pending {
			s.applyLocked(event)
		}
	}
	s.notifyLocked(Change{Kind: ChangeError})
}

// BeginReload marks the view as loading again without discarding content.
// Feed events are buffered until the next Load or SetError, so a reload is
// not overtaken by the events that follow it.
func (s *State) BeginReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.loading = true
	s.reloading = s.loaded
}


func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *State) Node(nodeID string) (store.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	return node, ok
}

func (s *State) Permission() access.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission
}

func (s *State) Project() store.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

func (s *State) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Watch returns a channel of changes and a function that stops it. A
// watcher that falls behind misses changes and should re-read Snapshot.
func (s *State) Watch() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Change, watchBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if w, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(w)
			}
		})
	}
}

func (s *State) notifyLocked(change Change) {
	for _, ch := range s.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

// Close detaches every watcher. Later loads and events are ignored.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.pending = nil
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
}
