package feed

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Hub fans events out to subscribers inside one process. A subscriber whose
// buffer is full is cut off: it receives what was already buffered, then its
// channel closes, so it never sees a stream with a hole in it.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*hubSubscription]struct{}
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: make(map[string]map[*hubSubscription]struct{}), logger: logger}
}

func (h *Hub) Subscribe(_ context.Context, projectID string) (Subscription, error) {
	sub := &hubSubscription{
		hub:       h,
		projectID: projectID,
		events:    make(chan Event, subscriptionBuffer),
	}
	h.mu.Lock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = make(map[*hubSubscription]struct{})
	}
	h.subs[projectID][sub] = struct{}{}
	h.mu.Unlock()
	return sub, nil
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	var overflowed []*hubSubscription
	h.mu.RLock()
	for sub := range h.subs[event.ProjectID] {
		if sub.overflowed.Load() {
			continue
		}
		select {
		case sub.events <- event:
		default:
			sub.overflowed.Store(true)
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		h.logger.Warn("Ending feed subscription for slow subscriber",
			zap.String("project_id", event.ProjectID),
			zap.String("node_id", event.Node.ID),
		)
		_ = sub.Close()
	}
	return nil
}

// Subscribers returns the number of open subscriptions for projectID.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[projectID])
}

func (h *Hub) remove(sub *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[sub.projectID], sub)
	if len(h.subs[sub.projectID]) == 0 {
		delete(h.subs, sub.projectID)
	}
	close(sub.events)
}

type hubSubscription struct {
	hub       *Hub
	projectID string
	events    chan Event
	closeOnce sync.Once
	// set once an event could not be buffered; nothing is sent after it
	overflowed atomic.Bool
}

func (s *hubSubscription) Events() <-chan Event { return s.events }

func (s *hubSubscription) Close() error {
	s.closeOnce.Do(func() { s.hub.remove(s) })
	return nil
}
