// Package feed delivers node change events for a project to open
// dashboards. Events come from Postgres LISTEN/NOTIFY, directly or relayed
// through Redis pub/sub or an in-process hub.
package feed

import (
	"context"
	"sync"

	"roadmap/api/internal/store"
)

type EventType string

const (
	Insert EventType = "insert"
	Update EventType = "update"
	Delete EventType = "delete"
)

func (t EventType) Valid() bool {
	switch t {
	case Insert, Update, Delete:
		return true
	default:
		return false
	}
}

// Event is one node change. For deletes only Node.ID, Node.ProjectID and
// Node.CategoryID are guaranteed to be set.
type Event struct {
	Type      EventType  `json:"type"`
	ProjectID string     `json:"project_id"`
	Node      store.Node `json:"node"`
}

// Subscription is an open stream of events for one project. Events is
// closed when the subscription ends, whether by Close or by the source
// dropping. Close is safe to call more than once.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Source opens subscriptions. ctx bounds the subscribe call only; the
// subscription lives until Close or until the source drops it.
type Source interface {
	Subscribe(ctx context.Context, projectID string) (Subscription, error)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

const subscriptionBuffer = 64

// subscription is driven by a single producer goroutine that must call
// finish when it exits.
type subscription struct {
	ctx       context.Context
	cancel    context.CancelFunc
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(parent context.Context) *subscription {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &subscription{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, subscriptionBuffer),
		done:   make(chan struct{}),
	}
}

func (s *subscription) Events() <-chan Event { return s.events }

// deliver blocks until the event is queued or the subscription is closed.
func (s *subscription) deliver(event Event) bool {
	select {
	case s.events <- event:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *subscription) finish() {
	close(s.events)
	close(s.done)
}

func (s *subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}
