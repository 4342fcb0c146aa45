package feed

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"roadmap/api/internal/clock"
	"roadmap/api/internal/metrics"
)

// ErrSubscriberClosed is returned by Start on a closed Subscriber.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Applier receives events in the order they arrive.
type Applier interface {
	Apply(event Event) bool
}

// Subscriber feeds one project's events into an Applier until closed.
type Subscriber struct {
	source    Source
	projectID string
	target    Applier
	logger    *zap.Logger
	clock     clock.Clock
	reconnect bool
	resync    func(ctx context.Context)

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type SubscriberOption func(*Subscriber)

// WithReconnect resubscribes with exponential backoff after the source
// drops. Events missed while disconnected are only recovered through
// WithResync.
func WithReconnect() SubscriberOption {
	return func(s *Subscriber) { s.reconnect = true }
}

// WithResync runs fn after every successful resubscribe, before further
// events are applied.
func WithResync(fn func(ctx context.Context)) SubscriberOption {
	return func(s *Subscriber) { s.resync = fn }
}

func WithSubscriberClock(c clock.Clock) SubscriberOption {
	return func(s *Subscriber) { s.clock = c }
}

func NewSubscriber(source Source, projectID string, target Applier, logger *zap.Logger, opts ...SubscriberOption) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subscriber{
		source:    source,
		projectID: projectID,
		target:    target,
		logger:    logger,
		clock:     clock.Real(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the subscription and begins applying events in the
// background. The subscription is open when Start returns, so a load
// performed afterwards cannot miss a change made in between.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	if s.started {
		return nil
	}

	sub, err := s.source.Subscribe(ctx, s.projectID)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.started = true
	go s.run(runCtx, sub)
	return nil
}

func (s *Subscriber) run(ctx context.Context, sub Subscription) {
	defer close(s.done)
	backoff := initialBackoff

	for {
		delivered := s.drain(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			s.logger.Debug("Change feed closed", zap.String("project_id", s.projectID))
			return
		}

		s.logger.Warn("Change feed dropped", zap.String("project_id", s.projectID))
		if !s.reconnect {
			return
		}
		if delivered {
			backoff = initialBackoff
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(backoff):
			}
			backoff = nextBackoff(backoff)
			metrics.FeedReconnects.WithLabelValues("subscriber").Inc()

			next, err := s.source.Subscribe(ctx, s.projectID)
			if err == nil {
				sub = next
				s.logger.Info("Change feed reconnected", zap.String("project_id", s.projectID))
				if s.resync != nil {
					s.resync(ctx)
				}
				break
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Change feed reconnect failed",
				zap.String("project_id", s.projectID),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		}
	}
}

// drain applies events until the subscription ends or ctx is cancelled.
// It reports whether at least one event arrived.
func (s *Subscriber) drain(ctx context.Context, sub Subscription) bool {
	delivered := false
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return delivered
		case event, ok := <-events:
			if !ok {
				return delivered
			}
			delivered = true
			applied := s.target.Apply(event)
			metrics.RecordFeedEvent(string(event.Type), applied)
		}
	}
}

// Done is closed once the background loop has exited and its subscription
// has been released.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close stops the loop and waits for teardown. It may be called any
// number of times, before or after Start.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	if !started {
		close(s.done)
		return nil
	}
	cancel()
	<-s.done
	return nil
}
