package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"roadmap/api/internal/access"
	"roadmap/api/internal/auth"
	"roadmap/api/internal/clock"
	"roadmap/api/internal/config"
	"roadmap/api/internal/dashboard"
	"roadmap/api/internal/feed"
	"roadmap/api/internal/metrics"
	"roadmap/api/internal/roadmap"
	"roadmap/api/internal/store"
	"roadmap/api/internal/transition"
	"roadmap/api/internal/util"
)

type dataStore interface {
	GetProject(context.Context, string) (store.Project, error)
	FetchCategories(context.Context, string) ([]store.Category, error)
	FetchNodes(context.Context, string) ([]store.Node, error)
	FetchMember(context.Context, string, string) (*store.Member, error)
	UpdateNode(context.Context, string, store.NodePatch) (store.Node, error)
	Ping(context.Context) error
}

// Dashboard is one user's open view of one project, kept current by its
// own feed subscription.
type Dashboard struct {
	ID        string
	ProjectID string
	UserID    string
	State     *dashboard.State

	subscriber *feed.Subscriber
	closeOnce  sync.Once

	// guarded by Service.mu
	watchers   int
	lastUsed   time.Time
	resolvedAt time.Time
}

func (d *Dashboard) close() {
	d.closeOnce.Do(func() {
		_ = d.subscriber.Close()
		d.State.Close()
	})
}

// errPermissionChanged reports that a dashboard was closed because the
// user's access no longer matches the permission it was opened with.
var errPermissionChanged = errors.New("permission changed")

type dashboardKey struct {
	projectID string
	userID    string
}

type Service struct {
	cfg      config.Config
	store    dataStore
	feed     feed.Source
	resolver *access.Resolver
	adapter  *roadmap.Adapter
	engine   *transition.Engine
	clock    clock.Clock
	logger   *zap.Logger

	mu         sync.Mutex
	dashboards map[dashboardKey]*Dashboard
}

type Option func(*serviceOptions)

type serviceOptions struct {
	notifier transition.Notifier
	clock    clock.Clock
}

// WithNotifier publishes successful status changes.
func WithNotifier(n transition.Notifier) Option {
	return func(o *serviceOptions) { o.notifier = n }
}

func WithClock(c clock.Clock) Option {
	return func(o *serviceOptions) { o.clock = c }
}

func New(cfg config.Config, dataStore dataStore, source feed.Source, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	options := serviceOptions{clock: clock.Real()}
	for _, opt := range opts {
		opt(&options)
	}

	engineOpts := []transition.Option{
		transition.WithClock(options.clock),
		transition.AllowReopen(cfg.AllowReopen),
	}
	if options.notifier != nil {
		engineOpts = append(engineOpts, transition.WithNotifier(options.notifier))
	}

	return &Service{
		cfg:   cfg,
		store: dataStore,
		feed:  source,
		resolver: access.NewResolver(dataStore, access.LookupPolicy{
			Attempts: cfg.MemberLookupAttempts,
			Delay:    cfg.MemberLookupDelay,
		}, logger.Named("access"), access.WithClock(options.clock)),
		adapter:    roadmap.NewAdapter(dataStore, logger.Named("roadmap")),
		engine:     transition.NewEngine(dataStore, logger.Named("transition"), engineOpts...),
		clock:      options.clock,
		logger:     logger,
		dashboards: make(map[dashboardKey]*Dashboard),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// UserFromToken returns the user named by a bearer token.
func (s *Service) UserFromToken(token string) (string, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return "", err
	}
	return claims.UserID(), nil
}

// Open returns the user's dashboard for the project, opening it if needed.
// Opening resolves access, subscribes to the change feed and then loads
// the roadmap; events arriving during the load are replayed over it.
func (s *Service) Open(ctx context.Context, projectID, userID string) (*Dashboard, error) {
	d, _, err := s.open(ctx, projectID, userID)
	return d, err
}

// open reports whether the dashboard was opened by this call, in which
// case its permission is fresh.
func (s *Service) open(ctx context.Context, projectID, userID string) (*Dashboard, bool, error) {
	key := dashboardKey{projectID: projectID, userID: userID}
	s.mu.Lock()
	if existing, ok := s.dashboards[key]; ok {
		existing.lastUsed = s.clock.Now()
		s.mu.Unlock()
		return existing, false, nil
	}
	s.mu.Unlock()

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, false, err
	}
	perm, err := s.resolver.Resolve(ctx, project, userID)
	if err != nil {
		return nil, false, err
	}

	state := dashboard.NewState(project, perm)
	subOpts := []feed.SubscriberOption{
		feed.WithResync(func(ctx context.Context) { s.load(ctx, state, projectID) }),
	}
	if s.cfg.FeedReconnect {
		subOpts = append(subOpts, feed.WithReconnect())
	}
	d := &Dashboard{
		ID:        util.NewID("dash"),
		ProjectID: projectID,
		UserID:    userID,
		State:     state,
		subscriber: feed.NewSubscriber(s.feed, projectID, state,
			s.logger.With(zap.String("project_id", projectID), zap.String("user_id", userID)),
			subOpts...),
	}

	if err := d.subscriber.Start(ctx); err != nil {
		s.logger.Warn("Change feed unavailable, dashboard will not update live",
			zap.String("project_id", projectID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	snapshot, err := s.adapter.Load(ctx, projectID, perm)
	if err != nil {
		d.close()
		return nil, false, err
	}
	state.Load(snapshot)

	s.mu.Lock()
	now := s.clock.Now()
	if existing, ok := s.dashboards[key]; ok {
		existing.lastUsed = now
		s.mu.Unlock()
		d.close()
		return existing, false, nil
	}
	d.lastUsed = now
	d.resolvedAt = now
	s.dashboards[key] = d
	s.mu.Unlock()

	metrics.OpenDashboards.Inc()
	s.logger.Info("Dashboard opened",
		zap.String("dashboard_id", d.ID),
		zap.String("project_id", projectID),
		zap.String("user_id", userID),
		zap.String("role", string(perm.Role)),
		zap.Bool("restricted", perm.Restricted),
	)
	return d, true, nil
}

// current returns the user's dashboard with access resolved during this
// call. A dashboard whose permission changed is replaced by a fresh one; a
// revoked user gets the resolver's error and loses the dashboard.
func (s *Service) current(ctx context.Context, projectID, userID string) (*Dashboard, error) {
	d, fresh, err := s.open(ctx, projectID, userID)
	if err != nil || fresh {
		return d, err
	}
	err = s.revalidate(ctx, d)
	if errors.Is(err, errPermissionChanged) {
		d, _, err = s.open(ctx, projectID, userID)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// revalidate resolves the dashboard user's access again. The dashboard is
// evicted when access was revoked or no longer matches its permission.
// Store failures leave it open.
func (s *Service) revalidate(ctx context.Context, d *Dashboard) error {
	perm, err := s.resolver.Resolve(ctx, d.State.Project(), d.UserID)
	if errors.Is(err, access.ErrAccessDenied) {
		s.evict(d, "access revoked")
		return err
	}
	if err != nil {
		return err
	}
	if !perm.Equal(d.State.Permission()) {
		s.evict(d, "permission changed")
		return errPermissionChanged
	}
	s.mu.Lock()
	d.resolvedAt = s.clock.Now()
	s.mu.Unlock()
	return nil
}

// View returns the current view. refresh re-resolves access and reloads
// the roadmap first; a failed reload keeps the previous content and marks
// the view stale.
func (s *Service) View(ctx context.Context, projectID, userID string, refresh bool) (dashboard.View, error) {
	var (
		d   *Dashboard
		err error
	)
	if refresh {
		d, err = s.current(ctx, projectID, userID)
	} else {
		d, err = s.Open(ctx, projectID, userID)
	}
	if err != nil {
		return dashboard.View{}, err
	}
	if refresh {
		s.load(ctx, d.State, projectID)
	}
	return d.State.Snapshot(), nil
}

// load refetches the roadmap into state. Feed events arriving meanwhile
// are replayed over the result.
func (s *Service) load(ctx context.Context, state *dashboard.State, projectID string) {
	state.BeginReload()
	snapshot, err := s.adapter.Load(ctx, projectID, state.Permission())
	if err != nil {
		s.logger.Warn("Dashboard reload failed", zap.String("project_id", projectID), zap.Error(err))
		state.SetError(err)
		return
	}
	state.Load(snapshot)
}

// SetStatus moves a node to status. Access is resolved again first, so a
// member whose grant was revoked or narrowed cannot keep writing.
func (s *Service) SetStatus(ctx context.Context, projectID, userID, nodeID string, status store.NodeStatus) (store.Node, error) {
	d, err := s.current(ctx, projectID, userID)
	if err != nil {
		return store.Node{}, err
	}
	return s.engine.Apply(ctx, d.State, userID, nodeID, status)
}

func (s *Service) Select(ctx context.Context, projectID, userID, nodeID string) (dashboard.View, error) {
	d, err := s.Open(ctx, projectID, userID)
	if err != nil {
		return dashboard.View{}, err
	}
	if nodeID == "" {
		d.State.ClearSelection()
	} else if err := d.State.Select(nodeID); err != nil {
		return dashboard.View{}, err
	}
	return d.State.Snapshot(), nil
}

func (s *Service) SetViewMode(ctx context.Context, projectID, userID string, mode dashboard.ViewMode) (dashboard.View, error) {
	d, err := s.Open(ctx, projectID, userID)
	if err != nil {
		return dashboard.View{}, err
	}
	if err := d.State.SetViewMode(mode); err != nil {
		return dashboard.View{}, err
	}
	return d.State.Snapshot(), nil
}

// Watch opens the dashboard and returns its change stream. The dashboard
// stays open while it has watchers; the stop function detaches this one and
// closes the dashboard when it was the last.
func (s *Service) Watch(ctx context.Context, projectID, userID string) (*Dashboard, <-chan dashboard.Change, func(), error) {
	d, err := s.Open(ctx, projectID, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	changes, detach := d.State.Watch()
	s.mu.Lock()
	d.watchers++
	s.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			detach()
			s.mu.Lock()
			d.watchers--
			last := d.watchers == 0
			d.lastUsed = s.clock.Now()
			s.mu.Unlock()
			if last {
				s.evict(d, "last watcher detached")
			}
		})
	}
	return d, changes, stop, nil
}

// Close tears down the user's dashboard. It reports whether one was open.
func (s *Service) Close(projectID, userID string) bool {
	s.mu.Lock()
	d, ok := s.dashboards[dashboardKey{projectID: projectID, userID: userID}]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.evict(d, "closed")
}

// evict closes d if it is still the registered dashboard for its key.
func (s *Service) evict(d *Dashboard, reason string) bool {
	key := dashboardKey{projectID: d.ProjectID, userID: d.UserID}
	s.mu.Lock()
	if s.dashboards[key] != d {
		s.mu.Unlock()
		return false
	}
	delete(s.dashboards, key)
	s.mu.Unlock()

	d.close()
	metrics.OpenDashboards.Dec()
	s.logger.Info("Dashboard closed",
		zap.String("dashboard_id", d.ID),
		zap.String("project_id", d.ProjectID),
		zap.String("user_id", d.UserID),
		zap.String("reason", reason),
	)
	return true
}

// Sweep closes dashboards that have had no watcher and no use for the idle
// TTL, and re-resolves access for watched dashboards whose permission is
// older than the TTL. It returns the number of dashboards closed.
func (s *Service) Sweep(ctx context.Context) int {
	ttl := s.cfg.DashboardIdleTTL
	if ttl <= 0 {
		return 0
	}
	now := s.clock.Now()
	var idle, stale []*Dashboard
	s.mu.Lock()
	for _, d := range s.dashboards {
		switch {
		case d.watchers == 0 && now.Sub(d.lastUsed) >= ttl:
			idle = append(idle, d)
		case d.watchers > 0 && now.Sub(d.resolvedAt) >= ttl:
			stale = append(stale, d)
		}
	}
	s.mu.Unlock()

	closed := 0
	for _, d := range idle {
		if s.evict(d, "idle") {
			closed++
		}
	}
	for _, d := range stale {
		err := s.revalidate(ctx, d)
		if errors.Is(err, access.ErrAccessDenied) || errors.Is(err, errPermissionChanged) {
			closed++
		} else if err != nil {
			s.logger.Warn("Dashboard access check failed",
				zap.String("dashboard_id", d.ID),
				zap.Error(err),
			)
		}
	}
	return closed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
			if n := s.Sweep(ctx); n > 0 {
				s.logger.Info("Swept dashboards", zap.Int("closed", n))
			}
		}
	}
}

// Shutdown closes every open dashboard.
func (s *Service) Shutdown() {
	s.mu.Lock()
	open := make([]*Dashboard, 0, len(s.dashboards))
	for _, d := range s.dashboards {
		open = append(open, d)
	}
	s.mu.Unlock()
	for _, d := range open {
		s.evict(d, "shutdown")
	}
}

// OpenDashboards returns the number of open dashboards.
func (s *Service) OpenDashboards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dashboards)
}
