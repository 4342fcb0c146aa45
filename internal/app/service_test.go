package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadmap/api/internal/access"
	"roadmap/api/internal/clock"
	"roadmap/api/internal/config"
	"roadmap/api/internal/dashboard"
	"roadmap/api/internal/feed"
	"roadmap/api/internal/roadmap"
	"roadmap/api/internal/store"
	"roadmap/api/internal/transition"
)

const testSecret = "test-secret"

type fakeStore struct {
	mu sync.Mutex

	getProjectFn      func(context.Context, string) (store.Project, error)
	fetchCategoriesFn func(context.Context, string) ([]store.Category, error)
	fetchNodesFn      func(context.Context, string) ([]store.Node, error)
	fetchMemberFn     func(context.Context, string, string) (*store.Member, error)
	updateNodeFn      func(context.Context, string, store.NodePatch) (store.Node, error)
	pingFn            func(context.Context) error

	memberCalls int
}

func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{}, store.ErrNotFound
}

func (f *fakeStore) FetchCategories(ctx context.Context, projectID string) ([]store.Category, error) {
	if f.fetchCategoriesFn != nil {
		return f.fetchCategoriesFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) FetchNodes(ctx context.Context, projectID string) ([]store.Node, error) {
	if f.fetchNodesFn != nil {
		return f.fetchNodesFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) FetchMember(ctx context.Context, projectID, userID string) (*store.Member, error) {
	f.mu.Lock()
	f.memberCalls++
	f.mu.Unlock()
	if f.fetchMemberFn != nil {
		return f.fetchMemberFn(ctx, projectID, userID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateNode(ctx context.Context, nodeID string, patch store.NodePatch) (store.Node, error) {
	if f.updateNodeFn != nil {
		return f.updateNodeFn(ctx, nodeID, patch)
	}
	return store.Node{}, store.ErrNotFound
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) memberLookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memberCalls
}

type fakeNotifier struct {
	mu      sync.Mutex
	changes []transition.StatusChange
}

func (f *fakeNotifier) NodeStatusChanged(_ context.Context, change transition.StatusChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change)
	return nil
}

func strPtr(s string) *string { return &s }

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// seededStore holds project p1 owned by owner-1 with a Backend and a Design
// category, and an editor u-editor restricted to Backend.
func seededStore() *fakeStore {
	nodes := map[string]store.Node{
		"api":    {ID: "api", ProjectID: "p1", CategoryID: strPtr("backend"), Title: "API", Status: store.NodePending, OrderIndex: 1},
		"mockup": {ID: "mockup", ProjectID: "p1", CategoryID: strPtr("design"), Title: "Mockups", Status: store.NodePending, OrderIndex: 2},
	}
	var mu sync.Mutex
	return &fakeStore{
		getProjectFn: func(_ context.Context, projectID string) (store.Project, error) {
			if projectID != "p1" {
				return store.Project{}, store.ErrNotFound
			}
			return store.Project{ID: "p1", OwnerID: "owner-1", Name: "Launch"}, nil
		},
		fetchCategoriesFn: func(context.Context, string) ([]store.Category, error) {
			return []store.Category{
				{ID: "backend", ProjectID: "p1", Name: "Backend", OrderIndex: 1},
				{ID: "design", ProjectID: "p1", Name: "Design", OrderIndex: 2},
			}, nil
		},
		fetchNodesFn: func(context.Context, string) ([]store.Node, error) {
			mu.Lock()
			defer mu.Unlock()
			return []store.Node{nodes["api"], nodes["mockup"]}, nil
		},
		fetchMemberFn: func(_ context.Context, _, userID string) (*store.Member, error) {
			switch userID {
			case "u-editor":
				return &store.Member{Role: "editor", CanEdit: true, Restricted: true, CategoryIDs: []string{"backend"}}, nil
			case "u-viewer":
				return &store.Member{Role: "viewer"}, nil
			}
			return nil, nil
		},
		updateNodeFn: func(_ context.Context, nodeID string, patch store.NodePatch) (store.Node, error) {
			mu.Lock()
			defer mu.Unlock()
			node, ok := nodes[nodeID]
			if !ok {
				return store.Node{}, store.ErrNotFound
			}
			node.Status = patch.Status
			node.StartedAt = patch.StartedAt
			node.CompletedAt = patch.CompletedAt
			node.ActualDuration = patch.ActualDuration
			nodes[nodeID] = node
			return node, nil
		},
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.JWTSecret = testSecret
	cfg.FeedReconnect = false
	return cfg
}

func newTestService(t *testing.T, fs *fakeStore, opts ...Option) (*Service, *feed.Hub) {
	t.Helper()
	hub := feed.NewHub(nil)
	opts = append([]Option{WithClock(clock.NewFake(testNow))}, opts...)
	svc := New(testConfig(), fs, hub, nil, opts...)
	t.Cleanup(svc.Shutdown)
	return svc, hub
}

func viewNodeIDs(t *testing.T, svc *Service, projectID, userID string) []string {
	t.Helper()
	view, err := svc.View(context.Background(), projectID, userID, false)
	require.NoError(t, err)
	ids := make([]string, 0, len(view.Nodes))
	for _, n := range view.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestOpenOwnerSeesEverything(t *testing.T) {
	fs := seededStore()
	svc, _ := newTestService(t, fs)

	assert.Equal(t, []string{"api", "mockup"}, viewNodeIDs(t, svc, "p1", "owner-1"))
	assert.Zero(t, fs.memberLookups())
}

func TestOpenRestrictedEditorSeesAllowedCategoryOnly(t *testing.T) {
	svc, _ := newTestService(t, seededStore())

	view, err := svc.View(context.Background(), "p1", "u-editor", false)
	require.NoError(t, err)
	require.Len(t, view.Categories, 1)
	assert.Equal(t, "Backend", view.Categories[0].Name)
	assert.Equal(t, []string{"api"}, viewNodeIDs(t, svc, "p1", "u-editor"))
}

func TestOpenReusesDashboard(t *testing.T) {
	svc, hub := newTestService(t, seededStore())

	first, err := svc.Open(context.Background(), "p1", "owner-1")
	require.NoError(t, err)
	second, err := svc.Open(context.Background(), "p1", "owner-1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, svc.OpenDashboards())
	assert.Equal(t, 1, hub.Subscribers("p1"))
}

func TestOpenUnknownProject(t *testing.T) {
	svc, _ := newTestService(t, seededStore())

	_, err := svc.Open(context.Background(), "missing", "owner-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOpenStrangerIsDeniedAfterRetries(t *testing.T) {
	fs := seededStore()
	svc, hub := newTestService(t, fs)

	_, err := svc.Open(context.Background(), "p1", "stranger")
	assert.ErrorIs(t, err, access.ErrAccessDenied)
	assert.Equal(t, 3, fs.memberLookups())
	assert.Zero(t, svc.OpenDashboards())
	assert.Zero(t, hub.Subscribers("p1"))
}

func TestOpenFetchFailureIsNotKept(t *testing.T) {
	fs := seededStore()
	fs.fetchNodesFn = func(context.Context, string) ([]store.Node, error) {
		return nil, errors.New("connection refused")
	}
	svc, hub := newTestService(t, fs)

	_, err := svc.Open(context.Background(), "p1", "owner-1")
	assert.True(t, roadmap.IsFetchError(err))
	assert.Zero(t, svc.OpenDashboards())
	assert.Zero(t, hub.Subscribers("p1"))
}

func TestOpenContinuesWithoutFeed(t *testing.T) {
	fs := seededStore()
	source := feedFunc(func(context.Context, string) (feed.Subscription, error) {
		return nil, errors.New("listen: too many connections")
	})
	svc := New(testConfig(), fs, source, nil, WithClock(clock.NewFake(testNow)))
	defer svc.Shutdown()

	assert.Equal(t, []string{"api", "mockup"}, viewNodeIDs(t, svc, "p1", "owner-1"))
}

type feedFunc func(context.Context, string) (feed.Subscription, error)

func (f feedFunc) Subscribe(ctx context.Context, projectID string) (feed.Subscription, error) {
	return f(ctx, projectID)
}

func TestFeedEventsReachOpenDashboard(t *testing.T) {
	svc, hub := newTestService(t, seededStore())
	d, err := svc.Open(context.Background(), "p1", "owner-1")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(context.Background(), feed.Event{
		Type:      feed.Insert,
		ProjectID: "p1",
		Node:      store.Node{ID: "deploy", ProjectID: "p1", CategoryID: strPtr("backend"), OrderIndex: 3},
	}))

	require.Eventually(t, func() bool {
		_, ok := d.State.Node("deploy")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestrictedDashboardDropsForeignEvents(t *testing.T) {
	svc, hub := newTestService(t, seededStore())
	d, err := svc.Open(context.Background(), "p1", "u-editor")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, hub.Publish(ctx, feed.Event{Type: feed.Insert, ProjectID: "p1",
		Node: store.Node{ID: "banner", ProjectID: "p1", CategoryID: strPtr("design")}}))
	require.NoError(t, hub.Publish(ctx, feed.Event{Type: feed.Insert, ProjectID: "p1",
		Node: store.Node{ID: "loose", ProjectID: "p1"}}))
	require.NoError(t, hub.Publish(ctx, feed.Event{Type: feed.Insert, ProjectID: "p1",
		Node: store.Node{ID: "cache", ProjectID: "p1", CategoryID: strPtr("backend"), OrderIndex: 9}}))

	require.Eventually(t, func() bool {
		_, ok := d.State.Node("cache")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	_, banner := d.State.Node("banner")
	_, loose := d.State.Node("loose")
	assert.False(t, banner)
	assert.False(t, loose)
}

func TestSetStatusPersistsAndUpdatesView(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, _ := newTestService(t, seededStore(), WithNotifier(notifier))

	node, err := svc.SetStatus(context.Background(), "p1", "u-editor", "api", store.NodeInProgress)
	require.NoError(t, err)
	assert.Equal(t, store.NodeInProgress, node.Status)
	require.NotNil(t, node.StartedAt)
	assert.Equal(t, testNow, *node.StartedAt)

	d, err := svc.Open(context.Background(), "p1", "u-editor")
	require.NoError(t, err)
	inView, ok := d.State.Node("api")
	require.True(t, ok)
	assert.Equal(t, store.NodeInProgress, inView.Status)

	require.Len(t, notifier.changes, 1)
	assert.Equal(t, "u-editor", notifier.changes[0].UserID)
}

func TestSetStatusViewerIsDenied(t *testing.T) {
	fs := seededStore()
	updates := 0
	update := fs.updateNodeFn
	fs.updateNodeFn = func(ctx context.Context, nodeID string, patch store.NodePatch) (store.Node, error) {
		updates++
		return update(ctx, nodeID, patch)
	}
	svc, _ := newTestService(t, fs)

	_, err := svc.SetStatus(context.Background(), "p1", "u-viewer", "api", store.NodeDone)
	assert.ErrorIs(t, err, transition.ErrPermissionDenied)
	assert.Zero(t, updates)
}

func TestSetStatusOnHiddenNode(t *testing.T) {
	svc, _ := newTestService(t, seededStore())

	_, err := svc.SetStatus(context.Background(), "p1", "u-editor", "mockup", store.NodeDone)
	assert.ErrorIs(t, err, dashboard.ErrUnknownNode)
}

func TestCloseTearsDownSubscription(t *testing.T) {
	svc, hub := newTestService(t, seededStore())
	d, err := svc.Open(context.Background(), "p1", "owner-1")
	require.NoError(t, err)
	require.Equal(t, 1, hub.Subscribers("p1"))

	assert.True(t, svc.Close("p1", "owner-1"))
	assert.False(t, svc.Close("p1", "owner-1"))
	assert.Zero(t, hub.Subscribers("p1"))

	// late events for a closed dashboard are dropped
	require.NoError(t, hub.Publish(context.Background(), feed.Event{Type: feed.Insert, ProjectID: "p1",
		Node: store.Node{ID: "late", ProjectID: "p1", CategoryID: strPtr("backend")}}))
	_, ok := d.State.Node("late")
	assert.False(t, ok)
}

func TestViewRefreshFailureKeepsLastKnownGood(t *testing.T) {
	fs := seededStore()
	svc, _ := newTestService(t, fs)
	_, err := svc.Open(context.Background(), "p1", "owner-1")
	require.NoError(t, err)

	fs.fetchNodesFn = func(context.Context, string) ([]store.Node, error) {
		return nil, errors.New("timeout")
	}
	view, err := svc.View(context.Background(), "p1", "owner-1", true)
	require.NoError(t, err)
	assert.Len(t, view.Nodes, 2)
	assert.True(t, view.Stale)
	assert.NotEmpty(t, view.Error)
}

func TestShutdownClosesAll(t *testing.T) {
	svc, hub := newTestService(t, seededStore())
	_, err := svc.Open(context.Background(), "p1", "owner-1")
	require.NoError(t, err)
	_, err = svc.Open(context.Background(), "p1", "u-editor")
	require.NoError(t, err)

	svc.Shutdown()
	assert.Zero(t, svc.OpenDashboards())
	assert.Zero(t, hub.Subscribers("p1"))
}

func TestRevokedMemberCannotSetStatus(t *testing.T) {
	fs := seededStore()
	updates := 0
	update := fs.updateNodeFn
	fs.updateNodeFn = func(ctx context.Context, nodeID string, patch store.NodePatch) (store.Node, error) {
		updates++
		return update(ctx, nodeID, patch)
	}
	svc, hub := newTestService(t, fs)
	_, err := svc.Open(context.Background(), "p1", "u-editor")
	require.NoError(t, err)

	fs.fetchMemberFn = func(context.Context, string, string) (*store.Member, error) { return nil, nil }

	_, err = svc.SetStatus(context.Background(), "p1", "u-editor", "api", store.NodeDone)
	assert.ErrorIs(t, err, access.ErrAccessDenied)
	assert.Zero(t, updates)
	assert.Zero(t, svc.OpenDashboards())
	assert.Zero(t, hub.Subscribers("p1"))
}

func TestNarrowedGrantReplacesDashboard(t *testing.T) {
	fs := seededStore()
	svc, hub := newTestService(t, fs)
	before, err := svc.Open(context.Background(), "p1", "u-editor")
	require.NoError(t, err)

	fs.fetchMemberFn = func(context.Context, string, string) (*store.Member, error) {
		return &store.Member{Role: "editor", CanEdit: false, Restricted: true, CategoryIDs: []string{"backend"}}, nil
	}

	_, err = svc.SetStatus(context.Background(), "p1", "u-editor", "api", store.NodeDone)
	assert.ErrorIs(t, err, transition.ErrPermissionDenied)

	after, err := svc.Open(context.Background(), "p1", "u-editor")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.False(t, after.State.Permission().CanEdit)
	assert.Equal(t, 1, svc.OpenDashboards())
	assert.Equal(t, 1, hub.Subscribers("p1"))
}

func TestSetStatusLooksUpMemberOncePerWrite(t *testing.T) {
	fs := seededStore()
	svc, _ := newTestService(t, fs)

	_, err := svc.SetStatus(context.Background(), "p1", "u-editor", "api", store.NodeInProgress)
	require.NoError(t, err)
	assert.Equal(t, 1, fs.memberLookups())

	_, err = svc.SetStatus(context.Background(), "p1", "u-editor", "api", store.NodeDone)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.memberLookups())
}

func TestLastWatcherDetachClosesDashboard(t *testing.T) {
	svc, hub := newTestService(t, seededStore())

	_, _, stopFirst, err := svc.Watch(context.Background(), "p1", "u-editor")
	require.NoError(t, err)
	_, changes, stopSecond, err := svc.Watch(context.Background(), "p1", "u-editor")
	require.NoError(t, err)

	stopFirst()
	stopFirst()
	assert.Equal(t, 1, svc.OpenDashboards())
	assert.Equal(t, 1, hub.Subscribers("p1"))

	stopSecond()
	assert.Zero(t, svc.OpenDashboards())
	assert.Zero(t, hub.Subscribers("p1"))
	_, open := <-changes
	assert.False(t, open)
}

func TestSweepClosesIdleDashboards(t *testing.T) {
	fake := clock.NewFake(testNow)
	svc, hub := newTestService(t, seededStore(), WithClock(fake))
	_, err := svc.Open(context.Background(), "p1", "owner-1")
	require.NoError(t, err)
	_, err = svc.Open(context.Background(), "p1", "u-editor")
	require.NoError(t, err)

	fake.Advance(9 * time.Minute)
	assert.Zero(t, svc.Sweep(context.Background()))
	_, err = svc.Open(context.Background(), "p1", "owner-1")
	require.NoError(t, err)

	fake.Advance(2 * time.Minute)
	assert.Equal(t, 1, svc.Sweep(context.Background()))
	assert.Equal(t, 1, svc.OpenDashboards())

	fake.Advance(10 * time.Minute)
	assert.Equal(t, 1, svc.Sweep(context.Background()))
	assert.Zero(t, svc.OpenDashboards())
	assert.Zero(t, hub.Subscribers("p1"))
}

func TestSweepRechecksAccessOfWatchedDashboards(t *testing.T) {
	fake := clock.NewFake(testNow)
	fs := seededStore()
	svc, hub := newTestService(t, fs, WithClock(fake))
	_, changes, stop, err := svc.Watch(context.Background(), "p1", "u-editor")
	require.NoError(t, err)
	defer stop()

	fake.Advance(11 * time.Minute)
	assert.Zero(t, svc.Sweep(context.Background()))
	assert.Equal(t, 1, svc.OpenDashboards())

	fs.fetchMemberFn = func(context.Context, string, string) (*store.Member, error) { return nil, nil }
	fake.Advance(11 * time.Minute)
	assert.Equal(t, 1, svc.Sweep(context.Background()))
	assert.Zero(t, svc.OpenDashboards())
	assert.Zero(t, hub.Subscribers("p1"))

	for range changes {
	}
}

func TestSweepDisabledWithoutTTL(t *testing.T) {
	fake := clock.NewFake(testNow)
	cfg := testConfig()
	cfg.DashboardIdleTTL = 0
	svc := New(cfg, seededStore(), feed.NewHub(nil), nil, WithClock(fake))
	defer svc.Shutdown()
	_, err := svc.Open(context.Background(), "p1", "owner-1")
	require.NoError(t, err)

	fake.Advance(24 * time.Hour)
	assert.Zero(t, svc.Sweep(context.Background()))
	assert.Equal(t, 1, svc.OpenDashboards())
}

func TestRunSweeperEvictsUntilCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.DashboardIdleTTL = time.Millisecond
	hub := feed.NewHub(nil)
	svc := New(cfg, seededStore(), hub, nil)
	defer svc.Shutdown()
	_, err := svc.Open(context.Background(), "p1", "owner-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.RunSweeper(ctx, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return svc.OpenDashboards() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, hub.Subscribers("p1"))
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestRefreshRechecksAccess(t *testing.T) {
	fs := seededStore()
	svc, _ := newTestService(t, fs)
	_, err := svc.Open(context.Background(), "p1", "u-editor")
	require.NoError(t, err)

	fs.fetchMemberFn = func(context.Context, string, string) (*store.Member, error) { return nil, nil }

	_, err = svc.View(context.Background(), "p1", "u-editor", false)
	require.NoError(t, err)
	_, err = svc.View(context.Background(), "p1", "u-editor", true)
	assert.ErrorIs(t, err, access.ErrAccessDenied)
	assert.Zero(t, svc.OpenDashboards())
}
