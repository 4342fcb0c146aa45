package store

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newIntegrationStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ROADMAP_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ROADMAP_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	pool, err := Open(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)
	require.NoError(t, ApplyMigrations(ctx, pool, migrationsDir, zap.NewNop()))

	return NewPostgresStore(pool, zap.NewNop()), ctx
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	s, ctx := newIntegrationStore(t)

	require.NoError(t, applyDownMigrations(ctx, s.Pool(), migrationsDir))
	_, err := s.Pool().Exec(ctx, `DELETE FROM schema_migrations`)
	require.NoError(t, err)
	require.NoError(t, ApplyMigrations(ctx, s.Pool(), migrationsDir, zap.NewNop()))
}

func TestPostgresStoreRoadmapRoundTrip(t *testing.T) {
	s, ctx := newIntegrationStore(t)

	require.NoError(t, s.InsertProject(ctx, Project{ID: "p1", OwnerID: "owner", Name: "Launch"}))
	require.NoError(t, s.InsertCategory(ctx, Category{ID: "c2", ProjectID: "p1", Name: "Frontend", OrderIndex: 2}))
	require.NoError(t, s.InsertCategory(ctx, Category{ID: "c1", ProjectID: "p1", Name: "Backend", OrderIndex: 1}))

	backend := "c1"
	_, err := s.InsertNode(ctx, Node{ID: "n2", ProjectID: "p1", CategoryID: &backend, Title: "API", OrderIndex: 2})
	require.NoError(t, err)
	_, err = s.InsertNode(ctx, Node{ID: "n1", ProjectID: "p1", Title: "Kickoff", OrderIndex: 1})
	require.NoError(t, err)

	cats, err := s.FetchCategories(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, cats, 2)
	assert.Equal(t, "c1", cats[0].ID)

	nodes, err := s.FetchNodes(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].ID)
	assert.Nil(t, nodes[0].CategoryID)
	assert.Equal(t, NodePending, nodes[0].Status)

	started := time.Now().UTC().Add(-90 * time.Minute).Truncate(time.Microsecond)
	updated, err := s.UpdateNode(ctx, "n2", NodePatch{Status: NodeInProgress, StartedAt: &started})
	require.NoError(t, err)
	assert.Equal(t, NodeInProgress, updated.Status)
	require.NotNil(t, updated.StartedAt)
	assert.True(t, started.Equal(*updated.StartedAt))

	_, err = s.UpdateNode(ctx, "missing", NodePatch{Status: NodeDone})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteNode(ctx, "n1"))
	assert.ErrorIs(t, s.DeleteNode(ctx, "n1"), ErrNotFound)
}

func TestPostgresStoreMemberAllowListNullVersusEmpty(t *testing.T) {
	s, ctx := newIntegrationStore(t)
	require.NoError(t, s.InsertProject(ctx, Project{ID: "p1", OwnerID: "owner", Name: "Launch"}))

	require.NoError(t, s.UpsertMember(ctx, Member{ID: "m1", ProjectID: "p1", UserID: "open", Role: "editor", CanEdit: true}))
	require.NoError(t, s.UpsertMember(ctx, Member{ID: "m2", ProjectID: "p1", UserID: "none", Role: "viewer", Restricted: true}))
	require.NoError(t, s.UpsertMember(ctx, Member{ID: "m3", ProjectID: "p1", UserID: "some", Role: "viewer", Restricted: true, CategoryIDs: []string{"c1"}}))

	open, err := s.FetchMember(ctx, "p1", "open")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.False(t, open.Restricted)
	assert.True(t, open.CanEdit)

	none, err := s.FetchMember(ctx, "p1", "none")
	require.NoError(t, err)
	require.NotNil(t, none)
	assert.True(t, none.Restricted)
	assert.Empty(t, none.CategoryIDs)

	some, err := s.FetchMember(ctx, "p1", "some")
	require.NoError(t, err)
	require.NotNil(t, some)
	assert.Equal(t, []string{"c1"}, some.CategoryIDs)

	missing, err := s.FetchMember(ctx, "p1", "stranger")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestNodeTriggerNotifiesListeners(t *testing.T) {
	s, ctx := newIntegrationStore(t)
	require.NoError(t, s.InsertProject(ctx, Project{ID: "p1", OwnerID: "owner", Name: "Launch"}))

	conn, err := s.Pool().Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()
	_, err = conn.Exec(ctx, "LISTEN roadmap_nodes")
	require.NoError(t, err)

	_, err = s.InsertNode(ctx, Node{ID: "n1", ProjectID: "p1", Title: "Kickoff"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	notification, err := conn.Conn().WaitForNotification(waitCtx)
	require.NoError(t, err)
	assert.Contains(t, notification.Payload, `"INSERT"`)
	assert.Contains(t, notification.Payload, `"n1"`)
}

func applyDownMigrations(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	type migration struct {
		version string
		path    string
	}
	downs := make([]migration, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		downs = append(downs, migration{version: match[1], path: filepath.Join(dir, entry.Name())})
	}

	sort.Slice(downs, func(i, j int) bool {
		return downs[i].version > downs[j].version
	})

	for _, down := range downs {
		sqlBytes, err := os.ReadFile(down.path)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			continue
		}
		if _, err := pool.Exec(ctx, sqlText); err != nil {
			return err
		}
	}
	return nil
}
