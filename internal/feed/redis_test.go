package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadmap/api/internal/store"
)

func setupTestBroker(t *testing.T) *RedisBroker {
	t.Helper()
	s := miniredis.RunT(t)
	broker, err := NewRedisBroker("redis://"+s.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func receive(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNewRedisBrokerRejectsBadURL(t *testing.T) {
	_, err := NewRedisBroker("not-a-url", nil)
	assert.Error(t, err)
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	broker := setupTestBroker(t)
	ctx := context.Background()
	require.NoError(t, broker.Ping(ctx))

	sub, err := broker.Subscribe(ctx, "p1")
	require.NoError(t, err)
	defer sub.Close()

	category := "backend"
	sent := Event{
		Type:      Update,
		ProjectID: "p1",
		Node: store.Node{
			ID:         "n1",
			ProjectID:  "p1",
			CategoryID: &category,
			Title:      "Schema",
			Status:     store.NodeInProgress,
		},
	}
	require.NoError(t, broker.Publish(ctx, Event{Type: Insert, ProjectID: "p2", Node: store.Node{ID: "other"}}))
	require.NoError(t, broker.Publish(ctx, sent))

	got := receive(t, sub)
	assert.Equal(t, Update, got.Type)
	assert.Equal(t, "n1", got.Node.ID)
	assert.Equal(t, store.NodeInProgress, got.Node.Status)
	require.NotNil(t, got.Node.CategoryID)
	assert.Equal(t, "backend", *got.Node.CategoryID)
}

func TestRedisBrokerPreservesOrder(t *testing.T) {
	broker := setupTestBroker(t)
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, "p1")
	require.NoError(t, err)
	defer sub.Close()

	for _, eventType := range []EventType{Insert, Update, Delete} {
		require.NoError(t, broker.Publish(ctx, Event{Type: eventType, ProjectID: "p1", Node: store.Node{ID: "n1"}}))
	}
	assert.Equal(t, Insert, receive(t, sub).Type)
	assert.Equal(t, Update, receive(t, sub).Type)
	assert.Equal(t, Delete, receive(t, sub).Type)
}

func TestRedisSubscriptionCloseIsIdempotent(t *testing.T) {
	broker := setupTestBroker(t)

	sub, err := broker.Subscribe(context.Background(), "p1")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, open := <-sub.Events()
	assert.False(t, open)
}
