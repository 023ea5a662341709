package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookwire/hookwire/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSubscription(t *testing.T, s *Store) *types.Subscription {
	t.Helper()
	sub := &types.Subscription{
		SessionID:  "sess-1",
		WebhookURL: "https://example.test/webhook/abc",
		ServiceTag: "github",
	}
	require.NoError(t, s.CreateSubscription(context.Background(), sub))
	return sub
}

func TestCreateAndGetSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := &types.Subscription{
		SessionID:       "sess-1",
		WebhookURL:      "https://example.test/webhook/x",
		Secret:          "abc",
		SignatureHeader: "X-Hub-Signature-256",
		DisplayName:     "GitHub pushes",
		ServiceTag:      "github",
		Prompt:          "review this push",
		GateExpr:        `select(.action == "opened")`,
		SummaryExpr:     `{branch: .ref}`,
		OneShot:         true,
	}
	require.NoError(t, s.CreateSubscription(ctx, sub))
	require.NotEmpty(t, sub.ID)
	assert.Equal(t, types.StatusActive, sub.Status)
	assert.EqualValues(t, 0, sub.EventCount)
	assert.False(t, sub.CreatedAt.IsZero())

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, sub.SessionID, got.SessionID)
	assert.Equal(t, sub.Secret, got.Secret)
	assert.Equal(t, sub.GateExpr, got.GateExpr)
	assert.Equal(t, sub.SummaryExpr, got.SummaryExpr)
	assert.True(t, got.OneShot)
	assert.Equal(t, types.StatusActive, got.Status)
}

func TestGetSubscriptionMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetSubscription(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateSubscriptionFullReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription(t, s)

	sub.DisplayName = "renamed"
	sub.SummaryExpr = ".title"
	sub.Status = types.StatusPaused
	require.NoError(t, s.UpdateSubscription(ctx, sub))

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "renamed", got.DisplayName)
	assert.Equal(t, ".title", got.SummaryExpr)
	assert.Equal(t, types.StatusPaused, got.Status)
}

func TestUpdateSubscriptionMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateSubscription(context.Background(), &types.Subscription{
		ID: "nope", SessionID: "x", Status: types.StatusActive,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSubscriptionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription(t, s)

	require.NoError(t, s.DeleteSubscription(ctx, sub.ID))
	require.NoError(t, s.DeleteSubscription(ctx, sub.ID))

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteSubscriptionCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription(t, s)

	ev, err := s.LogEvent(ctx, sub.ID, `{"a":1}`, types.VerificationAccepted, false)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, sub.ID, sub.SessionID, "framed")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSubscription(ctx, sub.ID))

	gotEv, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, gotEv)

	queued, err := s.ListQueuedForSession(ctx, sub.SessionID)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestListSubscriptionsBySession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &types.Subscription{SessionID: "sess-a"}
	b := &types.Subscription{SessionID: "sess-b"}
	c := &types.Subscription{SessionID: "sess-a"}
	for _, sub := range []*types.Subscription{a, b, c} {
		require.NoError(t, s.CreateSubscription(ctx, sub))
	}

	all, err := s.ListSubscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	forA, err := s.ListSubscriptionsBySession(ctx, "sess-a")
	require.NoError(t, err)
	assert.Len(t, forA, 2)
}

func TestIncrementEventCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription(t, s)

	require.NoError(t, s.IncrementEventCount(ctx, sub.ID))
	require.NoError(t, s.IncrementEventCount(ctx, sub.ID))

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.EventCount)
}

func TestMarkEventInjectedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription(t, s)

	ev, err := s.LogEvent(ctx, sub.ID, "{}", types.VerificationAccepted, false)
	require.NoError(t, err)

	require.NoError(t, s.MarkEventInjected(ctx, ev.ID))
	require.NoError(t, s.MarkEventInjected(ctx, ev.ID))

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Injected)
}

func TestListUninjectedEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription(t, s)

	// A rejected row is never pending delivery.
	_, err := s.LogEvent(ctx, sub.ID, "{}", types.VerificationRejected, false)
	require.NoError(t, err)
	first, err := s.LogEvent(ctx, sub.ID, "{}", types.VerificationAccepted, false)
	require.NoError(t, err)
	_, err = s.LogEvent(ctx, sub.ID, "{}", types.VerificationAccepted, true)
	require.NoError(t, err)

	pending, err := s.ListUninjectedEvents(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)
}

func TestPruneEventsOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription(t, s)

	_, err := s.LogEvent(ctx, sub.ID, "{}", types.VerificationAccepted, true)
	require.NoError(t, err)

	// Cutoff in the past keeps the fresh event.
	n, err := s.PruneEventsOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	// Cutoff in the future removes it.
	n, err = s.PruneEventsOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestQueueOrderOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription(t, s)

	var ids []string
	for i := 0; i < 3; i++ {
		qe, err := s.Enqueue(ctx, sub.ID, sub.SessionID, "framed")
		require.NoError(t, err)
		ids = append(ids, qe.ID)
		time.Sleep(2 * time.Millisecond)
	}

	queued, err := s.ListQueuedForSession(ctx, sub.SessionID)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	for i, qe := range queued {
		assert.Equal(t, ids[i], qe.ID)
	}
}

func TestDequeueDelivered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription(t, s)

	qe, err := s.Enqueue(ctx, sub.ID, sub.SessionID, "framed")
	require.NoError(t, err)

	require.NoError(t, s.DequeueDelivered(ctx, qe.ID, sub.ID))

	queued, err := s.ListQueuedForSession(ctx, sub.SessionID)
	require.NoError(t, err)
	assert.Empty(t, queued)

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.EventCount)
}

func TestChangeNotification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch, cancel := s.SubscribeChanges()
	defer cancel()

	sub := &types.Subscription{SessionID: "sess-1"}
	require.NoError(t, s.CreateSubscription(ctx, sub))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change signal after create")
	}
}

func TestMigrationsRecordedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening must not re-apply or fail.
	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, len(migrationList), n)
}
