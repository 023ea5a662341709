package control

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookwire/hookwire/internal/storage"
	"github.com/hookwire/hookwire/internal/types"
)

// recordingSink collects published notifications.
type recordingSink struct {
	mu     sync.Mutex
	events []string
	data   []string
	fail   bool
}

func (s *recordingSink) sink(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("client gone")
	}
	s.events = append(s.events, event)
	s.data = append(s.data, string(data))
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestPublishFansOut(t *testing.T) {
	n := NewNotifier()
	a, b := &recordingSink{}, &recordingSink{}
	n.Register(a.sink)
	n.Register(b.sink)

	n.Publish("tunnel_status", map[string]string{"status": "active"})

	require.Equal(t, 1, a.count())
	require.Equal(t, 1, b.count())
	assert.Equal(t, "tunnel_status", a.events[0])
	assert.JSONEq(t, `{"status":"active"}`, a.data[0])
}

func TestPublishDropsFailedSink(t *testing.T) {
	n := NewNotifier()
	good, bad := &recordingSink{}, &recordingSink{fail: true}
	n.Register(good.sink)
	n.Register(bad.sink)
	require.Equal(t, 2, n.SinkCount())

	n.Publish("subscriptions_changed", nil)
	assert.Equal(t, 1, n.SinkCount())
	assert.Equal(t, 1, good.count())
}

func TestUnregisterRemovesSink(t *testing.T) {
	n := NewNotifier()
	s := &recordingSink{}
	remove := n.Register(s.sink)
	remove()

	n.Publish("subscriptions_changed", nil)
	assert.Zero(t, s.count())
	assert.Zero(t, n.SinkCount())
}

func TestRunBridgesStoreChanges(t *testing.T) {
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	n := NewNotifier()
	s := &recordingSink{}
	n.Register(s.sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		n.Run(ctx, store, nil)
		close(done)
	}()

	// Let Run subscribe to store changes before mutating; on a single-CPU
	// machine the goroutine may not be scheduled until this test blocks.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, store.CreateSubscription(context.Background(), &types.Subscription{SessionID: "sess-1"}))

	require.Eventually(t, func() bool { return s.count() > 0 }, 3*time.Second, 10*time.Millisecond)
	s.mu.Lock()
	assert.Equal(t, "subscriptions_changed", s.events[0])
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}
