package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hookwire/hookwire/internal/debug"
	"github.com/hookwire/hookwire/internal/storage"
	"github.com/hookwire/hookwire/internal/tunnel"
)

// Sink receives one named notification. A sink that returns an error is
// dropped from the notifier.
type Sink func(event string, data []byte) error

// Notifier fans change notifications out to registered SSE streams.
type Notifier struct {
	mu    sync.Mutex
	seq   int64
	sinks map[int64]Sink
}

// NewNotifier returns an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{sinks: make(map[int64]Sink)}
}

// Register adds a sink and returns its removal function.
func (n *Notifier) Register(sink Sink) func() {
	n.mu.Lock()
	n.seq++
	id := n.seq
	n.sinks[id] = sink
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.sinks, id)
		n.mu.Unlock()
	}
}

// Publish sends a named event with a JSON payload to every sink. Failed
// sinks are removed; the client is gone.
func (n *Notifier) Publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		debug.Logf("notifier: marshaling %s payload: %v", event, err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for id, sink := range n.sinks {
		if err := sink(event, data); err != nil {
			debug.Logf("notifier: dropping sink %d: %v", id, err)
			delete(n.sinks, id)
		}
	}
}

// SinkCount returns the number of connected sinks.
func (n *Notifier) SinkCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sinks)
}

// Run bridges the store's change signal and the tunnel's state
// transitions onto the notifier until ctx is canceled. Store changes are
// coalesced with a short debounce so a burst of writes produces one
// notification.
func (n *Notifier) Run(ctx context.Context, store *storage.Store, tun *tunnel.Supervisor) {
	changes, cancel := store.SubscribeChanges()
	defer cancel()

	var transitions <-chan tunnel.Status
	if tun != nil {
		transitions = tun.Transitions()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			n.debounceChanges(ctx, changes)
			n.Publish("subscriptions_changed", map[string]any{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		case st, ok := <-transitions:
			if !ok {
				return
			}
			n.Publish("tunnel_status", st)
		}
	}
}

// debounceChanges drains follow-up change signals arriving within a short
// window.
func (n *Notifier) debounceChanges(ctx context.Context, changes <-chan struct{}) {
	timer := time.NewTimer(50 * time.Millisecond)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-changes:
		}
	}
}
