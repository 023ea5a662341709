// Package sessionwatch maintains the set of live agent sessions by
// watching a directory of Unix sockets. A session is live only when its
// {session_id}.sock file exists AND a connect probe succeeds; stale socket
// files left by crashed sessions are rejected.
package sessionwatch

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hookwire/hookwire/internal/debug"
)

// EventType distinguishes appearance from disappearance.
type EventType string

const (
	SessionAppeared    EventType = "appeared"
	SessionDisappeared EventType = "disappeared"
)

// Event is one liveness transition.
type Event struct {
	Type      EventType
	SessionID string
}

const (
	pollInterval = 5 * time.Second
	probeTimeout = 500 * time.Millisecond
	eventBuffer  = 64
)

// Watcher tracks live sessions in a socket directory.
type Watcher struct {
	dir string

	mu   sync.RWMutex
	live map[string]struct{}

	events chan Event
}

// New creates a watcher for dir. The directory is created if missing.
func New(dir string) *Watcher {
	return &Watcher{
		dir:    dir,
		live:   make(map[string]struct{}),
		events: make(chan Event, eventBuffer),
	}
}

// Events returns the liveness transition stream. Closed when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// IsLive reports whether the session passed its last probe.
func (w *Watcher) IsLive(sessionID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.live[sessionID]
	return ok
}

// LiveSet returns the sorted IDs of currently-live sessions.
func (w *Watcher) LiveSet() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]string, 0, len(w.live))
	for id := range w.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run watches until ctx is cancelled. It prefers fsnotify on the socket
// directory and falls back to polling when the watcher cannot be created.
// A periodic rescan runs either way: create events can race socket
// replacement, and probes are the only liveness truth.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	w.rescan()

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		err = fsw.Add(w.dir)
	}
	if err != nil {
		debug.Logf("sessionwatch: fsnotify unavailable (%v), polling every %s", err, pollInterval)
		if fsw != nil {
			fsw.Close()
		}
		return w.pollLoop(ctx)
	}
	defer fsw.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return w.pollLoop(ctx)
			}
			if strings.HasSuffix(ev.Name, ".sock") {
				w.rescan()
			}
		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return w.pollLoop(ctx)
			}
			debug.Logf("sessionwatch: watch error: %v", watchErr)
		case <-ticker.C:
			w.rescan()
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.rescan()
		}
	}
}

// rescan probes every socket file and reconciles the live set, emitting
// transitions.
func (w *Watcher) rescan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		debug.Logf("sessionwatch: reading %s: %v", w.dir, err)
		entries = nil
	}

	current := make(map[string]struct{})
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".sock") {
			continue
		}
		sessionID := strings.TrimSuffix(name, ".sock")
		if probe(filepath.Join(w.dir, name)) {
			current[sessionID] = struct{}{}
		}
	}

	w.mu.Lock()
	var appeared, disappeared []string
	for id := range current {
		if _, ok := w.live[id]; !ok {
			appeared = append(appeared, id)
		}
	}
	for id := range w.live {
		if _, ok := current[id]; !ok {
			disappeared = append(disappeared, id)
		}
	}
	w.live = current
	w.mu.Unlock()

	for _, id := range appeared {
		w.emit(Event{Type: SessionAppeared, SessionID: id})
	}
	for _, id := range disappeared {
		w.emit(Event{Type: SessionDisappeared, SessionID: id})
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		// Drop when the consumer is slow; the next rescan reconciles.
		debug.Logf("sessionwatch: dropped %s event for %s", ev.Type, ev.SessionID)
	}
}

// probe dials the socket to distinguish a live server from a stale file.
func probe(path string) bool {
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
