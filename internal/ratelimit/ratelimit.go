// Package ratelimit implements a fixed-window request counter keyed by
// client IP, with periodic eviction of expired windows.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Defaults match the broker's documented limits.
const (
	DefaultCap    = 100
	DefaultWindow = time.Minute
)

type window struct {
	start time.Time
	count int
}

// Limiter admits up to cap requests per IP per window.
type Limiter struct {
	cap    int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*window

	now func() time.Time // test hook
}

// New returns a limiter. Non-positive arguments fall back to the defaults.
func New(cap int, windowDur time.Duration) *Limiter {
	if cap <= 0 {
		cap = DefaultCap
	}
	if windowDur <= 0 {
		windowDur = DefaultWindow
	}
	return &Limiter{
		cap:     cap,
		window:  windowDur,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records one request for ip and reports whether it is admitted.
// The window resets on the first admission after expiry.
func (l *Limiter) Allow(ip string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[ip]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[ip] = &window{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= l.cap
}

// Run evicts expired windows every window duration until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *Limiter) evict() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, ip)
		}
	}
}

// ClientIP resolves the client address of r: X-Forwarded-For's first entry,
// then CF-Connecting-IP, then the socket peer, then "unknown".
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return cf
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
