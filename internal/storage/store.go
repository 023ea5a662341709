// Package storage implements durable persistence for subscriptions, the
// event audit log, and the queued-delivery buffer, backed by a single
// SQLite file. It is the only package that touches persistent state.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	// Import SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"
)

// Store is the SQLite-backed persistence layer. Readers proceed in
// parallel; SQLite's WAL mode serializes writers.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool

	watchers   map[int64]chan struct{}
	watcherSeq int64
	watchersMu sync.RWMutex
}

// setupWASMCache configures WASM compilation caching so the embedded
// SQLite build is compiled once per machine, not once per process start.
func setupWASMCache() {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "hookwire", "wasm")
	}

	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}

	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Open opens (creating if necessary) the database at path and applies the
// schema and any pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	var connStr string
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	switch {
	case path == ":memory:":
		// Shared cache so the connection pool sees one database.
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
		}
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if isInMemory {
		// In-memory databases are isolated per connection without this.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers; cap the pool accordingly.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	absPath := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if absPath, err = filepath.Abs(path); err != nil {
			db.Close()
			return nil, fmt.Errorf("resolving database path: %w", err)
		}
	}

	return &Store{
		db:       db,
		dbPath:   absPath,
		watchers: make(map[int64]chan struct{}),
	}, nil
}

// Close checkpoints the WAL and closes the database. Safe to call once.
func (s *Store) Close() error {
	s.closed.Store(true)
	s.closeWatchers()
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the resolved path of the database file.
func (s *Store) Path() string {
	return s.dbPath
}

// IsClosed reports whether Close has been called.
func (s *Store) IsClosed() bool {
	return s.closed.Load()
}
