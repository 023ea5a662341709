package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// A migration is applied at most once and recorded in schema_migrations.
// Appending to the tail of the list is the only forward-compatible change.
type migration struct {
	version int
	name    string
	apply   func(*sql.DB) error
}

var migrationList = []migration{
	{1, "baseline", migrateBaseline},
	{2, "one_shot column", migrateOneShotColumn},
	{3, "queued session index", migrateQueuedSessionIndex},
}

// RunMigrations applies any migrations newer than the recorded version.
func RunMigrations(db *sql.DB) error {
	for _, m := range migrationList {
		var applied bool
		err := db.QueryRow(`SELECT COUNT(*) > 0 FROM schema_migrations WHERE version = ?`, m.version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("checking migration %d: %w", m.version, err)
		}
		if applied {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("applying migration %d (%s): %w", m.version, m.name, err)
		}
		_, err = db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
	}
	return nil
}

// migrateBaseline is a no-op: the schema constant creates the current
// tables. Recording it keeps the version history anchored.
func migrateBaseline(db *sql.DB) error {
	return nil
}

// migrateOneShotColumn adds the one_shot column for databases created
// before one-shot subscriptions existed.
func migrateOneShotColumn(db *sql.DB) error {
	var columnExists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info('subscriptions')
		WHERE name = 'one_shot'
	`).Scan(&columnExists)
	if err != nil {
		return fmt.Errorf("checking one_shot column: %w", err)
	}
	if columnExists {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE subscriptions ADD COLUMN one_shot INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("adding one_shot column: %w", err)
	}
	return nil
}

// migrateQueuedSessionIndex ensures the drain-order index exists on
// databases that predate it.
func migrateQueuedSessionIndex(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_queued_session ON queued_events(session_id, enqueued_at)`)
	if err != nil {
		return fmt.Errorf("creating queued session index: %w", err)
	}
	return nil
}
