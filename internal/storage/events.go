package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hookwire/hookwire/internal/types"
)

const eventColumns = `id, subscription_id, received_at, payload, verification_result, injected`

// LogEvent appends one row to the audit log.
func (s *Store) LogEvent(ctx context.Context, subscriptionID, payload string, result types.VerificationResult, injected bool) (*types.Event, error) {
	ev := &types.Event{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		ReceivedAt:     time.Now().UTC(),
		Payload:        payload,
		Verification:   result,
		Injected:       injected,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SubscriptionID, formatTime(ev.ReceivedAt), ev.Payload, string(ev.Verification), boolToInt(ev.Injected))
	if err != nil {
		return nil, fmt.Errorf("logging event: %w", err)
	}
	return ev, nil
}

// MarkEventInjected flips injected false→true. Calling it again is a no-op.
func (s *Store) MarkEventInjected(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE events SET injected = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking event injected: %w", err)
	}
	return nil
}

// GetEvent returns the event with the given id, or nil if absent.
func (s *Store) GetEvent(ctx context.Context, id string) (*types.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting event: %w", err)
	}
	return ev, nil
}

// ListEvents returns up to limit events for the subscription, newest first.
// limit <= 0 means no limit.
func (s *Store) ListEvents(ctx context.Context, subscriptionID string, limit int) ([]*types.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE subscription_id = ? ORDER BY received_at DESC, id`
	args := []any{subscriptionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// ListUninjectedEvents returns accepted events logged for the
// subscription whose delivery has not succeeded yet, oldest first.
// Rejected rows never count as pending: they were refused, not queued.
func (s *Store) ListUninjectedEvents(ctx context.Context, subscriptionID string) ([]*types.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE subscription_id = ? AND injected = 0 AND verification_result = ?
		ORDER BY received_at, id
	`, subscriptionID, string(types.VerificationAccepted))
}

// PruneEventsOlderThan removes audit rows received before cutoff and
// returns the number removed.
func (s *Store) PruneEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE received_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return n, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*types.Event, error) {
	var ev types.Event
	var receivedAt, verification string
	var injected int
	err := row.Scan(&ev.ID, &ev.SubscriptionID, &receivedAt, &ev.Payload, &verification, &injected)
	if err != nil {
		return nil, err
	}
	ev.ReceivedAt = parseTime(receivedAt)
	ev.Verification = types.VerificationResult(verification)
	ev.Injected = injected != 0
	return &ev, nil
}
