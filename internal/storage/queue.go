package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hookwire/hookwire/internal/types"
)

// Enqueue records a framed payload awaiting redelivery. The session ID is
// captured now so later subscription edits do not redirect the delivery.
func (s *Store) Enqueue(ctx context.Context, subscriptionID, sessionID, framedPayload string) (*types.QueuedEvent, error) {
	qe := &types.QueuedEvent{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		SessionID:      sessionID,
		FramedPayload:  framedPayload,
		EnqueuedAt:     time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_events (id, subscription_id, session_id, framed_payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`, qe.ID, qe.SubscriptionID, qe.SessionID, qe.FramedPayload, formatTime(qe.EnqueuedAt))
	if err != nil {
		return nil, fmt.Errorf("enqueueing delivery: %w", err)
	}
	return qe, nil
}

// ListQueuedForSession returns the session's pending deliveries in enqueue
// order (oldest first).
func (s *Store) ListQueuedForSession(ctx context.Context, sessionID string) ([]*types.QueuedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subscription_id, session_id, framed_payload, enqueued_at
		FROM queued_events
		WHERE session_id = ?
		ORDER BY enqueued_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing queued events: %w", err)
	}
	defer rows.Close()

	var queued []*types.QueuedEvent
	for rows.Next() {
		var qe types.QueuedEvent
		var enqueuedAt string
		if err := rows.Scan(&qe.ID, &qe.SubscriptionID, &qe.SessionID, &qe.FramedPayload, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scanning queued event: %w", err)
		}
		qe.EnqueuedAt = parseTime(enqueuedAt)
		queued = append(queued, &qe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing queued events: %w", err)
	}
	return queued, nil
}

// Dequeue removes one queued entry. Removing a missing entry is not an error.
func (s *Store) Dequeue(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("dequeueing: %w", err)
	}
	return nil
}

// DequeueDelivered removes the queued entry and bumps the owning
// subscription's event_count in one transaction, so the counter and the
// queue never disagree after a successful drain.
func (s *Store) DequeueDelivered(ctx context.Context, queuedID, subscriptionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning dequeue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_events WHERE id = ?`, queuedID); err != nil {
		return fmt.Errorf("dequeueing: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET event_count = event_count + 1 WHERE id = ?
	`, subscriptionID); err != nil {
		return fmt.Errorf("incrementing event count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing dequeue: %w", err)
	}
	s.notifyChanged()
	return nil
}
