package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hookwire/hookwire/internal/types"
)

// ErrNotFound is returned by operations that require an existing row.
var ErrNotFound = errors.New("storage: not found")

const subscriptionColumns = `id, session_id, webhook_url, secret, signature_header,
       display_name, service_tag, prompt, gate_expr, summary_expr,
       one_shot, status, created_at, event_count`

// CreateSubscription inserts sub, assigning ID, status, created_at, and
// event_count defaults. The passed struct is updated in place.
func (s *Store) CreateSubscription(ctx context.Context, sub *types.Subscription) error {
	if sub.SessionID == "" {
		return fmt.Errorf("storage: subscription requires a session_id")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Status = types.StatusActive
	sub.EventCount = 0
	sub.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sub.ID, sub.SessionID, sub.WebhookURL, sub.Secret, sub.SignatureHeader,
		sub.DisplayName, sub.ServiceTag, sub.Prompt, sub.GateExpr, sub.SummaryExpr,
		boolToInt(sub.OneShot), string(sub.Status), formatTime(sub.CreatedAt), sub.EventCount,
	)
	if err != nil {
		return fmt.Errorf("creating subscription: %w", err)
	}
	s.notifyChanged()
	return nil
}

// GetSubscription returns the subscription with the given id, or nil if it
// does not exist.
func (s *Store) GetSubscription(ctx context.Context, id string) (*types.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?
	`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns all subscriptions, newest first.
func (s *Store) ListSubscriptions(ctx context.Context) ([]*types.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at DESC, id
	`)
}

// ListSubscriptionsBySession returns all subscriptions targeting sessionID.
func (s *Store) ListSubscriptionsBySession(ctx context.Context, sessionID string) ([]*types.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE session_id = ? ORDER BY created_at DESC, id
	`, sessionID)
}

// UpdateSubscription replaces the stored record by id. Returns ErrNotFound
// if the subscription does not exist.
func (s *Store) UpdateSubscription(ctx context.Context, sub *types.Subscription) error {
	if !types.ValidStatus(sub.Status) {
		return fmt.Errorf("storage: invalid status %q", sub.Status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET session_id = ?, webhook_url = ?, secret = ?, signature_header = ?,
		    display_name = ?, service_tag = ?, prompt = ?, gate_expr = ?,
		    summary_expr = ?, one_shot = ?, status = ?
		WHERE id = ?
	`,
		sub.SessionID, sub.WebhookURL, sub.Secret, sub.SignatureHeader,
		sub.DisplayName, sub.ServiceTag, sub.Prompt, sub.GateExpr,
		sub.SummaryExpr, boolToInt(sub.OneShot), string(sub.Status),
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.notifyChanged()
	return nil
}

// DeleteSubscription removes the subscription and cascades its events and
// queued entries. Deleting a missing subscription is not an error.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyChanged()
	}
	return nil
}

// SetStatus moves the subscription to the given status.
func (s *Store) SetStatus(ctx context.Context, id string, status types.SubscriptionStatus) error {
	if !types.ValidStatus(status) {
		return fmt.Errorf("storage: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("setting status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("setting status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.notifyChanged()
	return nil
}

// IncrementEventCount bumps the delivered-event counter by one.
func (s *Store) IncrementEventCount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET event_count = event_count + 1 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("incrementing event count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("incrementing event count: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.notifyChanged()
	return nil
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]*types.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	return subs, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*types.Subscription, error) {
	var sub types.Subscription
	var oneShot int
	var status, createdAt string
	err := row.Scan(
		&sub.ID, &sub.SessionID, &sub.WebhookURL, &sub.Secret, &sub.SignatureHeader,
		&sub.DisplayName, &sub.ServiceTag, &sub.Prompt, &sub.GateExpr, &sub.SummaryExpr,
		&oneShot, &status, &createdAt, &sub.EventCount,
	)
	if err != nil {
		return nil, err
	}
	sub.OneShot = oneShot != 0
	sub.Status = types.SubscriptionStatus(status)
	sub.CreatedAt = parseTime(createdAt)
	return &sub, nil
}
