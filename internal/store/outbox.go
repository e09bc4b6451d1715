package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ticket-service/internal/models"
)

const outboxColumns = `external_reference, attempts, last_error, next_attempt, sent_at, abandoned_at, created_at`

// ClaimNotification bumps the attempt count and pushes next_attempt out by
// lease in one conditional update. A second claimant inside the lease, or
// any claimant after the mail was sent, matches no row.
func (s *Store) ClaimNotification(ctx context.Context, ref string, now time.Time, lease time.Duration) (*models.NotificationRecord, bool, error) {
	var record models.NotificationRecord
	err := s.db.GetContext(ctx, &record, `
		UPDATE notification_outbox
		SET attempts = attempts + 1, next_attempt = $3
		WHERE external_reference = $1
		  AND sent_at IS NULL
		  AND abandoned_at IS NULL
		  AND next_attempt <= $2
		RETURNING `+outboxColumns, ref, now, now.Add(lease))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim notification: %w", err)
	}
	return &record, true, nil
}

// CompleteNotification marks the mail of ref as sent
func (s *Store) CompleteNotification(ctx context.Context, ref string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox SET sent_at = $2, last_error = ''
		WHERE external_reference = $1 AND sent_at IS NULL`, ref, now)
	if err != nil {
		return fmt.Errorf("failed to complete notification: %w", err)
	}
	return nil
}

// RescheduleNotification records a failed attempt and when to try again
func (s *Store) RescheduleNotification(ctx context.Context, ref, lastErr string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox SET last_error = $2, next_attempt = $3
		WHERE external_reference = $1 AND sent_at IS NULL`, ref, lastErr, next)
	if err != nil {
		return fmt.Errorf("failed to reschedule notification: %w", err)
	}
	return nil
}

// AbandonNotification stops retrying ref
func (s *Store) AbandonNotification(ctx context.Context, ref, lastErr string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox SET last_error = $2, abandoned_at = $3
		WHERE external_reference = $1 AND sent_at IS NULL`, ref, lastErr, now)
	if err != nil {
		return fmt.Errorf("failed to abandon notification: %w", err)
	}
	return nil
}

// DueNotifications lists up to limit unsent references due at now, oldest first
func (s *Store) DueNotifications(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var refs []string
	err := s.db.SelectContext(ctx, &refs, `
		SELECT external_reference FROM notification_outbox
		WHERE sent_at IS NULL AND abandoned_at IS NULL AND next_attempt <= $1
		ORDER BY next_attempt
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due notifications: %w", err)
	}
	return refs, nil
}

// PendingNotifications counts mails neither sent nor abandoned
func (s *Store) PendingNotifications(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM notification_outbox WHERE sent_at IS NULL AND abandoned_at IS NULL`)
	return n, err
}
