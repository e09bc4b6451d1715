package store

import (
	"context"
	"fmt"
	"time"

	"ticket-service/internal/models"
)

// ClaimIdempotencyKey inserts an in-flight marker for key. The primary key
// makes the insert the arbiter: exactly one concurrent caller gets
// ClaimAcquired, the others read back the existing record. Records older than
// ttl are removed first so the key can be reused.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, key, requestHash string, now time.Time, ttl time.Duration) (*Claim, error) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND created_at < $2`, key, now.Add(-ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to expire idempotency key: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`, key, requestHash, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if inserted == 1 {
		return &Claim{
			Status: ClaimAcquired,
			Record: &models.IdempotencyRecord{Key: key, RequestHash: requestHash, CreatedAt: now},
		}, nil
	}

	var record models.IdempotencyRecord
	err = s.db.GetContext(ctx, &record, `
		SELECT key, request_hash, response, created_at, completed_at
		FROM idempotency_keys WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}

	if record.CompletedAt != nil {
		return &Claim{Status: ClaimCompleted, Record: &record}, nil
	}
	return &Claim{Status: ClaimInProgress, Record: &record}, nil
}

// CompleteIdempotencyKey stores the response of the request holding key
func (s *Store) CompleteIdempotencyKey(ctx context.Context, key string, response []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET response = $2, completed_at = NOW()
		WHERE key = $1 AND completed_at IS NULL`, key, response)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// ReleaseIdempotencyKey drops an unfinished marker so the client can retry
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND completed_at IS NULL`, key)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
