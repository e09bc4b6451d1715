package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/store"
	"ticket-service/internal/util"

	"go.uber.org/zap"
)

// Idempotency makes keyed requests run at most once within a TTL. The store's
// unique key decides which concurrent caller runs; the cache only shortens
// the path for completed keys.
type Idempotency struct {
	repo   store.Repository
	cache  ResponseCache
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewIdempotency creates the idempotency layer. cache may be nil.
func NewIdempotency(repo store.Repository, cache ResponseCache, ttl time.Duration) *Idempotency {
	return &Idempotency{
		repo:   repo,
		cache:  cache,
		ttl:    ttl,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// WithClock replaces the time source
func (i *Idempotency) WithClock(now func() time.Time) *Idempotency {
	i.now = now
	return i
}

type cachedResponse struct {
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response"`
}

// Fingerprint hashes the canonical JSON form of a request
func Fingerprint(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// WithIdempotency runs fn once per key. A later call with the same key and
// fingerprint gets the stored response and replayed=true; a different
// fingerprint gets ErrIdempotencyMismatch; a call while the first is still
// running gets ErrRequestInProgress. If fn fails the key is released so the
// client may retry. fn must return a JSON document.
func (i *Idempotency) WithIdempotency(ctx context.Context, key, fingerprint string, fn func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	ctx, span := util.StartSpan(ctx, "Idempotency.WithIdempotency")
	defer span.End()

	if resp, ok := i.fromCache(ctx, key, fingerprint); ok {
		util.IdempotencyReplaysTotal.WithLabelValues("cache").Inc()
		return resp, true, nil
	}

	claim, err := i.repo.ClaimIdempotencyKey(ctx, key, fingerprint, i.now(), i.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	if claim.Status != store.ClaimAcquired && claim.Record.RequestHash != fingerprint {
		return nil, false, models.ErrIdempotencyMismatch
	}

	switch claim.Status {
	case store.ClaimCompleted:
		util.IdempotencyReplaysTotal.WithLabelValues("store").Inc()
		i.toCache(ctx, key, fingerprint, claim.Record.Response)
		return claim.Record.Response, true, nil
	case store.ClaimInProgress:
		return nil, false, models.ErrRequestInProgress
	}

	resp, err := fn(ctx)
	if err != nil {
		if relErr := i.repo.ReleaseIdempotencyKey(context.WithoutCancel(ctx), key); relErr != nil {
			i.logger.Error("Failed to release idempotency key",
				zap.String("key", key),
				zap.Error(relErr))
		}
		return nil, false, err
	}

	if err := i.repo.CompleteIdempotencyKey(context.WithoutCancel(ctx), key, resp); err != nil {
		// The request already took effect; a retry would see in-progress
		// until the TTL lapses, never a second execution.
		i.logger.Error("Failed to complete idempotency key",
			zap.String("key", key),
			zap.Error(err))
	}
	i.toCache(ctx, key, fingerprint, resp)
	return resp, false, nil
}

func (i *Idempotency) fromCache(ctx context.Context, key, fingerprint string) ([]byte, bool) {
	if i.cache == nil {
		return nil, false
	}
	data, ok, err := i.cache.CachedResponse(ctx, key)
	if err != nil {
		i.logger.Warn("Idempotency cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var entry cachedResponse
	if err := json.Unmarshal(data, &entry); err != nil || entry.Fingerprint != fingerprint {
		// Let the store decide; it also reports mismatches.
		return nil, false
	}
	return entry.Response, true
}

func (i *Idempotency) toCache(ctx context.Context, key, fingerprint string, resp []byte) {
	if i.cache == nil || len(resp) == 0 {
		return
	}
	data, err := json.Marshal(cachedResponse{Fingerprint: fingerprint, Response: resp})
	if err != nil {
		return
	}
	if err := i.cache.CacheResponse(ctx, key, data, i.ttl); err != nil {
		i.logger.Warn("Idempotency cache write failed", zap.String("key", key), zap.Error(err))
	}
}
