package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ticket-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyedRequest(f *fixture, key string, qty int) *ReservationRequest {
	return &ReservationRequest{
		OccurrenceID:   f.occurrenceID,
		Email:          "buyer@example.com",
		Lines:          []LineItem{{CategoryID: f.general, Quantity: qty}},
		IdempotencyKey: key,
	}
}

func TestIdempotency_SameKeyReplaysOneOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.reservation.Reserve(ctx, keyedRequest(f, "key-1", 2))
	require.NoError(t, err)
	second, err := f.reservation.Reserve(ctx, keyedRequest(f, "key-1", 2))
	require.NoError(t, err)

	assert.Equal(t, first.ExternalReference, second.ExternalReference)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, f.repo.OrderCount())
	assert.Equal(t, 9, f.available(t, f.general))
}

func TestIdempotency_KeyReusedWithDifferentRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reservation.Reserve(ctx, keyedRequest(f, "key-1", 2))
	require.NoError(t, err)

	_, err = f.reservation.Reserve(ctx, keyedRequest(f, "key-1", 3))
	assert.ErrorIs(t, err, models.ErrIdempotencyMismatch)
	assert.Equal(t, 1, f.repo.OrderCount())
}

func TestIdempotency_ConcurrentSameKeyCreatesOneOrder(t *testing.T) {
	f := newFixture(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		refs = make(map[string]int)
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.reservation.Reserve(context.Background(), keyedRequest(f, "key-race", 1))
			if errors.Is(err, models.ErrRequestInProgress) {
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			refs[resp.ExternalReference]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.repo.OrderCount())
	assert.LessOrEqual(t, len(refs), 1)
	assert.Equal(t, 10, f.available(t, f.general))
}

func TestIdempotency_InProgressKeyConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, _, err := f.idempotency.WithIdempotency(ctx, "slow", "fp", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte(`{"ok":true}`), nil
		})
		done <- err
	}()
	<-started

	_, _, err := f.idempotency.WithIdempotency(ctx, "slow", "fp", func(context.Context) ([]byte, error) {
		t.Fatal("second caller must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, models.ErrRequestInProgress)

	close(release)
	require.NoError(t, <-done)

	resp, replayed, err := f.idempotency.WithIdempotency(ctx, "slow", "fp", func(context.Context) ([]byte, error) {
		t.Fatal("completed key must not run again")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.JSONEq(t, `{"ok":true}`, string(resp))
}

func TestIdempotency_FailureReleasesKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.idempotency.WithIdempotency(ctx, "flaky", "fp", func(context.Context) ([]byte, error) {
		return nil, models.ErrStockInsufficient
	})
	assert.ErrorIs(t, err, models.ErrStockInsufficient)

	resp, replayed, err := f.idempotency.WithIdempotency(ctx, "flaky", "fp", func(context.Context) ([]byte, error) {
		return []byte(`{"n":2}`), nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.JSONEq(t, `{"n":2}`, string(resp))
}

func TestIdempotency_ExpiredKeyRunsAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	f.idempotency.WithClock(func() time.Time { return now })

	runs := 0
	fn := func(context.Context) ([]byte, error) {
		runs++
		return []byte(fmt.Sprintf(`{"run":%d}`, runs)), nil
	}

	_, _, err := f.idempotency.WithIdempotency(ctx, "k", "fp", fn)
	require.NoError(t, err)

	now = now.Add(23 * time.Hour)
	_, replayed, err := f.idempotency.WithIdempotency(ctx, "k", "fp", fn)
	require.NoError(t, err)
	assert.True(t, replayed)

	now = now.Add(2 * time.Hour)
	resp, replayed, err := f.idempotency.WithIdempotency(ctx, "k", "fp", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.JSONEq(t, `{"run":2}`, string(resp))
}

func TestIdempotency_FallbackKeyWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Unix(1_800_000_000, 0)
	f.reservation.now = func() time.Time { return now }

	req := func() *ReservationRequest { return keyedRequest(f, "", 1) }

	first, err := f.reservation.Reserve(ctx, req())
	require.NoError(t, err)
	second, err := f.reservation.Reserve(ctx, req())
	require.NoError(t, err)
	assert.Equal(t, first.ExternalReference, second.ExternalReference)

	now = now.Add(fallbackKeyWindow)
	third, err := f.reservation.Reserve(ctx, req())
	require.NoError(t, err)
	assert.NotEqual(t, first.ExternalReference, third.ExternalReference)
	assert.Equal(t, 2, f.repo.OrderCount())
}

func TestIdempotency_CacheServesCompletedKey(t *testing.T) {
	f := newFixture(t)
	cache := &fakeCache{}
	idem := NewIdempotency(f.repo, cache, time.Hour)
	ctx := context.Background()

	_, _, err := idem.WithIdempotency(ctx, "cached", "fp", func(context.Context) ([]byte, error) {
		return []byte(`{"ref":"a"}`), nil
	})
	require.NoError(t, err)
	require.Len(t, cache.entries, 1)

	resp, replayed, err := idem.WithIdempotency(ctx, "cached", "fp", func(context.Context) ([]byte, error) {
		t.Fatal("cached key must not run again")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.JSONEq(t, `{"ref":"a"}`, string(resp))

	_, _, err = idem.WithIdempotency(ctx, "cached", "other", func(context.Context) ([]byte, error) {
		t.Fatal("mismatched key must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, models.ErrIdempotencyMismatch)
}
