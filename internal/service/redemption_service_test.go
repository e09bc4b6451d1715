package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/tokens"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// giftTokens issues paid tickets for one category and returns their tokens
func (f *fixture) giftTokens(t *testing.T, categoryID int64, qty int) []string {
	t.Helper()
	resp, err := f.reservation.Gift(context.Background(), &GiftRequest{
		OccurrenceID: f.occurrenceID,
		Email:        "guest@example.com",
		Lines:        []LineItem{{CategoryID: categoryID, Quantity: qty}},
	})
	require.NoError(t, err)

	order, err := f.repo.GetOrderByReference(context.Background(), resp.ExternalReference)
	require.NoError(t, err)
	var out []string
	for _, tk := range f.repo.Tickets() {
		if tk.OrderID == order.ID {
			out = append(out, tk.Token)
		}
	}
	require.Len(t, out, qty)
	return out
}

func TestRedeem_GrantsOnceThenAlreadyUsed(t *testing.T) {
	f := newFixture(t)
	token := f.giftTokens(t, f.general, 1)[0]

	result, err := f.redemption.Redeem(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionGranted, result.Outcome)
	require.NotNil(t, result.Ticket)
	assert.Equal(t, models.TicketStatusUsed, result.Ticket.Status)

	result, err = f.redemption.Redeem(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionAlreadyUsed, result.Outcome)
}

func TestRedeem_ConcurrentScansGrantExactlyOnce(t *testing.T) {
	f := newFixture(t)
	token := f.giftTokens(t, f.general, 1)[0]

	const scanners = 25
	outcomes := make(chan models.RedemptionOutcome, scanners)
	var wg sync.WaitGroup
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.redemption.Redeem(context.Background(), token)
			if assert.NoError(t, err) {
				outcomes <- result.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[models.RedemptionOutcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[models.RedemptionGranted])
	assert.Equal(t, scanners-1, counts[models.RedemptionAlreadyUsed])
}

func TestRedeem_WrongDayLeavesTicketUnused(t *testing.T) {
	f := newFixture(t)
	token := f.giftTokens(t, f.general, 1)[0]
	f.redemption.WithClock(func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) })

	result, err := f.redemption.Redeem(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionWrongDay, result.Outcome)
	require.NotNil(t, result.Ticket)
	assert.Equal(t, models.TicketStatusIssuedUnused, result.Ticket.Status)

	f.redemption.WithClock(func() time.Time { return time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC) })
	result, err = f.redemption.Redeem(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionGranted, result.Outcome)
}

func TestRedeem_NonEntryCredential(t *testing.T) {
	f := newFixture(t)
	token := f.giftTokens(t, f.parking, 1)[0]

	result, err := f.redemption.Redeem(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionNotEntry, result.Outcome)
	assert.Equal(t, models.TicketStatusIssuedUnused, result.Ticket.Status)
}

func TestRedeem_InvalidTokens(t *testing.T) {
	f := newFixture(t)
	token := f.giftTokens(t, f.general, 1)[0]

	other, err := tokens.NewTicketSigner("someone-else")
	require.NoError(t, err)
	forged, err := other.Sign(tokens.TicketClaims{Code: "deadbeef", CategoryID: f.general, OccurrenceID: f.occurrenceID})
	require.NoError(t, err)

	unknown, err := f.signer.Sign(tokens.TicketClaims{Code: "not-issued", CategoryID: f.general, OccurrenceID: f.occurrenceID})
	require.NoError(t, err)

	for name, input := range map[string]string{
		"garbage":      "not a token",
		"empty":        "",
		"truncated":    token[:len(token)-4],
		"other secret": forged,
		"never issued": unknown,
	} {
		t.Run(name, func(t *testing.T) {
			result, err := f.redemption.Redeem(context.Background(), input)
			require.NoError(t, err)
			assert.Equal(t, models.RedemptionInvalid, result.Outcome)
		})
	}

	// None of the attempts consumed the real ticket.
	result, err := f.redemption.Redeem(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionGranted, result.Outcome)
}

func TestRedeem_UsesVenueTimeZone(t *testing.T) {
	f := newFixture(t)
	token := f.giftTokens(t, f.general, 1)[0]

	// 01:30 UTC on March 2nd is still March 1st three hours west of UTC.
	at := func() time.Time { return time.Date(2026, 3, 2, 1, 30, 0, 0, time.UTC) }

	utc := NewRedemptionService(f.repo, f.signer, time.UTC).WithClock(at)
	assert.Equal(t, "2026-03-02", utc.venueDay(at()))
	result, err := utc.Redeem(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionWrongDay, result.Outcome)

	venue := NewRedemptionService(f.repo, f.signer, time.FixedZone("ART", -3*60*60)).WithClock(at)
	assert.Equal(t, eventDay, venue.venueDay(at()))
	result, err = venue.Redeem(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionGranted, result.Outcome)
}
