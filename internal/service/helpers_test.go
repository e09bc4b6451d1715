package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/payment"
	"ticket-service/internal/storetest"
	"ticket-service/internal/tokens"

	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	reserved []*models.OrderReservedEvent
	paid     []*models.OrderPaidEvent
	rejected []*models.OrderRejectedEvent
	// paidErr fails every ORDER_PAID publish
	paidErr error
}

func (p *recordingPublisher) PublishOrderReserved(_ context.Context, e *models.OrderReservedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved = append(p.reserved, e)
	return nil
}

func (p *recordingPublisher) PublishOrderPaid(_ context.Context, e *models.OrderPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paidErr != nil {
		return p.paidErr
	}
	p.paid = append(p.paid, e)
	return nil
}

func (p *recordingPublisher) PublishOrderRejected(_ context.Context, e *models.OrderRejectedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected = append(p.rejected, e)
	return nil
}

func (p *recordingPublisher) paidCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.paid)
}

func (p *recordingPublisher) rejectedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rejected)
}

type fakeProvider struct {
	mu          sync.Mutex
	payments    map[string]payment.Payment
	prefErr     error
	searchErr   error
	searchCalls int
	// searchResult, when set, is returned as is, whatever the reference
	searchResult []payment.Payment
	preferences  []payment.Preference
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{payments: make(map[string]payment.Payment)}
}

func (f *fakeProvider) add(p payment.Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[p.IDString()] = p
}

func (f *fakeProvider) GetPayment(_ context.Context, id string) (*payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, models.ErrNotFound)
	}
	return &p, nil
}

func (f *fakeProvider) SearchPayments(_ context.Context, ref string) ([]payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if f.searchResult != nil {
		return f.searchResult, nil
	}
	var out []payment.Payment
	for _, p := range f.payments {
		if p.ExternalReference == ref {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProvider) CreatePreference(_ context.Context, pref payment.Preference) (*payment.Checkout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prefErr != nil {
		return nil, f.prefErr
	}
	f.preferences = append(f.preferences, pref)
	return &payment.Checkout{ID: "pref-" + pref.ExternalReference, InitPoint: "https://pay.example/" + pref.ExternalReference}, nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (c *fakeCache) CachedResponse(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *fakeCache) CacheResponse(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string][]byte)
	}
	c.entries[key] = value
	return nil
}

const (
	webhookSecret = "webhook-secret"
	eventDay      = "2026-03-01"
)

type fixture struct {
	repo        *storetest.Memory
	publisher   *recordingPublisher
	provider    *fakeProvider
	signer      *tokens.TicketSigner
	access      *tokens.AccessIssuer
	verifier    *payment.SignatureVerifier
	ledger      *Ledger
	idempotency *Idempotency
	fulfillment *Fulfillment
	reservation *ReservationService
	reconciler  *Reconciler
	redemption  *RedemptionService
	lookup      *TicketLookup

	occurrenceID int64
	general      int64
	parking      int64
	vip          int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      storetest.NewMemory(),
		publisher: &recordingPublisher{},
		provider:  newFakeProvider(),
	}

	var err error
	f.signer, err = tokens.NewTicketSigner("ticket-secret")
	require.NoError(t, err)
	f.access, err = tokens.NewAccessIssuer("access-secret", time.Hour)
	require.NoError(t, err)
	f.verifier, err = payment.NewSignatureVerifier(webhookSecret, payment.DefaultTolerance)
	require.NoError(t, err)

	f.general = f.repo.AddCategory(models.TicketCategory{Slug: "general", Name: "General", Main: true, AdmitsEntry: true})
	f.parking = f.repo.AddCategory(models.TicketCategory{Slug: "parking", Name: "Parking"})
	f.vip = f.repo.AddCategory(models.TicketCategory{Slug: "vip", Name: "VIP", Main: true, AdmitsEntry: true})
	f.occurrenceID = f.repo.AddOccurrence(models.EventOccurrence{
		EventName: "Fest",
		Venue:     "Park",
		OccursOn:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	f.ledger = NewLedger(f.repo)
	ctx := context.Background()
	_, err = f.ledger.AdjustStock(ctx, StockAdjustment{
		OccurrenceID: f.occurrenceID, CategoryID: f.general,
		NominalStock: 10, OverbookingPct: 10, UnitPrice: 5000, FomoThreshold: 80,
	})
	require.NoError(t, err)
	_, err = f.ledger.AdjustStock(ctx, StockAdjustment{
		OccurrenceID: f.occurrenceID, CategoryID: f.parking,
		NominalStock: 5, UnitPrice: 1000,
	})
	require.NoError(t, err)
	// VIP has stock but no price yet.
	_, err = f.ledger.AdjustStock(ctx, StockAdjustment{
		OccurrenceID: f.occurrenceID, CategoryID: f.vip,
		NominalStock: 5,
	})
	require.NoError(t, err)

	f.idempotency = NewIdempotency(f.repo, nil, 24*time.Hour)
	f.fulfillment = NewFulfillment(f.repo, NewIssuer(f.signer), f.publisher)
	f.reservation = NewReservationService(f.repo, f.idempotency, f.fulfillment, f.provider, f.access, f.publisher,
		ReservationConfig{MaxUnitsPerLine: 8, Currency: "ARS"})
	f.reconciler = NewReconciler(f.repo, f.provider, f.verifier, f.fulfillment, f.publisher, nil, time.Second)
	f.redemption = NewRedemptionService(f.repo, f.signer, time.UTC).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC) })
	f.lookup = NewTicketLookup(f.repo, f.access)
	return f
}

func (f *fixture) reserve(t *testing.T, email string, lines ...LineItem) *ReservationResponse {
	t.Helper()
	resp, err := f.reservation.Reserve(context.Background(), &ReservationRequest{
		OccurrenceID: f.occurrenceID,
		Email:        email,
		Lines:        lines,
	})
	require.NoError(t, err)
	return resp
}

func (f *fixture) available(t *testing.T, categoryID int64) int {
	t.Helper()
	rows, err := f.ledger.Availability(context.Background(), f.occurrenceID)
	require.NoError(t, err)
	for _, r := range rows {
		if r.CategoryID == categoryID {
			return r.Available
		}
	}
	t.Fatalf("category %d not listed", categoryID)
	return 0
}

func (f *fixture) callback(paymentID string) Callback {
	return Callback{
		Signature: f.verifier.Sign(paymentID, "req-"+paymentID, time.Now()),
		RequestID: "req-" + paymentID,
		Type:      "payment",
		DataID:    paymentID,
	}
}
