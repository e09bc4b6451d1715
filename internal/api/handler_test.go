package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/payment"
	"ticket-service/internal/redisclient"
	"ticket-service/internal/service"
	"ticket-service/internal/storetest"
	"ticket-service/internal/tokens"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminKey = "admin-key"
	gateKey  = "gate-key"
)

type nopPublisher struct{}

func (nopPublisher) PublishOrderReserved(context.Context, *models.OrderReservedEvent) error {
	return nil
}
func (nopPublisher) PublishOrderPaid(context.Context, *models.OrderPaidEvent) error { return nil }
func (nopPublisher) PublishOrderRejected(context.Context, *models.OrderRejectedEvent) error {
	return nil
}

type stubProvider struct {
	mu       sync.Mutex
	payments map[string]payment.Payment
}

func (p *stubProvider) GetPayment(_ context.Context, id string) (*payment.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pay, ok := p.payments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &pay, nil
}

func (p *stubProvider) SearchPayments(_ context.Context, ref string) ([]payment.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []payment.Payment
	for _, pay := range p.payments {
		if pay.ExternalReference == ref {
			out = append(out, pay)
		}
	}
	return out, nil
}

func (p *stubProvider) CreatePreference(_ context.Context, pref payment.Preference) (*payment.Checkout, error) {
	return &payment.Checkout{ID: "pref-" + pref.ExternalReference, InitPoint: "https://pay.example/checkout"}, nil
}

type stubLimiter struct {
	allowed bool
	err     error
}

func (l stubLimiter) Allow(context.Context, string, redisclient.Window, time.Time) (redisclient.Decision, error) {
	return redisclient.Decision{Allowed: l.allowed, RetryAfter: 1500 * time.Millisecond}, l.err
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	router       *gin.Engine
	repo         *storetest.Memory
	provider     *stubProvider
	verifier     *payment.SignatureVerifier
	occurrenceID int64
	general      int64
	parking      int64
}

func hash(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &testServer{
		repo:     storetest.NewMemory(),
		provider: &stubProvider{payments: map[string]payment.Payment{}},
	}
	signer, err := tokens.NewTicketSigner("ticket-secret")
	require.NoError(t, err)
	access, err := tokens.NewAccessIssuer("access-secret", time.Hour)
	require.NoError(t, err)
	s.verifier, err = payment.NewSignatureVerifier("webhook-secret", payment.DefaultTolerance)
	require.NoError(t, err)

	s.general = s.repo.AddCategory(models.TicketCategory{Slug: "general", Name: "General", Main: true, AdmitsEntry: true})
	s.parking = s.repo.AddCategory(models.TicketCategory{Slug: "parking", Name: "Parking"})
	s.occurrenceID = s.repo.AddOccurrence(models.EventOccurrence{
		EventName: "Fest", Venue: "Park", OccursOn: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	ledger := service.NewLedger(s.repo)
	_, err = ledger.AdjustStock(context.Background(), service.StockAdjustment{
		OccurrenceID: s.occurrenceID, CategoryID: s.general, NominalStock: 2, UnitPrice: 5000,
	})
	require.NoError(t, err)

	publisher := nopPublisher{}
	fulfillment := service.NewFulfillment(s.repo, service.NewIssuer(signer), publisher)
	svc := Services{
		Ledger: ledger,
		Reservation: service.NewReservationService(s.repo, service.NewIdempotency(s.repo, nil, time.Hour),
			fulfillment, s.provider, access, publisher, service.ReservationConfig{Currency: "ARS"}),
		Reconciler: service.NewReconciler(s.repo, s.provider, s.verifier, fulfillment, publisher, nil, time.Second),
		Lookup:     service.NewTicketLookup(s.repo, access),
		Redemption: service.NewRedemptionService(s.repo, signer, time.UTC).
			WithClock(func() time.Time { return time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC) }),
	}

	if opts.AdminKeyHash == "" {
		opts.AdminKeyHash = hash(t, adminKey)
	}
	if opts.GateKeyHash == "" {
		opts.GateKeyHash = hash(t, gateKey)
	}
	s.router = gin.New()
	NewHandler(svc, opts).SetupRoutes(s.router)
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func (s *testServer) reservationBody(qty int) gin.H {
	return gin.H{
		"occurrence_id": s.occurrenceID,
		"email":         "buyer@example.com",
		"lines":         []gin.H{{"category_id": s.general, "quantity": qty}},
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Options{})
	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReady_ReportsFailedDependency(t *testing.T) {
	s := newTestServer(t, Options{Checks: map[string]Pinger{"postgres": failingPinger{}}})
	w := s.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "postgres")
}

func TestCreateReservation(t *testing.T) {
	s := newTestServer(t, Options{})

	w := s.do(t, http.MethodPost, "/api/v1/reservations", s.reservationBody(2), map[string]string{"Idempotency-Key": "k1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp service.ReservationResponse
	decode(t, w, &resp)
	assert.Equal(t, int64(10000), resp.TotalAmount)
	assert.Equal(t, "https://pay.example/checkout", resp.CheckoutURL)
	assert.NotEmpty(t, resp.AccessToken)

	w = s.do(t, http.MethodPost, "/api/v1/reservations", s.reservationBody(2), map[string]string{"Idempotency-Key": "k1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
	var replay service.ReservationResponse
	decode(t, w, &replay)
	assert.Equal(t, resp.ExternalReference, replay.ExternalReference)

	w = s.do(t, http.MethodPost, "/api/v1/reservations", s.reservationBody(1), map[string]string{"Idempotency-Key": "k1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCreateReservation_ErrorMapping(t *testing.T) {
	s := newTestServer(t, Options{})

	w := s.do(t, http.MethodPost, "/api/v1/reservations", s.reservationBody(3), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "stock_insufficient")

	w = s.do(t, http.MethodPost, "/api/v1/reservations", gin.H{
		"occurrence_id": s.occurrenceID,
		"email":         "buyer@example.com",
		"lines":         []gin.H{{"category_id": s.parking, "quantity": 1}},
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/reservations", gin.H{"email": "buyer@example.com"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func (s *testServer) signedWebhook(t *testing.T, paymentID string) *httptest.ResponseRecorder {
	t.Helper()
	requestID := "req-" + paymentID
	return s.do(t, http.MethodPost, "/api/v1/payments/webhook?type=payment&data.id="+paymentID,
		gin.H{"type": "payment", "data": gin.H{"id": paymentID}},
		map[string]string{
			"x-signature":  s.verifier.Sign(paymentID, requestID, time.Now()),
			"x-request-id": requestID,
		})
}

func TestWebhookThenTicketsThenGate(t *testing.T) {
	s := newTestServer(t, Options{})

	w := s.do(t, http.MethodPost, "/api/v1/reservations", s.reservationBody(1), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp service.ReservationResponse
	decode(t, w, &resp)

	w = s.do(t, http.MethodGet, "/api/v1/tickets?token="+resp.AccessToken, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var before service.OrderTickets
	decode(t, w, &before)
	assert.Empty(t, before.Tickets)

	s.provider.payments["42"] = payment.Payment{ID: 42, Status: payment.StatusApproved, ExternalReference: resp.ExternalReference, TransactionAmount: 50}
	w = s.signedWebhook(t, "42")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"paid"`)

	w = s.signedWebhook(t, "42")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"already_final"`)

	w = s.do(t, http.MethodGet, "/api/v1/tickets", nil, map[string]string{"Authorization": "Bearer " + resp.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	var after service.OrderTickets
	decode(t, w, &after)
	require.Len(t, after.Tickets, 1)

	scan := func() string {
		w := s.do(t, http.MethodPost, "/api/v1/gate/redeem", gin.H{"token": after.Tickets[0].Token},
			map[string]string{"X-Gate-Key": gateKey})
		require.Equal(t, http.StatusOK, w.Code)
		var result models.RedemptionResult
		decode(t, w, &result)
		return string(result.Outcome)
	}
	assert.Equal(t, "granted", scan())
	assert.Equal(t, "already_used", scan())
}

func TestWebhook_BadSignature(t *testing.T) {
	s := newTestServer(t, Options{})
	w := s.do(t, http.MethodPost, "/api/v1/payments/webhook?type=payment&data.id=1", nil,
		map[string]string{"x-signature": "ts=1,v1=00", "x-request-id": "r"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhook_UnknownPaymentIsOK(t *testing.T) {
	s := newTestServer(t, Options{})
	w := s.signedWebhook(t, "404")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestOrderStatus(t *testing.T) {
	s := newTestServer(t, Options{})
	w := s.do(t, http.MethodPost, "/api/v1/reservations", s.reservationBody(1), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp service.ReservationResponse
	decode(t, w, &resp)

	s.provider.payments["7"] = payment.Payment{ID: 7, Status: payment.StatusApproved, ExternalReference: resp.ExternalReference, TransactionAmount: 50}
	w = s.do(t, http.MethodGet, "/api/v1/orders/"+resp.ExternalReference+"/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status service.OrderStatus
	decode(t, w, &status)
	assert.Equal(t, models.OrderStatusPaid, status.Status)

	w = s.do(t, http.MethodGet, "/api/v1/orders/unknown/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTickets_RequiresToken(t *testing.T) {
	s := newTestServer(t, Options{})
	w := s.do(t, http.MethodGet, "/api/v1/tickets", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/tickets?token=garbage", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPrivilegedRoutesRequireKeys(t *testing.T) {
	s := newTestServer(t, Options{})

	w := s.do(t, http.MethodPost, "/api/v1/gate/redeem", gin.H{"token": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/gate/redeem", gin.H{"token": "x"}, map[string]string{"X-Gate-Key": adminKey})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	path := fmt.Sprintf("/api/v1/admin/occurrences/%d/categories/%d/stock", s.occurrenceID, s.general)
	w = s.do(t, http.MethodPut, path, gin.H{"nominal_stock": 5, "unit_price": 5000}, map[string]string{"X-Admin-Key": gateKey})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminStockAndGift(t *testing.T) {
	s := newTestServer(t, Options{})
	admin := map[string]string{"X-Admin-Key": adminKey}

	path := fmt.Sprintf("/api/v1/admin/occurrences/%d/categories/%d/stock", s.occurrenceID, s.general)
	w := s.do(t, http.MethodPut, path, gin.H{"nominal_stock": 10, "unit_price": 5000, "overbooking_pct": 20}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var record models.InventoryRecord
	decode(t, w, &record)
	assert.Equal(t, 12, record.TotalCapacity)

	w = s.do(t, http.MethodPost, "/api/v1/admin/gifts", gin.H{
		"occurrence_id": s.occurrenceID,
		"email":         "guest@example.com",
		"lines":         []gin.H{{"category_id": s.general, "quantity": 3}},
	}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 3, s.repo.TicketCount())

	w = s.do(t, http.MethodPut, path, gin.H{"nominal_stock": 2, "unit_price": 5000}, admin)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/occurrences/%d/availability", s.occurrenceID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available":9`)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, Options{RateLimiter: stubLimiter{allowed: false}, Window: redisclient.Window{Limit: 5, Length: 10 * time.Second}})
	w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/occurrences/%d/availability", s.occurrenceID), nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))

	// The webhook is never throttled.
	w = s.signedWebhook(t, "1")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	s := newTestServer(t, Options{RateLimiter: stubLimiter{err: errors.New("redis down")}})
	w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/occurrences/%d/availability", s.occurrenceID), nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClassify(t *testing.T) {
	status, code := classify(fmt.Errorf("wrapped: %w", models.ErrStockInsufficient))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "stock_insufficient", code)

	status, _ = classify(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
}
