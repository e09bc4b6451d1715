package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/payment"
	"ticket-service/internal/store"
	"ticket-service/internal/tokens"
	"ticket-service/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var validate = validator.New()

// fallbackKeyWindow buckets requests without an Idempotency-Key header so a
// double submit within the window maps to one order
const fallbackKeyWindow = 10 * time.Minute

// ReservationConfig carries the checkout settings of the reservation engine
type ReservationConfig struct {
	// MaxUnitsPerLine caps each main-category line; add-ons are bounded by capacity only
	MaxUnitsPerLine int
	Currency        string
	NotificationURL string
	SuccessURL      string
	FailureURL      string
	PendingURL      string
}

// ReservationService turns buyer requests into reserved orders
type ReservationService struct {
	repo        store.Repository
	idempotency *Idempotency
	fulfillment *Fulfillment
	provider    PaymentProvider
	access      *tokens.AccessIssuer
	publisher   EventPublisher
	cfg         ReservationConfig
	now         func() time.Time
	logger      *zap.Logger
}

// NewReservationService creates a new reservation service
func NewReservationService(
	repo store.Repository,
	idempotency *Idempotency,
	fulfillment *Fulfillment,
	provider PaymentProvider,
	access *tokens.AccessIssuer,
	publisher EventPublisher,
	cfg ReservationConfig,
) *ReservationService {
	if cfg.MaxUnitsPerLine <= 0 {
		cfg.MaxUnitsPerLine = 8
	}
	return &ReservationService{
		repo:        repo,
		idempotency: idempotency,
		fulfillment: fulfillment,
		provider:    provider,
		access:      access,
		publisher:   publisher,
		cfg:         cfg,
		now:         time.Now,
		logger:      util.GetLogger(),
	}
}

// LineItem is one requested category and quantity
type LineItem struct {
	CategoryID int64 `json:"category_id" binding:"required"`
	Quantity   int   `json:"quantity" binding:"required"`
}

// ReservationRequest represents a buyer's request to hold tickets
type ReservationRequest struct {
	OccurrenceID   int64      `json:"occurrence_id" binding:"required"`
	Email          string     `json:"email" binding:"required"`
	Lines          []LineItem `json:"lines" binding:"required,min=1"`
	IdempotencyKey string     `json:"-"`
}

// ReservationResponse represents the response after reserving an order
type ReservationResponse struct {
	ExternalReference    string    `json:"external_reference"`
	Status               string    `json:"status"`
	TotalAmount          int64     `json:"total_amount"`
	Email                string    `json:"email"`
	CheckoutID           string    `json:"checkout_id,omitempty"`
	CheckoutURL          string    `json:"checkout_url,omitempty"`
	AccessToken          string    `json:"access_token"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
	Replayed             bool      `json:"replayed,omitempty"`
}

// GiftRequest represents an administrative complimentary issuance
type GiftRequest struct {
	OccurrenceID int64      `json:"occurrence_id" binding:"required"`
	Email        string     `json:"email" binding:"required"`
	Lines        []LineItem `json:"lines" binding:"required,min=1"`
}

// GiftResponse represents the result of a gift issuance
type GiftResponse struct {
	ExternalReference string   `json:"external_reference"`
	Status            string   `json:"status"`
	TicketIDs         []string `json:"ticket_ids"`
}

// normalize validates the request and merges repeated categories. The
// returned lines are sorted by category so equal requests compare equal. The
// per-line cap needs the category's main flag and is applied by the store.
func (s *ReservationService) normalize(occurrenceID int64, email string, lines []LineItem) (string, []LineItem, error) {
	if occurrenceID <= 0 {
		return "", nil, fmt.Errorf("%w: occurrence_id is required", models.ErrInvalidRequest)
	}
	email = strings.TrimSpace(email)
	if err := validate.Var(email, "required,email"); err != nil {
		return "", nil, fmt.Errorf("%w: email is invalid", models.ErrInvalidRequest)
	}
	if len(lines) == 0 {
		return "", nil, fmt.Errorf("%w: at least one line is required", models.ErrInvalidRequest)
	}

	merged := make(map[int64]int, len(lines))
	for _, l := range lines {
		if l.CategoryID <= 0 {
			return "", nil, fmt.Errorf("%w: category_id is required", models.ErrInvalidRequest)
		}
		if l.Quantity < 1 {
			return "", nil, fmt.Errorf("%w: quantity must be at least 1", models.ErrInvalidQuantity)
		}
		merged[l.CategoryID] += l.Quantity
	}

	out := make([]LineItem, 0, len(merged))
	for categoryID, qty := range merged {
		out = append(out, LineItem{CategoryID: categoryID, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CategoryID < out[j].CategoryID })
	return strings.ToLower(email), out, nil
}

type canonicalRequest struct {
	OccurrenceID int64      `json:"occurrence_id"`
	Email        string     `json:"email"`
	Lines        []LineItem `json:"lines"`
}

// fallbackKey derives a key from the request itself and a time bucket
func fallbackKey(fingerprint string, at time.Time) string {
	return fmt.Sprintf("auto:%s:%d", fingerprint, at.Unix()/int64(fallbackKeyWindow/time.Second))
}

// Reserve holds capacity for a purchase and opens a hosted checkout
func (s *ReservationService) Reserve(ctx context.Context, req *ReservationRequest) (*ReservationResponse, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Reserve")
	defer span.End()

	email, lines, err := s.normalize(req.OccurrenceID, req.Email, req.Lines)
	if err != nil {
		util.ReservationsTotal.WithLabelValues(models.OrderOriginPurchased, "invalid").Inc()
		return nil, err
	}

	canonical := canonicalRequest{OccurrenceID: req.OccurrenceID, Email: email, Lines: lines}
	fingerprint, err := Fingerprint(canonical)
	if err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = fallbackKey(fingerprint, s.now())
	}

	data, replayed, err := s.idempotency.WithIdempotency(ctx, key, fingerprint, func(ctx context.Context) ([]byte, error) {
		resp, err := s.reserve(ctx, canonical)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		return nil, err
	}

	var resp ReservationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode stored response: %w", err)
	}
	if replayed {
		s.logger.Info("Duplicate reservation request replayed",
			zap.String("idempotency_key", key),
			zap.String("external_reference", resp.ExternalReference))
		resp.Replayed = true
	}
	return &resp, nil
}

func (s *ReservationService) reserve(ctx context.Context, req canonicalRequest) (*ReservationResponse, error) {
	order, lines, err := s.reserveOrder(ctx, req, models.OrderOriginPurchased)
	if err != nil {
		return nil, err
	}

	resp := &ReservationResponse{
		ExternalReference: order.ExternalReference,
		Status:            order.Status,
		TotalAmount:       order.TotalAmount,
		Email:             order.Email,
	}

	if order.TotalAmount == 0 {
		// Nothing to charge: confirm right away through the same paid path.
		transition, err := s.fulfillment.MarkPaid(ctx, order.ExternalReference, "")
		if err != nil {
			return nil, fmt.Errorf("failed to confirm free order: %w", err)
		}
		resp.Status = transition.Order.Status
	} else {
		checkout, err := s.openCheckout(ctx, order, lines)
		if err != nil {
			s.logger.Error("Checkout creation failed, releasing reservation",
				zap.String("external_reference", order.ExternalReference),
				zap.Error(err))
			if _, rejErr := rejectOrder(context.WithoutCancel(ctx), s.repo, s.publisher, s.logger,
				order.ExternalReference, "", "checkout_failed"); rejErr != nil {
				s.logger.Error("Failed to release reservation",
					zap.String("external_reference", order.ExternalReference),
					zap.Error(rejErr))
			}
			return nil, err
		}
		resp.CheckoutID = checkout.ID
		resp.CheckoutURL = checkout.InitPoint
	}

	token, err := s.access.Create(order.ExternalReference)
	if err != nil {
		return nil, err
	}
	resp.AccessToken = token
	resp.AccessTokenExpiresAt = s.now().Add(s.access.TTL()).UTC()
	return resp, nil
}

// reserveOrder runs the locked reservation and publishes OrderReserved
func (s *ReservationService) reserveOrder(ctx context.Context, req canonicalRequest, origin string) (*models.Order, []models.OrderLine, error) {
	params := store.ReserveParams{
		ExternalReference: uuid.New().String(),
		OccurrenceID:      req.OccurrenceID,
		Email:             req.Email,
		Origin:            origin,
		Lines:             make([]store.LineRequest, len(req.Lines)),
		MaxMainUnits:      s.cfg.MaxUnitsPerLine,
	}
	for i, l := range req.Lines {
		params.Lines[i] = store.LineRequest{CategoryID: l.CategoryID, Quantity: l.Quantity}
	}

	start := time.Now()
	order, lines, err := s.repo.ReserveOrder(ctx, params)
	util.ReservationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.ReservationsTotal.WithLabelValues(origin, reservationFailure(err)).Inc()
		return nil, nil, err
	}
	util.ReservationsTotal.WithLabelValues(origin, "reserved").Inc()

	s.logger.Info("Order reserved",
		zap.String("external_reference", order.ExternalReference),
		zap.String("origin", origin),
		zap.Int64("total_amount", order.TotalAmount))

	eventLines := make([]models.OrderLineData, len(lines))
	for i, l := range lines {
		eventLines[i] = models.OrderLineData{CategoryID: l.CategoryID, Quantity: l.Quantity, UnitPrice: l.UnitPrice}
	}
	event := &models.OrderReservedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderReserved,
			Timestamp: time.Now(),
		},
		ExternalReference: order.ExternalReference,
		OccurrenceID:      order.OccurrenceID,
		Email:             order.Email,
		TotalAmount:       order.TotalAmount,
		Origin:            origin,
		Lines:             eventLines,
	}
	if err := s.publisher.PublishOrderReserved(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderReserved event", zap.Error(err))
	}
	return order, lines, nil
}

func reservationFailure(err error) string {
	switch {
	case errors.Is(err, models.ErrStockInsufficient):
		return "stock_insufficient"
	case errors.Is(err, models.ErrInvalidQuantity):
		return "invalid"
	case errors.Is(err, models.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// openCheckout asks the provider for a hosted checkout of the order
func (s *ReservationService) openCheckout(ctx context.Context, order *models.Order, lines []models.OrderLine) (*payment.Checkout, error) {
	names := make(map[int64]string)
	if rows, err := s.repo.ListAvailability(ctx, order.OccurrenceID); err == nil {
		for _, r := range rows {
			names[r.CategoryID] = r.CategoryName
		}
	}

	pref := payment.Preference{
		ExternalReference: order.ExternalReference,
		Payer:             payment.PreferencePayer{Email: order.Email},
		NotificationURL:   s.cfg.NotificationURL,
		BackURLs: payment.BackURLs{
			Success: s.cfg.SuccessURL,
			Failure: s.cfg.FailureURL,
			Pending: s.cfg.PendingURL,
		},
	}
	if s.cfg.SuccessURL != "" {
		pref.AutoReturn = "approved"
	}
	for _, l := range lines {
		if l.Amount == 0 {
			continue
		}
		title := names[l.CategoryID]
		if title == "" {
			title = fmt.Sprintf("Ticket category %d", l.CategoryID)
		}
		pref.Items = append(pref.Items, payment.PreferenceItem{
			ID:         fmt.Sprintf("%d", l.CategoryID),
			Title:      title,
			Quantity:   l.Quantity,
			UnitPrice:  float64(l.UnitPrice) / 100,
			CurrencyID: s.cfg.Currency,
		})
	}

	start := time.Now()
	checkout, err := s.provider.CreatePreference(ctx, pref)
	util.PaymentProviderLatency.WithLabelValues("create_preference").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout: %w", err)
	}
	return checkout, nil
}

// Gift issues complimentary tickets: the same capacity check as a purchase,
// at zero price, confirmed immediately
func (s *ReservationService) Gift(ctx context.Context, req *GiftRequest) (*GiftResponse, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Gift")
	defer span.End()

	email, lines, err := s.normalize(req.OccurrenceID, req.Email, req.Lines)
	if err != nil {
		util.ReservationsTotal.WithLabelValues(models.OrderOriginGift, "invalid").Inc()
		return nil, err
	}

	order, _, err := s.reserveOrder(ctx, canonicalRequest{OccurrenceID: req.OccurrenceID, Email: email, Lines: lines}, models.OrderOriginGift)
	if err != nil {
		return nil, err
	}

	transition, err := s.fulfillment.MarkPaid(ctx, order.ExternalReference, "")
	if err != nil {
		return nil, fmt.Errorf("failed to confirm gift: %w", err)
	}

	resp := &GiftResponse{
		ExternalReference: order.ExternalReference,
		Status:            transition.Order.Status,
		TicketIDs:         make([]string, len(transition.Tickets)),
	}
	for i, t := range transition.Tickets {
		resp.TicketIDs[i] = t.ID
	}
	return resp, nil
}
