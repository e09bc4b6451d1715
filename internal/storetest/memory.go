// Package storetest provides an in-memory store.Repository for service and
// handler tests. Every method runs under one mutex, which gives the same
// all-or-nothing behaviour the Postgres transactions provide.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/store"
)

type pairKey struct {
	occurrenceID int64
	categoryID   int64
}

// Memory is a goroutine-safe in-memory repository
type Memory struct {
	mu sync.Mutex

	nextID int64

	categories  map[int64]models.TicketCategory
	occurrences map[int64]models.EventOccurrence
	configs     map[pairKey]models.DailyPriceConfig
	inventory   map[int64]*models.InventoryRecord
	inventoryBy map[pairKey]int64

	orders     map[int64]*models.Order
	orderByRef map[string]int64
	lines      map[int64][]models.OrderLine
	paymentIDs map[string]int64

	tickets      map[string]*models.Ticket
	ticketByCode map[string]string

	idempotency map[string]*models.IdempotencyRecord

	notifications map[string]*models.NotificationRecord

	// Now stamps created/paid/redeemed times; defaults to time.Now
	Now func() time.Time
}

var (
	_ store.Repository = (*Memory)(nil)
	_ store.Outbox     = (*Memory)(nil)
)

// NewMemory creates an empty repository
func NewMemory() *Memory {
	return &Memory{
		categories:   make(map[int64]models.TicketCategory),
		occurrences:  make(map[int64]models.EventOccurrence),
		configs:      make(map[pairKey]models.DailyPriceConfig),
		inventory:    make(map[int64]*models.InventoryRecord),
		inventoryBy:  make(map[pairKey]int64),
		orders:       make(map[int64]*models.Order),
		orderByRef:   make(map[string]int64),
		lines:        make(map[int64][]models.OrderLine),
		paymentIDs:   make(map[string]int64),
		tickets:      make(map[string]*models.Ticket),
		ticketByCode: make(map[string]string),
		idempotency:  make(map[string]*models.IdempotencyRecord),

		notifications: make(map[string]*models.NotificationRecord),
		Now:           time.Now,
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// AddCategory seeds a ticket category and returns its id
func (m *Memory) AddCategory(c models.TicketCategory) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.id()
	c.CreatedAt = m.Now()
	m.categories[c.ID] = c
	return c.ID
}

// AddOccurrence seeds an event occurrence and returns its id
func (m *Memory) AddOccurrence(o models.EventOccurrence) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.id()
	o.CreatedAt = m.Now()
	m.occurrences[o.ID] = o
	return o.ID
}

// OrderCount returns the number of orders stored
func (m *Memory) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// TicketCount returns the number of tickets stored
func (m *Memory) TicketCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickets)
}

// Tickets returns a copy of every stored ticket
func (m *Memory) Tickets() []models.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		out = append(out, *t)
	}
	return out
}

func (m *Memory) sold(inventoryID int64) int {
	sold := 0
	for orderID, lines := range m.lines {
		status := m.orders[orderID].Status
		if status != models.OrderStatusReserved && status != models.OrderStatusPaid {
			continue
		}
		for _, l := range lines {
			if l.InventoryID == inventoryID {
				sold += l.Quantity
			}
		}
	}
	return sold
}

func (m *Memory) AvailableCapacity(ctx context.Context, inventoryID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.inventory[inventoryID]
	if !ok {
		return 0, fmt.Errorf("inventory %d: %w", inventoryID, models.ErrNotFound)
	}
	return inv.TotalCapacity - m.sold(inventoryID), nil
}

func (m *Memory) ListAvailability(ctx context.Context, occurrenceID int64) ([]models.Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []models.Availability
	for _, inv := range m.inventory {
		if inv.OccurrenceID != occurrenceID {
			continue
		}
		cat := m.categories[inv.CategoryID]
		cfg := m.configs[pairKey{inv.OccurrenceID, inv.CategoryID}]
		rows = append(rows, models.Availability{
			InventoryID:   inv.ID,
			CategoryID:    inv.CategoryID,
			CategorySlug:  cat.Slug,
			CategoryName:  cat.Name,
			UnitPrice:     cfg.UnitPrice,
			TotalCapacity: inv.TotalCapacity,
			Sold:          m.sold(inv.ID),
			FomoThreshold: cfg.FomoThreshold,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CategoryID < rows[j].CategoryID })
	return rows, nil
}

func (m *Memory) AdjustStock(ctx context.Context, cfg models.DailyPriceConfig) (*models.InventoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.occurrences[cfg.OccurrenceID]; !ok {
		return nil, fmt.Errorf("occurrence %d: %w", cfg.OccurrenceID, models.ErrNotFound)
	}
	if _, ok := m.categories[cfg.CategoryID]; !ok {
		return nil, fmt.Errorf("category %d: %w", cfg.CategoryID, models.ErrNotFound)
	}

	key := pairKey{cfg.OccurrenceID, cfg.CategoryID}
	capacity := models.TotalCapacity(cfg.NominalStock, cfg.OverbookingPct)

	invID, ok := m.inventoryBy[key]
	if ok {
		if sold := m.sold(invID); capacity < sold {
			return nil, fmt.Errorf("%w: capacity=%d, reserved=%d", models.ErrCapacityBelowSold, capacity, sold)
		}
	} else {
		invID = m.id()
		m.inventoryBy[key] = invID
		m.inventory[invID] = &models.InventoryRecord{ID: invID, OccurrenceID: cfg.OccurrenceID, CategoryID: cfg.CategoryID}
	}

	cfg.UpdatedAt = m.Now()
	m.configs[key] = cfg
	inv := m.inventory[invID]
	inv.TotalCapacity = capacity
	inv.UpdatedAt = cfg.UpdatedAt
	record := *inv
	return &record, nil
}

func (m *Memory) ReserveOrder(ctx context.Context, params store.ReserveParams) (*models.Order, []models.OrderLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orderByRef[params.ExternalReference]; exists {
		return nil, nil, fmt.Errorf("duplicate external reference %s", params.ExternalReference)
	}

	lines := make([]models.OrderLine, 0, len(params.Lines))
	var total int64
	for _, req := range params.Lines {
		key := pairKey{params.OccurrenceID, req.CategoryID}
		invID, ok := m.inventoryBy[key]
		if !ok {
			return nil, nil, fmt.Errorf("occurrence %d category %d: %w", params.OccurrenceID, req.CategoryID, models.ErrNotFound)
		}
		if m.categories[req.CategoryID].Main && params.MaxMainUnits > 0 && req.Quantity > params.MaxMainUnits {
			return nil, nil, fmt.Errorf("%w: at most %d units per main category, category=%d",
				models.ErrInvalidQuantity, params.MaxMainUnits, req.CategoryID)
		}
		cfg := m.configs[key]
		unitPrice := cfg.UnitPrice
		if params.Origin == models.OrderOriginGift {
			unitPrice = 0
		} else if unitPrice < 0 || (unitPrice == 0 && !m.categories[req.CategoryID].IsFree) {
			return nil, nil, fmt.Errorf("occurrence %d category %d: %w", params.OccurrenceID, req.CategoryID, models.ErrInvalidPrice)
		}

		available := m.inventory[invID].TotalCapacity - m.sold(invID)
		if req.Quantity > available {
			return nil, nil, fmt.Errorf("%w: category=%d, available=%d, requested=%d",
				models.ErrStockInsufficient, req.CategoryID, available, req.Quantity)
		}
		amount := unitPrice * int64(req.Quantity)
		total += amount
		lines = append(lines, models.OrderLine{
			InventoryID:  invID,
			OccurrenceID: params.OccurrenceID,
			CategoryID:   req.CategoryID,
			Quantity:     req.Quantity,
			UnitPrice:    unitPrice,
			Amount:       amount,
		})
	}

	now := m.Now()
	order := &models.Order{
		ID:                m.id(),
		ExternalReference: params.ExternalReference,
		OccurrenceID:      params.OccurrenceID,
		Email:             params.Email,
		TotalAmount:       total,
		Status:            models.OrderStatusReserved,
		Origin:            params.Origin,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for i := range lines {
		lines[i].ID = m.id()
		lines[i].OrderID = order.ID
	}
	m.orders[order.ID] = order
	m.orderByRef[order.ExternalReference] = order.ID
	m.lines[order.ID] = lines

	out := *order
	return &out, append([]models.OrderLine(nil), lines...), nil
}

func (m *Memory) orderByReference(ref string) (*models.Order, error) {
	id, ok := m.orderByRef[ref]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", ref, models.ErrNotFound)
	}
	return m.orders[id], nil
}

func (m *Memory) GetOrderByReference(ctx context.Context, ref string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, err := m.orderByReference(ref)
	if err != nil {
		return nil, err
	}
	out := *order
	return &out, nil
}

func (m *Memory) GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderLine(nil), m.lines[orderID]...), nil
}

// setPaymentID applies the unique payment id rule
func (m *Memory) setPaymentID(order *models.Order, paymentID string) error {
	if paymentID == "" {
		return nil
	}
	if owner, ok := m.paymentIDs[paymentID]; ok && owner != order.ID {
		return fmt.Errorf("orders_payment_id_key: %w", models.ErrPaymentConflict)
	}
	if order.PaymentID != nil && *order.PaymentID != paymentID {
		delete(m.paymentIDs, *order.PaymentID)
	}
	m.paymentIDs[paymentID] = order.ID
	id := paymentID
	order.PaymentID = &id
	return nil
}

func (m *Memory) MarkOrderPaid(ctx context.Context, ref, paymentID string, issue store.IssueFunc) (*store.PaidTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, err := m.orderByReference(ref)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusReserved {
		out := *order
		return &store.PaidTransition{Order: &out}, nil
	}

	// Work on a copy so a failure leaves the stored order untouched.
	next := *order
	if paymentID != "" {
		if owner, ok := m.paymentIDs[paymentID]; ok && owner != order.ID {
			return nil, fmt.Errorf("orders_payment_id_key: %w", models.ErrPaymentConflict)
		}
	}
	now := m.Now()
	next.Status = models.OrderStatusPaid
	next.PaidAt = &now
	next.UpdatedAt = now

	tickets, err := issue(&next, append([]models.OrderLine(nil), m.lines[order.ID]...))
	if err != nil {
		return nil, fmt.Errorf("failed to build tickets: %w", err)
	}
	for _, t := range tickets {
		if _, dup := m.tickets[t.ID]; dup {
			return nil, fmt.Errorf("duplicate ticket id %s", t.ID)
		}
		if _, dup := m.ticketByCode[t.Code]; dup {
			return nil, fmt.Errorf("duplicate ticket code")
		}
	}

	if err := m.setPaymentID(&next, paymentID); err != nil {
		return nil, err
	}
	*order = next
	for i := range tickets {
		tickets[i].CreatedAt = now
		t := tickets[i]
		m.tickets[t.ID] = &t
		m.ticketByCode[t.Code] = t.ID
	}
	if _, ok := m.notifications[ref]; !ok {
		m.notifications[ref] = &models.NotificationRecord{ExternalReference: ref, NextAttempt: now, CreatedAt: now}
	}

	out := *order
	return &store.PaidTransition{Order: &out, Tickets: tickets, Flipped: true}, nil
}

func (m *Memory) MarkOrderRejected(ctx context.Context, ref, paymentID string) (*models.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, err := m.orderByReference(ref)
	if err != nil {
		return nil, false, err
	}
	if order.Status != models.OrderStatusReserved {
		out := *order
		return &out, false, nil
	}
	if err := m.setPaymentID(order, paymentID); err != nil {
		return nil, false, err
	}
	order.Status = models.OrderStatusRejected
	order.UpdatedAt = m.Now()
	out := *order
	return &out, true, nil
}

func (m *Memory) AttachPaymentID(ctx context.Context, ref, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.orderByRef[ref]
	if !ok || m.orders[id].Status != models.OrderStatusReserved {
		return nil
	}
	return m.setPaymentID(m.orders[id], paymentID)
}

func (m *Memory) view(t *models.Ticket) models.TicketView {
	cat := m.categories[t.CategoryID]
	occ := m.occurrences[t.OccurrenceID]
	return models.TicketView{
		Ticket:       *t,
		CategorySlug: cat.Slug,
		CategoryName: cat.Name,
		AdmitsEntry:  cat.AdmitsEntry,
		EventName:    occ.EventName,
		Venue:        occ.Venue,
		OccursOn:     occ.OccursOn,
	}
}

func (m *Memory) ListTicketsByOrder(ctx context.Context, orderID int64) ([]models.TicketView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var views []models.TicketView
	for _, t := range m.tickets {
		if t.OrderID == orderID {
			views = append(views, m.view(t))
		}
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].OrderLineID != views[j].OrderLineID {
			return views[i].OrderLineID < views[j].OrderLineID
		}
		return views[i].ID < views[j].ID
	})
	return views, nil
}

func (m *Memory) RedeemTicket(ctx context.Context, code, venueDay string, now time.Time) (*models.RedemptionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.ticketByCode[code]
	if !ok {
		return &models.RedemptionResult{Outcome: models.RedemptionInvalid}, nil
	}
	t := m.tickets[id]
	v := m.view(t)
	// RejectionReason falls through to invalid only when nothing blocks entry.
	if reason := v.RejectionReason(venueDay); reason != models.RedemptionInvalid {
		return &models.RedemptionResult{Outcome: reason, Ticket: &v}, nil
	}

	t.Status = models.TicketStatusUsed
	redeemedAt := now
	t.RedeemedAt = &redeemedAt
	v = m.view(t)
	return &models.RedemptionResult{Outcome: models.RedemptionGranted, Ticket: &v}, nil
}

func (m *Memory) ClaimIdempotencyKey(ctx context.Context, key, requestHash string, now time.Time, ttl time.Duration) (*store.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.idempotency[key]; ok && rec.CreatedAt.Before(now.Add(-ttl)) {
		delete(m.idempotency, key)
	}
	rec, ok := m.idempotency[key]
	if !ok {
		rec = &models.IdempotencyRecord{Key: key, RequestHash: requestHash, CreatedAt: now}
		m.idempotency[key] = rec
		out := *rec
		return &store.Claim{Status: store.ClaimAcquired, Record: &out}, nil
	}
	out := *rec
	if rec.CompletedAt != nil {
		return &store.Claim{Status: store.ClaimCompleted, Record: &out}, nil
	}
	return &store.Claim{Status: store.ClaimInProgress, Record: &out}, nil
}

func (m *Memory) CompleteIdempotencyKey(ctx context.Context, key string, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idempotency[key]
	if !ok || rec.CompletedAt != nil {
		return nil
	}
	now := m.Now()
	rec.Response = append([]byte(nil), response...)
	rec.CompletedAt = &now
	return nil
}

func (m *Memory) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.idempotency[key]; ok && rec.CompletedAt == nil {
		delete(m.idempotency, key)
	}
	return nil
}

// Notification returns a copy of the outbox row of ref
func (m *Memory) Notification(ref string) (models.NotificationRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.notifications[ref]
	if !ok {
		return models.NotificationRecord{}, false
	}
	return *rec, true
}

func (m *Memory) ClaimNotification(ctx context.Context, ref string, now time.Time, lease time.Duration) (*models.NotificationRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.notifications[ref]
	if !ok || rec.SentAt != nil || rec.AbandonedAt != nil || rec.NextAttempt.After(now) {
		return nil, false, nil
	}
	rec.Attempts++
	rec.NextAttempt = now.Add(lease)
	out := *rec
	return &out, true, nil
}

func (m *Memory) CompleteNotification(ctx context.Context, ref string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.notifications[ref]; ok && rec.SentAt == nil {
		sentAt := now
		rec.SentAt = &sentAt
		rec.LastError = ""
	}
	return nil
}

func (m *Memory) RescheduleNotification(ctx context.Context, ref, lastErr string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.notifications[ref]; ok && rec.SentAt == nil {
		rec.LastError = lastErr
		rec.NextAttempt = next
	}
	return nil
}

func (m *Memory) AbandonNotification(ctx context.Context, ref, lastErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.notifications[ref]; ok && rec.SentAt == nil {
		abandonedAt := now
		rec.LastError = lastErr
		rec.AbandonedAt = &abandonedAt
	}
	return nil
}

func (m *Memory) DueNotifications(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*models.NotificationRecord
	for _, rec := range m.notifications {
		if rec.SentAt == nil && rec.AbandonedAt == nil && !rec.NextAttempt.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttempt.Before(due[j].NextAttempt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	refs := make([]string, len(due))
	for i, rec := range due {
		refs[i] = rec.ExternalReference
	}
	return refs, nil
}

func (m *Memory) PendingNotifications(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.notifications {
		if rec.SentAt == nil && rec.AbandonedAt == nil {
			n++
		}
	}
	return n, nil
}
