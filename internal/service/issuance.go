package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/store"
	"ticket-service/internal/tokens"
	"ticket-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Issuer builds the credentials of a freshly paid order
type Issuer struct {
	signer *tokens.TicketSigner
}

// NewIssuer creates a new ticket issuer
func NewIssuer(signer *tokens.TicketSigner) *Issuer {
	return &Issuer{signer: signer}
}

// Build creates one unused ticket per purchased unit with its signed token.
// It has the store.IssueFunc shape and runs inside the paid transition.
func (i *Issuer) Build(order *models.Order, lines []models.OrderLine) ([]models.Ticket, error) {
	var tickets []models.Ticket
	for _, line := range lines {
		for n := 0; n < line.Quantity; n++ {
			code := strings.ReplaceAll(uuid.New().String(), "-", "")
			token, err := i.signer.Sign(tokens.TicketClaims{
				Code:         code,
				CategoryID:   line.CategoryID,
				OccurrenceID: line.OccurrenceID,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to sign ticket: %w", err)
			}
			tickets = append(tickets, models.Ticket{
				ID:           uuid.New().String(),
				OrderID:      order.ID,
				OrderLineID:  line.ID,
				OccurrenceID: line.OccurrenceID,
				CategoryID:   line.CategoryID,
				Status:       models.TicketStatusIssuedUnused,
				Code:         code,
				Token:        token,
			})
		}
	}
	return tickets, nil
}

// Fulfillment is the single path from reserved to paid. Both reconciliation
// paths and gift issuance go through MarkPaid, so tickets are issued and the
// paid event is published only by the call that moved the order.
type Fulfillment struct {
	repo      store.Repository
	issuer    *Issuer
	publisher EventPublisher
	logger    *zap.Logger
}

// NewFulfillment creates a new fulfillment
func NewFulfillment(repo store.Repository, issuer *Issuer, publisher EventPublisher) *Fulfillment {
	return &Fulfillment{
		repo:      repo,
		issuer:    issuer,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// MarkPaid moves ref to paid and issues its tickets if it is still reserved
func (f *Fulfillment) MarkPaid(ctx context.Context, ref, paymentID string) (*store.PaidTransition, error) {
	ctx, span := util.StartSpan(ctx, "Fulfillment.MarkPaid")
	defer span.End()

	transition, err := f.repo.MarkOrderPaid(ctx, ref, paymentID, f.issuer.Build)
	if err != nil {
		return nil, err
	}
	if !transition.Flipped {
		return transition, nil
	}

	util.TicketsIssuedTotal.Add(float64(len(transition.Tickets)))
	f.logger.Info("Order paid",
		zap.String("external_reference", ref),
		zap.String("payment_id", paymentID),
		zap.Int("tickets", len(transition.Tickets)))

	ticketIDs := make([]string, len(transition.Tickets))
	for i, t := range transition.Tickets {
		ticketIDs[i] = t.ID
	}
	event := &models.OrderPaidEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderPaid,
			Timestamp: time.Now(),
		},
		ExternalReference: ref,
		Email:             transition.Order.Email,
		PaymentID:         paymentID,
		Origin:            transition.Order.Origin,
		TicketIDs:         ticketIDs,
	}
	// The outbox row written with the flip still gets the credentials out.
	if err := f.publisher.PublishOrderPaid(ctx, event); err != nil {
		f.logger.Error("Failed to publish OrderPaid event",
			zap.String("external_reference", ref),
			zap.Error(err))
	}
	return transition, nil
}

// rejectOrder moves ref to rejected if it is still reserved
func rejectOrder(ctx context.Context, repo store.Repository, publisher EventPublisher, logger *zap.Logger, ref, paymentID, reason string) (bool, error) {
	_, flipped, err := repo.MarkOrderRejected(ctx, ref, paymentID)
	if err != nil || !flipped {
		return flipped, err
	}

	event := &models.OrderRejectedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderRejected,
			Timestamp: time.Now(),
		},
		ExternalReference: ref,
		PaymentID:         paymentID,
		Reason:            reason,
	}
	if err := publisher.PublishOrderRejected(ctx, event); err != nil {
		logger.Error("Failed to publish OrderRejected event",
			zap.String("external_reference", ref),
			zap.Error(err))
	}
	return true, nil
}
