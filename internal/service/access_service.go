package service

import (
	"context"

	"ticket-service/internal/models"
	"ticket-service/internal/store"
	"ticket-service/internal/tokens"
	"ticket-service/internal/util"
)

// TicketCredential is one credential as shown to its buyer
type TicketCredential struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Label    string `json:"label"`
	Token    string `json:"token"`
	Status   string `json:"status"`
}

// OrderTickets is the answer to an access-token lookup
type OrderTickets struct {
	ExternalReference string             `json:"external_reference"`
	Status            string             `json:"status"`
	Tickets           []TicketCredential `json:"tickets"`
}

// TicketLookup resolves access tokens to an order's credentials
type TicketLookup struct {
	repo   store.Repository
	access *tokens.AccessIssuer
}

// NewTicketLookup creates a new ticket lookup
func NewTicketLookup(repo store.Repository, access *tokens.AccessIssuer) *TicketLookup {
	return &TicketLookup{repo: repo, access: access}
}

// Lookup returns the credentials of the order the token is bound to. An
// order that is not paid yet has no credentials.
func (l *TicketLookup) Lookup(ctx context.Context, token string) (*OrderTickets, error) {
	ctx, span := util.StartSpan(ctx, "TicketLookup.Lookup")
	defer span.End()

	ref, err := l.access.Verify(token)
	if err != nil {
		return nil, err
	}

	order, err := l.repo.GetOrderByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	return l.ForOrder(ctx, order)
}

// ForOrder builds the credential list of an order
func (l *TicketLookup) ForOrder(ctx context.Context, order *models.Order) (*OrderTickets, error) {
	out := &OrderTickets{
		ExternalReference: order.ExternalReference,
		Status:            order.Status,
		Tickets:           []TicketCredential{},
	}
	if order.Status != models.OrderStatusPaid {
		return out, nil
	}

	views, err := l.repo.ListTicketsByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		out.Tickets = append(out.Tickets, TicketCredential{
			ID:       v.ID,
			Category: v.CategoryName,
			Label:    v.Label(),
			Token:    v.Token,
			Status:   v.Status,
		})
	}
	return out, nil
}
