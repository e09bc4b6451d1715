package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ticket-service/internal/models"
)

const ticketViewQuery = `
	SELECT t.id, t.order_id, t.order_line_id, t.occurrence_id, t.category_id, t.status, t.code, t.token,
	       t.created_at, t.redeemed_at,
	       c.slug AS category_slug, c.name AS category_name, c.admits_entry,
	       o.event_name, o.venue, o.occurs_on
	FROM tickets t
	JOIN ticket_categories c ON c.id = t.category_id
	JOIN event_occurrences o ON o.id = t.occurrence_id`

// ListTicketsByOrder retrieves the labelled tickets of an order
func (s *Store) ListTicketsByOrder(ctx context.Context, orderID int64) ([]models.TicketView, error) {
	var tickets []models.TicketView
	err := s.db.SelectContext(ctx, &tickets, ticketViewQuery+`
		WHERE t.order_id = $1
		ORDER BY t.order_line_id, t.created_at, t.id`, orderID)
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) getTicketView(ctx context.Context, code string) (*models.TicketView, error) {
	var view models.TicketView
	err := s.db.GetContext(ctx, &view, ticketViewQuery+` WHERE t.code = $1`, code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// RedeemTicket marks a ticket used if and only if it is unused, admits entry
// and belongs to venueDay. The check and the write are one statement, so two
// concurrent scans of the same code see exactly one grant.
func (s *Store) RedeemTicket(ctx context.Context, code, venueDay string, now time.Time) (*models.RedemptionResult, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		UPDATE tickets t
		SET status = 'used', redeemed_at = $3
		FROM event_occurrences o, ticket_categories c
		WHERE t.code = $1
		  AND t.status = 'issued_unused'
		  AND o.id = t.occurrence_id
		  AND c.id = t.category_id
		  AND c.admits_entry
		  AND o.occurs_on = $2::date
		RETURNING t.id`, code, venueDay, now)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to redeem ticket: %w", err)
	}

	view, lookupErr := s.getTicketView(ctx, code)
	if lookupErr != nil {
		return nil, fmt.Errorf("failed to load ticket: %w", lookupErr)
	}

	if err == nil {
		return &models.RedemptionResult{Outcome: models.RedemptionGranted, Ticket: view}, nil
	}
	return &models.RedemptionResult{Outcome: view.RejectionReason(venueDay), Ticket: view}, nil
}
