package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"ticket-service/internal/models"
)

const orderColumns = `id, external_reference, occurrence_id, email, total_amount, status, origin, payment_id, paid_at, created_at, updated_at`

// lockedInventory is the row read under FOR UPDATE for each requested line
type lockedInventory struct {
	InventoryID   int64         `db:"inventory_id"`
	TotalCapacity int           `db:"total_capacity"`
	Main          bool          `db:"main"`
	IsFree        bool          `db:"is_free"`
	UnitPrice     sql.NullInt64 `db:"unit_price"`
}

// ReserveOrder checks capacity for every line under the inventory row lock
// and inserts the order with its lines, all in one transaction. Any failing
// line aborts the whole batch.
func (s *Store) ReserveOrder(ctx context.Context, params ReserveParams) (*models.Order, []models.OrderLine, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	// Lock in category order so concurrent multi-line orders cannot deadlock.
	requested := make([]LineRequest, len(params.Lines))
	copy(requested, params.Lines)
	sort.Slice(requested, func(i, j int) bool { return requested[i].CategoryID < requested[j].CategoryID })

	lines := make([]models.OrderLine, 0, len(requested))
	var total int64

	for _, req := range requested {
		var inv lockedInventory
		err := tx.GetContext(ctx, &inv, `
			SELECT i.id AS inventory_id, i.total_capacity, c.main, c.is_free, pc.unit_price
			FROM inventory i
			JOIN ticket_categories c ON c.id = i.category_id
			LEFT JOIN daily_price_configs pc ON pc.occurrence_id = i.occurrence_id AND pc.category_id = i.category_id
			WHERE i.occurrence_id = $1 AND i.category_id = $2
			FOR UPDATE OF i`, params.OccurrenceID, req.CategoryID)
		if err == sql.ErrNoRows {
			return nil, nil, fmt.Errorf("occurrence %d category %d: %w", params.OccurrenceID, req.CategoryID, models.ErrNotFound)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to lock inventory: %w", err)
		}

		if inv.Main && params.MaxMainUnits > 0 && req.Quantity > params.MaxMainUnits {
			return nil, nil, fmt.Errorf("%w: at most %d units per main category, category=%d",
				models.ErrInvalidQuantity, params.MaxMainUnits, req.CategoryID)
		}

		unitPrice, err := resolvePrice(params.Origin, inv.UnitPrice, inv.IsFree)
		if err != nil {
			return nil, nil, fmt.Errorf("occurrence %d category %d: %w", params.OccurrenceID, req.CategoryID, err)
		}

		var sold int
		if err := tx.GetContext(ctx, &sold, soldQuantityQuery, inv.InventoryID); err != nil {
			return nil, nil, fmt.Errorf("failed to sum reserved quantity: %w", err)
		}

		available := inv.TotalCapacity - sold
		if req.Quantity > available {
			return nil, nil, fmt.Errorf("%w: category=%d, available=%d, requested=%d",
				models.ErrStockInsufficient, req.CategoryID, available, req.Quantity)
		}

		amount := unitPrice * int64(req.Quantity)
		total += amount
		lines = append(lines, models.OrderLine{
			InventoryID:  inv.InventoryID,
			OccurrenceID: params.OccurrenceID,
			CategoryID:   req.CategoryID,
			Quantity:     req.Quantity,
			UnitPrice:    unitPrice,
			Amount:       amount,
		})
	}

	order := &models.Order{
		ExternalReference: params.ExternalReference,
		OccurrenceID:      params.OccurrenceID,
		Email:             params.Email,
		TotalAmount:       total,
		Status:            models.OrderStatusReserved,
		Origin:            params.Origin,
	}
	err = tx.GetContext(ctx, order, `
		INSERT INTO orders (external_reference, occurrence_id, email, total_amount, status, origin)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+orderColumns,
		order.ExternalReference, order.OccurrenceID, order.Email, order.TotalAmount, order.Status, order.Origin)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create order: %w", translate(err))
	}

	for i := range lines {
		lines[i].OrderID = order.ID
		err := tx.GetContext(ctx, &lines[i].ID, `
			INSERT INTO order_lines (order_id, inventory_id, occurrence_id, category_id, quantity, unit_price, amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			lines[i].OrderID, lines[i].InventoryID, lines[i].OccurrenceID, lines[i].CategoryID,
			lines[i].Quantity, lines[i].UnitPrice, lines[i].Amount)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create order line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return order, lines, nil
}

// resolvePrice returns the unit price to charge. Gifts are always zero; a
// purchase needs a configured price, and zero is only accepted for a free
// category.
func resolvePrice(origin string, configured sql.NullInt64, isFree bool) (int64, error) {
	if origin == models.OrderOriginGift {
		return 0, nil
	}
	if !configured.Valid || configured.Int64 < 0 {
		return 0, models.ErrInvalidPrice
	}
	if configured.Int64 == 0 && !isFree {
		return 0, models.ErrInvalidPrice
	}
	return configured.Int64, nil
}

// GetOrderByReference retrieves an order by its external reference
func (s *Store) GetOrderByReference(ctx context.Context, ref string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE external_reference = $1", ref)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", ref, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderLines retrieves all lines for an order
func (s *Store) GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error) {
	var lines []models.OrderLine
	err := s.db.SelectContext(ctx, &lines, `
		SELECT id, order_id, inventory_id, occurrence_id, category_id, quantity, unit_price, amount
		FROM order_lines WHERE order_id = $1 ORDER BY id`, orderID)
	return lines, err
}

// MarkOrderPaid performs the reserved->paid transition as a conditional
// update and, only when this call moved the order, inserts the tickets built
// by issue and the notification outbox row in the same transaction.
func (s *Store) MarkOrderPaid(ctx context.Context, ref, paymentID string, issue IssueFunc) (*PaidTransition, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var order models.Order
	err = tx.GetContext(ctx, &order, `
		UPDATE orders
		SET status = 'paid', payment_id = COALESCE(NULLIF($2, ''), payment_id), paid_at = NOW(), updated_at = NOW()
		WHERE external_reference = $1 AND status = 'reserved'
		RETURNING `+orderColumns, ref, paymentID)
	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		current, err := s.GetOrderByReference(ctx, ref)
		if err != nil {
			return nil, err
		}
		return &PaidTransition{Order: current}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark order paid: %w", translate(err))
	}

	var lines []models.OrderLine
	err = tx.SelectContext(ctx, &lines, `
		SELECT id, order_id, inventory_id, occurrence_id, category_id, quantity, unit_price, amount
		FROM order_lines WHERE order_id = $1 ORDER BY id`, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order lines: %w", err)
	}

	tickets, err := issue(&order, lines)
	if err != nil {
		return nil, fmt.Errorf("failed to build tickets: %w", err)
	}

	for i := range tickets {
		err := tx.GetContext(ctx, &tickets[i].CreatedAt, `
			INSERT INTO tickets (id, order_id, order_line_id, occurrence_id, category_id, status, code, token)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at`,
			tickets[i].ID, tickets[i].OrderID, tickets[i].OrderLineID, tickets[i].OccurrenceID,
			tickets[i].CategoryID, tickets[i].Status, tickets[i].Code, tickets[i].Token)
		if err != nil {
			return nil, fmt.Errorf("failed to insert ticket: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notification_outbox (external_reference, next_attempt)
		VALUES ($1, NOW())
		ON CONFLICT (external_reference) DO NOTHING`, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to queue notification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &PaidTransition{Order: &order, Tickets: tickets, Flipped: true}, nil
}

// MarkOrderRejected performs the reserved->rejected transition. The boolean
// reports whether this call moved the order.
func (s *Store) MarkOrderRejected(ctx context.Context, ref, paymentID string) (*models.Order, bool, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		UPDATE orders
		SET status = 'rejected', payment_id = COALESCE(NULLIF($2, ''), payment_id), updated_at = NOW()
		WHERE external_reference = $1 AND status = 'reserved'
		RETURNING `+orderColumns, ref, paymentID)
	if err == sql.ErrNoRows {
		current, err := s.GetOrderByReference(ctx, ref)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark order rejected: %w", translate(err))
	}
	return &order, true, nil
}

// AttachPaymentID records a pending payment against a reserved order
// without changing its status
func (s *Store) AttachPaymentID(ctx context.Context, ref, paymentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET payment_id = $2, updated_at = NOW()
		WHERE external_reference = $1 AND status = 'reserved'`, ref, paymentID)
	if err != nil {
		return fmt.Errorf("failed to attach payment id: %w", translate(err))
	}
	return nil
}
