package service

import (
	"context"
	"errors"
	"fmt"

	"ticket-service/internal/models"
	"ticket-service/internal/store"
	"ticket-service/internal/util"

	"go.uber.org/zap"
)

// Ledger answers capacity questions and applies administrative stock changes.
// Its reads are advisory; the reservation transaction is authoritative.
type Ledger struct {
	repo   store.Repository
	logger *zap.Logger
}

// NewLedger creates a new inventory ledger
func NewLedger(repo store.Repository) *Ledger {
	return &Ledger{
		repo:   repo,
		logger: util.GetLogger(),
	}
}

// StockAdjustment sets stock and price for one (occurrence, category)
type StockAdjustment struct {
	OccurrenceID   int64 `json:"-"`
	CategoryID     int64 `json:"-"`
	NominalStock   int   `json:"nominal_stock"`
	UnitPrice      int64 `json:"unit_price"`
	FomoThreshold  int   `json:"fomo_threshold"`
	OverbookingPct int   `json:"overbooking_pct"`
}

func (a StockAdjustment) validate() error {
	switch {
	case a.OccurrenceID <= 0 || a.CategoryID <= 0:
		return fmt.Errorf("%w: occurrence and category are required", models.ErrInvalidRequest)
	case a.NominalStock < 0:
		return fmt.Errorf("%w: nominal_stock must not be negative", models.ErrInvalidRequest)
	case a.UnitPrice < 0:
		return fmt.Errorf("%w: unit_price must not be negative", models.ErrInvalidPrice)
	case a.OverbookingPct < 0 || a.OverbookingPct > 100:
		return fmt.Errorf("%w: overbooking_pct must be within 0..100", models.ErrInvalidRequest)
	case a.FomoThreshold < 0 || a.FomoThreshold > 100:
		return fmt.Errorf("%w: fomo_threshold must be within 0..100", models.ErrInvalidRequest)
	}
	return nil
}

// AvailableCapacity returns total capacity minus reserved-or-paid units
func (l *Ledger) AvailableCapacity(ctx context.Context, inventoryID int64) (int, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.AvailableCapacity")
	defer span.End()

	available, err := l.repo.AvailableCapacity(ctx, inventoryID)
	if err != nil {
		return 0, err
	}
	if available < 0 {
		available = 0
	}
	return available, nil
}

// Availability lists every category of an occurrence with its remaining
// capacity and whether it is close to selling out
func (l *Ledger) Availability(ctx context.Context, occurrenceID int64) ([]models.Availability, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Availability")
	defer span.End()

	rows, err := l.repo.ListAvailability(ctx, occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list availability: %w", err)
	}
	for i := range rows {
		rows[i].Available = rows[i].TotalCapacity - rows[i].Sold
		if rows[i].Available < 0 {
			rows[i].Available = 0
		}
		rows[i].NearSellout = nearSellout(rows[i].Sold, rows[i].TotalCapacity, rows[i].FomoThreshold)
	}
	return rows, nil
}

// nearSellout reports whether the sold share has reached threshold percent
func nearSellout(sold, capacity, threshold int) bool {
	if threshold <= 0 || capacity <= 0 {
		return false
	}
	return sold*100 >= threshold*capacity
}

// AdjustStock applies an administrative stock and price change
func (l *Ledger) AdjustStock(ctx context.Context, adj StockAdjustment) (*models.InventoryRecord, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.AdjustStock")
	defer span.End()

	if err := adj.validate(); err != nil {
		util.StockAdjustmentsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	record, err := l.repo.AdjustStock(ctx, models.DailyPriceConfig{
		OccurrenceID:   adj.OccurrenceID,
		CategoryID:     adj.CategoryID,
		NominalStock:   adj.NominalStock,
		UnitPrice:      adj.UnitPrice,
		FomoThreshold:  adj.FomoThreshold,
		OverbookingPct: adj.OverbookingPct,
	})
	if errors.Is(err, models.ErrCapacityBelowSold) {
		util.StockAdjustmentsTotal.WithLabelValues("below_sold").Inc()
		return nil, err
	}
	if err != nil {
		util.StockAdjustmentsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to adjust stock: %w", err)
	}

	util.StockAdjustmentsTotal.WithLabelValues("ok").Inc()
	l.logger.Info("Stock adjusted",
		zap.Int64("occurrence_id", adj.OccurrenceID),
		zap.Int64("category_id", adj.CategoryID),
		zap.Int("total_capacity", record.TotalCapacity))
	return record, nil
}
