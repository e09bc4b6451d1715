package service

import (
	"context"
	"fmt"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/store"
	"ticket-service/internal/tokens"
	"ticket-service/internal/util"

	"go.uber.org/zap"
)

// RedemptionService consumes scanned credentials at the gate
type RedemptionService struct {
	repo     store.Repository
	signer   *tokens.TicketSigner
	location *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

// NewRedemptionService creates a new redemption service. Calendar days are
// evaluated in location, the venue's time zone.
func NewRedemptionService(repo store.Repository, signer *tokens.TicketSigner, location *time.Location) *RedemptionService {
	if location == nil {
		location = time.UTC
	}
	return &RedemptionService{
		repo:     repo,
		signer:   signer,
		location: location,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// WithClock replaces the time source
func (s *RedemptionService) WithClock(now func() time.Time) *RedemptionService {
	s.now = now
	return s
}

// venueDay returns the date of now at the venue as YYYY-MM-DD
func (s *RedemptionService) venueDay(now time.Time) string {
	return now.In(s.location).Format("2006-01-02")
}

// Redeem verifies a scanned token and marks its ticket used if it is valid
// for entry today. Every rejection carries its specific reason.
func (s *RedemptionService) Redeem(ctx context.Context, token string) (*models.RedemptionResult, error) {
	ctx, span := util.StartSpan(ctx, "RedemptionService.Redeem")
	defer span.End()

	claims, err := s.signer.Verify(token)
	if err != nil {
		util.RedemptionsTotal.WithLabelValues(string(models.RedemptionInvalid)).Inc()
		return &models.RedemptionResult{Outcome: models.RedemptionInvalid}, nil
	}

	now := s.now()
	result, err := s.repo.RedeemTicket(ctx, claims.Code, s.venueDay(now), now)
	if err != nil {
		return nil, fmt.Errorf("failed to redeem ticket: %w", err)
	}

	util.RedemptionsTotal.WithLabelValues(string(result.Outcome)).Inc()
	fields := []zap.Field{zap.String("outcome", string(result.Outcome))}
	if result.Ticket != nil {
		fields = append(fields, zap.String("ticket_id", result.Ticket.ID))
	}
	s.logger.Info("Gate scan", fields...)
	return result, nil
}
