package service

import (
	"context"
	"errors"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/payment"
	"ticket-service/internal/store"
	"ticket-service/internal/util"

	"go.uber.org/zap"
)

// Sources of payment knowledge
const (
	SourceCallback = "callback"
	SourcePoll     = "poll"
)

// ReconcileOutcome describes what one reconciliation attempt did
type ReconcileOutcome string

const (
	OutcomePaid         ReconcileOutcome = "paid"
	OutcomeAlreadyFinal ReconcileOutcome = "already_final"
	OutcomeRejected     ReconcileOutcome = "rejected"
	OutcomePending      ReconcileOutcome = "pending"
	OutcomeUnconfirmed  ReconcileOutcome = "not_confirmed"
	OutcomeIgnored      ReconcileOutcome = "ignored"
	OutcomeConflict     ReconcileOutcome = "conflict"
)

const (
	defaultPollLockTTL     = 3 * time.Second
	defaultProviderTimeout = 8 * time.Second
)

// Callback is an unauthenticated provider notification
type Callback struct {
	Signature string
	RequestID string
	Type      string
	DataID    string
}

// OrderStatus is what the buyer-facing status check reports
type OrderStatus struct {
	ExternalReference string           `json:"external_reference"`
	Status            string           `json:"status"`
	TotalAmount       int64            `json:"total_amount"`
	Outcome           ReconcileOutcome `json:"outcome,omitempty"`
}

// Reconciler applies provider payment state to orders. The push and pull
// paths differ only in how they learn the payment; both end in reconcile.
type Reconciler struct {
	repo            store.Repository
	provider        PaymentProvider
	verifier        SignatureChecker
	fulfillment     *Fulfillment
	publisher       EventPublisher
	locker          Locker
	pollLockTTL     time.Duration
	providerTimeout time.Duration
	logger          *zap.Logger
}

// NewReconciler creates a new reconciler. locker may be nil.
func NewReconciler(
	repo store.Repository,
	provider PaymentProvider,
	verifier SignatureChecker,
	fulfillment *Fulfillment,
	publisher EventPublisher,
	locker Locker,
	providerTimeout time.Duration,
) *Reconciler {
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}
	return &Reconciler{
		repo:            repo,
		provider:        provider,
		verifier:        verifier,
		fulfillment:     fulfillment,
		publisher:       publisher,
		locker:          locker,
		pollLockTTL:     defaultPollLockTTL,
		providerTimeout: providerTimeout,
		logger:          util.GetLogger(),
	}
}

// HandleCallback authenticates a provider notification, fetches the payment
// it names from the provider and applies it. Nothing in the callback body
// other than the payment id is trusted.
func (r *Reconciler) HandleCallback(ctx context.Context, cb Callback) (ReconcileOutcome, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleCallback")
	defer span.End()

	if err := r.verifier.Verify(cb.Signature, cb.RequestID, cb.DataID); err != nil {
		util.PaymentsReconciledTotal.WithLabelValues(SourceCallback, "bad_signature").Inc()
		r.logger.Warn("Rejected payment callback",
			zap.String("request_id", cb.RequestID),
			zap.Error(err))
		return "", err
	}

	if cb.Type != "" && cb.Type != "payment" {
		return r.record(SourceCallback, OutcomeIgnored), nil
	}
	if cb.DataID == "" {
		return "", models.ErrInvalidRequest
	}

	pctx, cancel := context.WithTimeout(ctx, r.providerTimeout)
	defer cancel()

	start := time.Now()
	p, err := r.provider.GetPayment(pctx, cb.DataID)
	util.PaymentProviderLatency.WithLabelValues("get_payment").Observe(time.Since(start).Seconds())
	if errors.Is(err, models.ErrNotFound) {
		r.logger.Warn("Callback names unknown payment", zap.String("payment_id", cb.DataID))
		return r.record(SourceCallback, OutcomeIgnored), nil
	}
	if err != nil {
		r.record(SourceCallback, OutcomeUnconfirmed)
		return OutcomeUnconfirmed, err
	}

	return r.reconcile(ctx, SourceCallback, p)
}

// Poll checks the provider for a payment of a still-reserved order. Provider
// failures and throttling report the current local state; they never change
// the order.
func (r *Reconciler) Poll(ctx context.Context, ref string) (*OrderStatus, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Poll")
	defer span.End()

	order, err := r.repo.GetOrderByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	status := &OrderStatus{
		ExternalReference: order.ExternalReference,
		Status:            order.Status,
		TotalAmount:       order.TotalAmount,
	}
	if order.Status != models.OrderStatusReserved {
		return status, nil
	}

	if r.locker != nil {
		// The lock is left to expire so it throttles polls per order.
		acquired, err := r.locker.AcquireLock(ctx, "poll:"+ref, r.pollLockTTL)
		if err != nil {
			r.logger.Warn("Poll lock unavailable", zap.String("external_reference", ref), zap.Error(err))
		} else if !acquired {
			status.Outcome = OutcomePending
			return status, nil
		}
	}

	pctx, cancel := context.WithTimeout(ctx, r.providerTimeout)
	defer cancel()

	start := time.Now()
	payments, err := r.provider.SearchPayments(pctx, ref)
	util.PaymentProviderLatency.WithLabelValues("search_payments").Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Warn("Payment search failed", zap.String("external_reference", ref), zap.Error(err))
		status.Outcome = r.record(SourcePoll, OutcomeUnconfirmed)
		return status, nil
	}

	p := pickPayment(ref, payments)
	if p == nil {
		status.Outcome = r.record(SourcePoll, OutcomePending)
		return status, nil
	}

	outcome, err := r.reconcile(ctx, SourcePoll, p)
	if errors.Is(err, models.ErrPaymentConflict) {
		return nil, err
	}
	if err != nil {
		r.logger.Error("Poll reconciliation failed", zap.String("external_reference", ref), zap.Error(err))
		status.Outcome = OutcomeUnconfirmed
		return status, nil
	}

	current, err := r.repo.GetOrderByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	status.Status = current.Status
	status.Outcome = outcome
	return status, nil
}

// pickPayment prefers an approved payment of ref, then the newest one.
// Search results carrying another reference are never reconciled.
func pickPayment(ref string, payments []payment.Payment) *payment.Payment {
	var first *payment.Payment
	for i := range payments {
		if payments[i].ExternalReference != ref {
			continue
		}
		if payments[i].Status == payment.StatusApproved {
			return &payments[i]
		}
		if first == nil {
			first = &payments[i]
		}
	}
	return first
}

// reconcile applies one authoritative payment to its order
func (r *Reconciler) reconcile(ctx context.Context, source string, p *payment.Payment) (ReconcileOutcome, error) {
	ref := p.ExternalReference
	paymentID := p.IDString()
	if ref == "" {
		r.logger.Warn("Payment has no external reference", zap.String("payment_id", paymentID))
		return r.record(source, OutcomeIgnored), nil
	}

	logger := r.logger.With(
		zap.String("source", source),
		zap.String("external_reference", ref),
		zap.String("payment_id", paymentID),
		zap.String("payment_status", p.Status))

	var (
		outcome ReconcileOutcome
		err     error
	)
	switch p.Status {
	case payment.StatusApproved:
		outcome, err = r.applyApproved(ctx, logger, p)

	case payment.StatusRejected, payment.StatusCancelled:
		var flipped bool
		flipped, err = rejectOrder(ctx, r.repo, r.publisher, r.logger, ref, paymentID, "payment_"+p.Status)
		outcome = OutcomeAlreadyFinal
		if flipped {
			outcome = OutcomeRejected
			logger.Info("Order rejected")
		}

	case payment.StatusPending, payment.StatusInProcess, payment.StatusAuthorized:
		err = r.repo.AttachPaymentID(ctx, ref, paymentID)
		outcome = OutcomePending

	default:
		logger.Info("Payment status needs no action")
		outcome = OutcomeIgnored
	}

	if errors.Is(err, models.ErrNotFound) {
		logger.Warn("Payment references unknown order")
		return r.record(source, OutcomeIgnored), nil
	}
	if errors.Is(err, models.ErrPaymentConflict) {
		logger.Error("Payment id already attached to another order", zap.Error(err))
		return r.record(source, OutcomeConflict), err
	}
	if err != nil {
		r.record(source, "error")
		return OutcomeUnconfirmed, err
	}
	return r.record(source, outcome), nil
}

func (r *Reconciler) applyApproved(ctx context.Context, logger *zap.Logger, p *payment.Payment) (ReconcileOutcome, error) {
	order, err := r.repo.GetOrderByReference(ctx, p.ExternalReference)
	if err != nil {
		return "", err
	}
	if order.Status != models.OrderStatusReserved {
		return OutcomeAlreadyFinal, nil
	}
	if paid := p.AmountMinor(); paid < order.TotalAmount {
		logger.Warn("Approved payment below order total",
			zap.Int64("paid", paid),
			zap.Int64("total_amount", order.TotalAmount))
		return OutcomeUnconfirmed, nil
	}

	transition, err := r.fulfillment.MarkPaid(ctx, p.ExternalReference, p.IDString())
	if err != nil {
		return "", err
	}
	if !transition.Flipped {
		return OutcomeAlreadyFinal, nil
	}
	return OutcomePaid, nil
}

func (r *Reconciler) record(source string, outcome ReconcileOutcome) ReconcileOutcome {
	util.PaymentsReconciledTotal.WithLabelValues(source, string(outcome)).Inc()
	return outcome
}
