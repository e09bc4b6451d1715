package service

import (
	"context"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/payment"
)

// EventPublisher publishes domain events after a store transition commits
type EventPublisher interface {
	PublishOrderReserved(ctx context.Context, event *models.OrderReservedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderRejected(ctx context.Context, event *models.OrderRejectedEvent) error
}

// PaymentProvider is the subset of the provider API the services call
type PaymentProvider interface {
	GetPayment(ctx context.Context, paymentID string) (*payment.Payment, error)
	SearchPayments(ctx context.Context, externalReference string) ([]payment.Payment, error)
	CreatePreference(ctx context.Context, pref payment.Preference) (*payment.Checkout, error)
}

// SignatureChecker authenticates provider callbacks
type SignatureChecker interface {
	Verify(header, requestID, dataID string) error
}

// ResponseCache caches completed idempotent responses
type ResponseCache interface {
	CachedResponse(ctx context.Context, key string) ([]byte, bool, error)
	CacheResponse(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Locker hands out short-lived named locks
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
}
