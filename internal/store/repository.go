package store

import (
	"context"
	"time"

	"ticket-service/internal/models"
)

// Repository is the persistence contract the services depend on. Every
// method is a single atomic unit against the shared store: capacity checks,
// status transitions and redemptions are never split into a read followed by
// an unconditional write.
type Repository interface {
	AvailableCapacity(ctx context.Context, inventoryID int64) (int, error)
	ListAvailability(ctx context.Context, occurrenceID int64) ([]models.Availability, error)
	AdjustStock(ctx context.Context, cfg models.DailyPriceConfig) (*models.InventoryRecord, error)

	ReserveOrder(ctx context.Context, params ReserveParams) (*models.Order, []models.OrderLine, error)
	GetOrderByReference(ctx context.Context, ref string) (*models.Order, error)
	GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error)

	MarkOrderPaid(ctx context.Context, ref, paymentID string, issue IssueFunc) (*PaidTransition, error)
	MarkOrderRejected(ctx context.Context, ref, paymentID string) (*models.Order, bool, error)
	AttachPaymentID(ctx context.Context, ref, paymentID string) error

	ListTicketsByOrder(ctx context.Context, orderID int64) ([]models.TicketView, error)
	RedeemTicket(ctx context.Context, code, venueDay string, now time.Time) (*models.RedemptionResult, error)

	ClaimIdempotencyKey(ctx context.Context, key, requestHash string, now time.Time, ttl time.Duration) (*Claim, error)
	CompleteIdempotencyKey(ctx context.Context, key string, response []byte) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// Outbox tracks the credential mail owed to each paid order. MarkOrderPaid
// writes the row; deliveries claim it with a lease so that the event
// consumer and the retry sweep never send the same mail concurrently.
type Outbox interface {
	// ClaimNotification takes the lease on ref when it is unsent, not
	// abandoned and due at now. The boolean is false when nothing was claimed.
	ClaimNotification(ctx context.Context, ref string, now time.Time, lease time.Duration) (*models.NotificationRecord, bool, error)
	CompleteNotification(ctx context.Context, ref string, now time.Time) error
	RescheduleNotification(ctx context.Context, ref, lastErr string, next time.Time) error
	AbandonNotification(ctx context.Context, ref, lastErr string, now time.Time) error
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]string, error)
	PendingNotifications(ctx context.Context) (int, error)
}

// ReserveParams describes one all-or-nothing reservation
type ReserveParams struct {
	ExternalReference string
	OccurrenceID      int64
	Email             string
	Origin            string
	Lines             []LineRequest
	// MaxMainUnits caps the quantity of each main-category line; 0 disables it
	MaxMainUnits int
}

// LineRequest is one requested (category, quantity)
type LineRequest struct {
	CategoryID int64
	Quantity   int
}

// IssueFunc builds the tickets for an order inside the paid transition.
type IssueFunc func(order *models.Order, lines []models.OrderLine) ([]models.Ticket, error)

// PaidTransition reports the result of a reserved->paid attempt. Flipped is
// true only for the caller whose update moved the order; Tickets is empty
// otherwise.
type PaidTransition struct {
	Order   *models.Order
	Tickets []models.Ticket
	Flipped bool
}

// ClaimStatus is the outcome of claiming an idempotency key
type ClaimStatus int

const (
	// ClaimAcquired means the caller inserted the in-flight marker and must run the request
	ClaimAcquired ClaimStatus = iota
	// ClaimCompleted means a prior request finished; Record.Response holds its result
	ClaimCompleted
	// ClaimInProgress means a prior request holds the marker without a result yet
	ClaimInProgress
)

// Claim is returned by ClaimIdempotencyKey
type Claim struct {
	Status ClaimStatus
	Record *models.IdempotencyRecord
}
