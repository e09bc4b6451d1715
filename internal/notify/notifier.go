package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"go.uber.org/zap"
)

// TicketSource loads a paid order and its credentials
type TicketSource interface {
	GetOrderByReference(ctx context.Context, ref string) (*models.Order, error)
	ListTicketsByOrder(ctx context.Context, orderID int64) ([]models.TicketView, error)
}

// Outbox is the durable delivery state of each paid order. store.Store and
// storetest.Memory implement it.
type Outbox interface {
	ClaimNotification(ctx context.Context, ref string, now time.Time, lease time.Duration) (*models.NotificationRecord, bool, error)
	CompleteNotification(ctx context.Context, ref string, now time.Time) error
	RescheduleNotification(ctx context.Context, ref, lastErr string, next time.Time) error
	AbandonNotification(ctx context.Context, ref, lastErr string, now time.Time) error
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]string, error)
	PendingNotifications(ctx context.Context) (int, error)
}

// LinkSigner mints the access token embedded in the ticket link
type LinkSigner interface {
	Create(externalReference string) (string, error)
}

// ErrNoTickets is returned when a paid order has no credentials to send
var ErrNoTickets = errors.New("order has no tickets")

// Config tunes delivery
type Config struct {
	// TicketsURL is the buyer-facing page; the access token is appended as ?token=.
	TicketsURL  string
	RetryDelay  time.Duration
	MaxAttempts int
	// Lease is how long a claimed delivery is hidden from other senders.
	// It must exceed the mailer timeout.
	Lease     time.Duration
	BatchSize int
}

// Notifier mails credentials for paid orders. Every delivery goes through a
// claim on the order's outbox row, so the event consumer and the retry sweep
// send each mail once; a failed delivery never affects the order.
type Notifier struct {
	source TicketSource
	outbox Outbox
	links  LinkSigner
	mailer Mailer
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// NewNotifier creates a new notifier
func NewNotifier(source TicketSource, outbox Outbox, links LinkSigner, mailer Mailer, cfg Config) *Notifier {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Notifier{
		source: source,
		outbox: outbox,
		links:  links,
		mailer: mailer,
		cfg:    cfg,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// Notify delivers the credentials of ref unless they were already sent or
// another delivery holds the claim. Delivery failures are recorded on the
// outbox row and not returned; only outbox errors are.
func (n *Notifier) Notify(ctx context.Context, ref string) error {
	ctx, span := util.StartSpan(ctx, "Notifier.Notify")
	defer span.End()

	_, err := n.attempt(ctx, ref)
	return err
}

// RetryDue reattempts every unsent delivery whose time has come and returns
// how many went through
func (n *Notifier) RetryDue(ctx context.Context) (int, error) {
	refs, err := n.outbox.DueNotifications(ctx, n.now(), n.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		ok, err := n.attempt(ctx, ref)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	n.updatePendingGauge(ctx)
	return sent, nil
}

// attempt claims ref, sends and records the result. The boolean reports a
// successful send by this call.
func (n *Notifier) attempt(ctx context.Context, ref string) (bool, error) {
	now := n.now()
	record, claimed, err := n.outbox.ClaimNotification(ctx, ref, now, n.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("failed to claim notification %s: %w", ref, err)
	}
	if !claimed {
		n.logger.Debug("Notification already sent or in flight", zap.String("external_reference", ref))
		return false, nil
	}

	logger := n.logger.With(
		zap.String("external_reference", ref),
		zap.Int("attempt", record.Attempts))

	sendErr := n.deliver(ctx, ref)
	switch {
	case sendErr == nil:
		util.NotificationsTotal.WithLabelValues("sent").Inc()
		if err := n.outbox.CompleteNotification(ctx, ref, n.now()); err != nil {
			return true, fmt.Errorf("failed to mark notification %s sent: %w", ref, err)
		}
		logger.Info("Credentials delivered")
		return true, nil
	case record.Attempts >= n.cfg.MaxAttempts:
		util.NotificationsTotal.WithLabelValues("abandoned").Inc()
		logger.Error("Giving up on credential delivery", zap.Error(sendErr))
		return false, n.outbox.AbandonNotification(ctx, ref, sendErr.Error(), n.now())
	default:
		util.NotificationsTotal.WithLabelValues("failed").Inc()
		// Linear backoff on the attempt count.
		next := n.now().Add(time.Duration(record.Attempts) * n.cfg.RetryDelay)
		logger.Warn("Credential delivery failed", zap.Time("next_attempt", next), zap.Error(sendErr))
		return false, n.outbox.RescheduleNotification(ctx, ref, sendErr.Error(), next)
	}
}

func (n *Notifier) deliver(ctx context.Context, ref string) error {
	order, err := n.source.GetOrderByReference(ctx, ref)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPaid {
		return fmt.Errorf("order %s is %s, not paid", ref, order.Status)
	}

	tickets, err := n.source.ListTicketsByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	if len(tickets) == 0 {
		return fmt.Errorf("order %s: %w", ref, ErrNoTickets)
	}
	doc, err := RenderCredentials(order, tickets)
	if err != nil {
		return err
	}

	token, err := n.links.Create(ref)
	if err != nil {
		return err
	}

	return n.mailer.Send(ctx, Message{
		To:      order.Email,
		Subject: fmt.Sprintf("Your tickets for %s", tickets[0].EventName),
		Body: fmt.Sprintf("Your order %s is confirmed.\n\nYour %d ticket(s) are attached and can also be viewed at:\n%s?token=%s\n",
			ref, len(tickets), n.cfg.TicketsURL, token),
		Attachments: []Attachment{{
			Filename:    "tickets-" + ref + ".pdf",
			ContentType: "application/pdf",
			Data:        doc,
		}},
	})
}

func (n *Notifier) updatePendingGauge(ctx context.Context) {
	if pending, err := n.outbox.PendingNotifications(ctx); err == nil {
		util.NotificationsPending.Set(float64(pending))
	}
}
