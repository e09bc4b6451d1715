package worker

import (
	"context"
	"log"
	"time"

	"ticket-service/internal/broker"
	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"go.uber.org/zap"
)

// MessageSource is the consumer side of the event stream
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// Notifications delivers credentials and drains the outbox of unsent ones
type Notifications interface {
	Notify(ctx context.Context, externalReference string) error
	RetryDue(ctx context.Context) (int, error)
}

// NotificationWorker mails credentials when an order is paid
type NotificationWorker struct {
	consumer      MessageSource
	eventHandler  *broker.EventHandler
	notifications Notifications
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer MessageSource, notifications Notifications, retryInterval time.Duration) *NotificationWorker {
	if retryInterval <= 0 {
		retryInterval = 30 * time.Second
	}
	w := &NotificationWorker{
		consumer:      consumer,
		eventHandler:  broker.NewEventHandler(),
		notifications: notifications,
		retryInterval: retryInterval,
		logger:        util.GetLogger(),
	}

	w.eventHandler.OnOrderPaid(w.handleOrderPaid)
	w.eventHandler.OnOrderRejected(w.handleOrderRejected)
	return w
}

func (w *NotificationWorker) handleOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	w.logger.Info("Delivering credentials",
		zap.String("external_reference", event.ExternalReference),
		zap.Int("tickets", len(event.TicketIDs)))
	return w.notifications.Notify(ctx, event.ExternalReference)
}

func (w *NotificationWorker) handleOrderRejected(_ context.Context, event *models.OrderRejectedEvent) error {
	w.logger.Info("Order rejected, nothing to deliver",
		zap.String("external_reference", event.ExternalReference),
		zap.String("reason", event.Reason))
	return nil
}

// Start consumes events and runs the retry loop until ctx is done
func (w *NotificationWorker) Start(ctx context.Context) error {
	log.Println("Starting notification worker...")
	go w.RetryLoop(ctx)
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// RetryLoop periodically drains due outbox rows
func (w *NotificationWorker) RetryLoop(ctx context.Context) {
	ticker := time.NewTicker(w.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := w.notifications.RetryDue(ctx)
			if err != nil {
				w.logger.Error("Notification retry pass failed", zap.Error(err))
				continue
			}
			if sent > 0 {
				w.logger.Info("Retried pending notifications", zap.Int("sent", sent))
			}
		}
	}
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	log.Println("Stopping notification worker...")
	return w.consumer.Close()
}
