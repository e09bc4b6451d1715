package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events. Every event for one order
// is keyed by its external reference so they land on one partition in order.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(externalReference string) string {
	return "order-" + externalReference
}

// PublishOrderReserved publishes OrderReserved event
func (ep *EventPublisher) PublishOrderReserved(ctx context.Context, event *models.OrderReservedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.ExternalReference), event)
}

// PublishOrderPaid publishes OrderPaid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.ExternalReference), event)
}

// PublishOrderRejected publishes OrderRejected event
func (ep *EventPublisher) PublishOrderRejected(ctx context.Context, event *models.OrderRejectedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.ExternalReference), event)
}

// EventHandler routes incoming events to registered callbacks
type EventHandler struct {
	onOrderPaid     func(context.Context, *models.OrderPaidEvent) error
	onOrderRejected func(context.Context, *models.OrderRejectedEvent) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnOrderPaid registers a handler for OrderPaid events
func (eh *EventHandler) OnOrderPaid(handler func(context.Context, *models.OrderPaidEvent) error) {
	eh.onOrderPaid = handler
}

// OnOrderRejected registers a handler for OrderRejected events
func (eh *EventHandler) OnOrderRejected(handler func(context.Context, *models.OrderRejectedEvent) error) {
	eh.onOrderRejected = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderPaid:
		if eh.onOrderPaid != nil {
			var event models.OrderPaidEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderPaid event: %w", err)
			}
			return eh.onOrderPaid(ctx, &event)
		}

	case models.EventTypeOrderRejected:
		if eh.onOrderRejected != nil {
			var event models.OrderRejectedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderRejected event: %w", err)
			}
			return eh.onOrderRejected(ctx, &event)
		}

	case models.EventTypeOrderReserved:
		// Informational for downstream consumers; nothing to do here.

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
