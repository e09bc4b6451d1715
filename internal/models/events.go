package models

import "time"

// Event types
const (
	EventTypeOrderReserved = "ORDER_RESERVED"
	EventTypeOrderPaid     = "ORDER_PAID"
	EventTypeOrderRejected = "ORDER_REJECTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderReservedEvent published when capacity is held for a new order
type OrderReservedEvent struct {
	BaseEvent
	ExternalReference string          `json:"external_reference"`
	OccurrenceID      int64           `json:"occurrence_id"`
	Email             string          `json:"email"`
	TotalAmount       int64           `json:"total_amount"`
	Origin            string          `json:"origin"`
	Lines             []OrderLineData `json:"lines"`
}

// OrderPaidEvent published once, by the transition that flipped the order to paid
type OrderPaidEvent struct {
	BaseEvent
	ExternalReference string   `json:"external_reference"`
	Email             string   `json:"email"`
	PaymentID         string   `json:"payment_id,omitempty"`
	Origin            string   `json:"origin"`
	TicketIDs         []string `json:"ticket_ids"`
}

// OrderRejectedEvent published when a reserved order is rejected
type OrderRejectedEvent struct {
	BaseEvent
	ExternalReference string `json:"external_reference"`
	PaymentID         string `json:"payment_id,omitempty"`
	Reason            string `json:"reason"`
}

// OrderLineData represents a line in events
type OrderLineData struct {
	CategoryID int64 `json:"category_id"`
	Quantity   int   `json:"quantity"`
	UnitPrice  int64 `json:"unit_price"`
}
