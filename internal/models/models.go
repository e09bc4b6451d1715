package models

import "time"

// TicketCategory is a named class of admission
type TicketCategory struct {
	ID          int64     `db:"id" json:"id"`
	Slug        string    `db:"slug" json:"slug"`
	Name        string    `db:"name" json:"name"`
	Main        bool      `db:"main" json:"main"`
	AdmitsEntry bool      `db:"admits_entry" json:"admits_entry"`
	IsFree      bool      `db:"is_free" json:"is_free"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// EventOccurrence is one calendar date of a recurring event
type EventOccurrence struct {
	ID        int64     `db:"id" json:"id"`
	EventName string    `db:"event_name" json:"event_name"`
	Venue     string    `db:"venue" json:"venue"`
	OccursOn  time.Time `db:"occurs_on" json:"occurs_on"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DailyPriceConfig holds stock and price for one (occurrence, category)
type DailyPriceConfig struct {
	OccurrenceID   int64     `db:"occurrence_id" json:"occurrence_id"`
	CategoryID     int64     `db:"category_id" json:"category_id"`
	NominalStock   int       `db:"nominal_stock" json:"nominal_stock"`
	UnitPrice      int64     `db:"unit_price" json:"unit_price"`
	FomoThreshold  int       `db:"fomo_threshold" json:"fomo_threshold"`
	OverbookingPct int       `db:"overbooking_pct" json:"overbooking_pct"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// InventoryRecord caches the total sellable capacity of one (occurrence, category)
type InventoryRecord struct {
	ID            int64     `db:"id" json:"id"`
	OccurrenceID  int64     `db:"occurrence_id" json:"occurrence_id"`
	CategoryID    int64     `db:"category_id" json:"category_id"`
	TotalCapacity int       `db:"total_capacity" json:"total_capacity"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// TotalCapacity returns floor(nominal * (1 + pct/100)) using integer arithmetic
func TotalCapacity(nominalStock, overbookingPct int) int {
	if nominalStock <= 0 {
		return 0
	}
	return nominalStock * (100 + overbookingPct) / 100
}

// Availability is the advisory per-category view of an occurrence
type Availability struct {
	InventoryID   int64  `db:"inventory_id" json:"inventory_id"`
	CategoryID    int64  `db:"category_id" json:"category_id"`
	CategorySlug  string `db:"category_slug" json:"category"`
	CategoryName  string `db:"category_name" json:"category_name"`
	UnitPrice     int64  `db:"unit_price" json:"unit_price"`
	TotalCapacity int    `db:"total_capacity" json:"total_capacity"`
	Sold          int    `db:"sold" json:"-"`
	FomoThreshold int    `db:"fomo_threshold" json:"-"`
	Available     int    `db:"-" json:"available"`
	NearSellout   bool   `db:"-" json:"near_sellout"`
}

// Order is the unit of reservation
type Order struct {
	ID                int64      `db:"id" json:"id"`
	ExternalReference string     `db:"external_reference" json:"external_reference"`
	OccurrenceID      int64      `db:"occurrence_id" json:"occurrence_id"`
	Email             string     `db:"email" json:"email"`
	TotalAmount       int64      `db:"total_amount" json:"total_amount"`
	Status            string     `db:"status" json:"status"`
	Origin            string     `db:"origin" json:"origin"`
	PaymentID         *string    `db:"payment_id" json:"payment_id,omitempty"`
	PaidAt            *time.Time `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// OrderLine is one (inventory, quantity, amount) allocation of an order
type OrderLine struct {
	ID           int64 `db:"id" json:"id"`
	OrderID      int64 `db:"order_id" json:"order_id"`
	InventoryID  int64 `db:"inventory_id" json:"inventory_id"`
	OccurrenceID int64 `db:"occurrence_id" json:"occurrence_id"`
	CategoryID   int64 `db:"category_id" json:"category_id"`
	Quantity     int   `db:"quantity" json:"quantity"`
	UnitPrice    int64 `db:"unit_price" json:"unit_price"`
	Amount       int64 `db:"amount" json:"amount"`
}

// Ticket is one redeemable credential
type Ticket struct {
	ID           string     `db:"id" json:"id"`
	OrderID      int64      `db:"order_id" json:"order_id"`
	OrderLineID  int64      `db:"order_line_id" json:"order_line_id"`
	OccurrenceID int64      `db:"occurrence_id" json:"occurrence_id"`
	CategoryID   int64      `db:"category_id" json:"category_id"`
	Status       string     `db:"status" json:"status"`
	Code         string     `db:"code" json:"-"`
	Token        string     `db:"token" json:"token"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	RedeemedAt   *time.Time `db:"redeemed_at" json:"redeemed_at,omitempty"`
}

// TicketView joins a ticket with the labels a buyer or gate needs
type TicketView struct {
	Ticket
	CategorySlug string    `db:"category_slug" json:"category"`
	CategoryName string    `db:"category_name" json:"category_name"`
	AdmitsEntry  bool      `db:"admits_entry" json:"-"`
	EventName    string    `db:"event_name" json:"event_name"`
	Venue        string    `db:"venue" json:"venue"`
	OccursOn     time.Time `db:"occurs_on" json:"occurs_on"`
}

// Label renders the venue/date label shown on credentials
func (v TicketView) Label() string {
	label := v.EventName
	if v.Venue != "" {
		label += " - " + v.Venue
	}
	return label + " - " + v.OccursOn.Format("2006-01-02")
}

// IdempotencyRecord stores the outcome of a keyed request
type IdempotencyRecord struct {
	Key         string     `db:"key"`
	RequestHash string     `db:"request_hash"`
	Response    []byte     `db:"response"`
	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// NotificationRecord is the outbox row of the credential mail owed to one
// paid order. It is written in the same transaction that marks the order
// paid, so a paid order always has one.
type NotificationRecord struct {
	ExternalReference string     `db:"external_reference"`
	Attempts          int        `db:"attempts"`
	LastError         string     `db:"last_error"`
	NextAttempt       time.Time  `db:"next_attempt"`
	SentAt            *time.Time `db:"sent_at"`
	AbandonedAt       *time.Time `db:"abandoned_at"`
	CreatedAt         time.Time  `db:"created_at"`
}

// Order statuses
const (
	OrderStatusReserved = "reserved"
	OrderStatusPaid     = "paid"
	OrderStatusRejected = "rejected"
)

// Order origins
const (
	OrderOriginPurchased = "purchased"
	OrderOriginGift      = "gift"
)

// Ticket statuses
const (
	TicketStatusIssuedUnused = "issued_unused"
	TicketStatusUsed         = "used"
)

// RedemptionOutcome is the gate-facing result of a scan
type RedemptionOutcome string

// Redemption outcomes
const (
	RedemptionGranted     RedemptionOutcome = "granted"
	RedemptionAlreadyUsed RedemptionOutcome = "already_used"
	RedemptionWrongDay    RedemptionOutcome = "wrong_day"
	RedemptionNotEntry    RedemptionOutcome = "not_entry_credential"
	RedemptionInvalid     RedemptionOutcome = "invalid"
)

// RedemptionResult carries the outcome and, when known, the ticket
type RedemptionResult struct {
	Outcome RedemptionOutcome `json:"outcome"`
	Ticket  *TicketView       `json:"ticket,omitempty"`
}
