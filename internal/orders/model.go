package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the order lifecycle state. Transitions are caller-driven; the
// aggregate validates them but never infers them.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

var statusRank = map[Status]int{
	StatusDraft:      0,
	StatusConfirmed:  1,
	StatusInProgress: 2,
	StatusShipped:    3,
	StatusDelivered:  4,
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusConfirmed, StatusInProgress, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransitionTo reports whether the lifecycle allows moving to next.
// Re-setting the current status is allowed so retried requests stay safe.
// Forward moves may skip intermediate states; backward moves are rejected.
func (s Status) CanTransitionTo(next Status) bool {
	if !next.IsValid() {
		return false
	}
	if next == s {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// TriggersInvoice reports whether entering s must ensure an invoice exists.
func (s Status) TriggersInvoice() bool {
	return s == StatusConfirmed || s == StatusShipped || s == StatusDelivered
}

// Direction tags an order as a sale (client counterparty) or a purchase
// (supplier counterparty).
type Direction string

const (
	DirectionSale     Direction = "sale"
	DirectionPurchase Direction = "purchase"
)

// IsValid reports whether d is a known direction.
func (d Direction) IsValid() bool {
	return d == DirectionSale || d == DirectionPurchase
}

// Order is the aggregate root of the billing workflow. Its cached totals are
// derived, never hand-set; every mutating operation recomputes them.
type Order struct {
	ID                    int64           `json:"id"`
	Number                string          `json:"number"`
	Direction             Direction       `json:"direction"`
	ClientID              *int64          `json:"client_id,omitempty"`
	SupplierID            *int64          `json:"supplier_id,omitempty"`
	Status                Status          `json:"status"`
	GlobalDiscountPercent decimal.Decimal `json:"global_discount_percent"`
	Net                   decimal.Decimal `json:"net"`
	Tax                   decimal.Decimal `json:"tax"`
	Gross                 decimal.Decimal `json:"gross"`
	ShippingAddress       *string         `json:"shipping_address,omitempty"`
	Notes                 *string         `json:"notes,omitempty"`
	CreatedBy             int64           `json:"created_by"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	Lines                 []Line          `json:"lines,omitempty"`
}

// CounterpartyID returns the client or supplier id matching the direction.
func (o *Order) CounterpartyID() int64 {
	if o.Direction == DirectionPurchase {
		if o.SupplierID != nil {
			return *o.SupplierID
		}
		return 0
	}
	if o.ClientID != nil {
		return *o.ClientID
	}
	return 0
}

// Line is one order line. Lines are owned by the order and have no
// independent lifecycle; derived amounts are recomputed on every change.
type Line struct {
	ID              int64           `json:"id"`
	OrderID         int64           `json:"order_id"`
	ProductID       int64           `json:"product_id"`
	Description     *string         `json:"description,omitempty"`
	Quantity        int64           `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	TaxPercent      decimal.Decimal `json:"tax_percent"`
	Net             decimal.Decimal `json:"net"`
	Tax             decimal.Decimal `json:"tax"`
	Gross           decimal.Decimal `json:"gross"`
	LineOrder       int             `json:"line_order"`
}
