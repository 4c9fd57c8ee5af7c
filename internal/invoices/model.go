package invoices

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturio/facturio/internal/orders"
)

// Status is the invoice settlement state. It is derived from the payment
// ledger, never set directly by callers; cancellation is the one exception
// and is sticky once applied.
type Status string

const (
	StatusConfirmed     Status = "confirmed"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusCancelled     Status = "cancelled"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusConfirmed, StatusPartiallyPaid, StatusPaid, StatusCancelled:
		return true
	default:
		return false
	}
}

// DeriveStatus computes the settlement state from the paid amount and the
// invoice gross. A cancelled invoice stays cancelled no matter what the
// ledger says.
func DeriveStatus(amountPaid, gross decimal.Decimal, cancelled bool) Status {
	switch {
	case cancelled:
		return StatusCancelled
	case amountPaid.Sign() <= 0:
		return StatusConfirmed
	case amountPaid.GreaterThanOrEqual(gross):
		return StatusPaid
	default:
		return StatusPartiallyPaid
	}
}

// PaymentMethod is how a payment was settled.
type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodCheck    PaymentMethod = "check"
	MethodTransfer PaymentMethod = "transfer"
	MethodDraft    PaymentMethod = "draft"
	MethodCard     PaymentMethod = "card"
)

// IsValid reports whether m is a known payment method.
func (m PaymentMethod) IsValid() bool {
	switch m {
	case MethodCash, MethodCheck, MethodTransfer, MethodDraft, MethodCard:
		return true
	default:
		return false
	}
}

// Invoice is a frozen billing snapshot of one order. Amounts never track
// later order edits; the link back is OrderID, unique per invoice. The
// counterparty mirrors the order: client for sales, supplier for purchases.
type Invoice struct {
	ID              int64            `json:"id"`
	Number          string           `json:"number"`
	OrderID         int64            `json:"order_id"`
	Direction       orders.Direction `json:"direction"`
	ClientID        *int64           `json:"client_id,omitempty"`
	SupplierID      *int64           `json:"supplier_id,omitempty"`
	Status          Status           `json:"status"`
	PaymentMethod   PaymentMethod    `json:"payment_method"`
	Net             decimal.Decimal  `json:"net"`
	Tax             decimal.Decimal  `json:"tax"`
	Gross           decimal.Decimal  `json:"gross"`
	AmountPaid      decimal.Decimal  `json:"amount_paid"`
	AmountRemaining decimal.Decimal  `json:"amount_remaining"`
	IssuedAt        time.Time        `json:"issued_at"`
	DueDate         time.Time        `json:"due_date"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Lines           []Line           `json:"lines,omitempty"`
	Payments        []Payment        `json:"payments,omitempty"`
}

// Cancelled reports whether the invoice has been cancelled.
func (i *Invoice) Cancelled() bool {
	return i.Status == StatusCancelled
}

// Overdue reports whether the invoice is unsettled past its due date.
func (i *Invoice) Overdue(asOf time.Time) bool {
	if i.Status == StatusPaid || i.Status == StatusCancelled {
		return false
	}
	return asOf.After(i.DueDate)
}

// Line is a snapshotted order line. It carries its own copies of the
// amounts so later order edits cannot leak into the invoice.
type Line struct {
	ID              int64           `json:"id"`
	InvoiceID       int64           `json:"invoice_id"`
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

// Payment is one append-only ledger entry against an invoice.
type Payment struct {
	ID        int64           `json:"id"`
	InvoiceID int64           `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
	Reference string          `json:"reference"`
	PaidAt    time.Time       `json:"paid_at"`
	CreatedAt time.Time       `json:"created_at"`
}
