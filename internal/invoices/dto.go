package invoices

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApplyPaymentRequest records one payment against an invoice.
type ApplyPaymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
	Reference *string         `json:"reference,omitempty" validate:"omitempty,max=100"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
}

// ListInvoicesRequest filters the invoice list.
type ListInvoicesRequest struct {
	Status   *Status    `json:"status,omitempty"`
	ClientID *int64     `json:"client_id,omitempty" validate:"omitempty,gt=0"`
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
	Limit    int        `json:"limit" validate:"gte=0,lte=1000"`
	Offset   int        `json:"offset" validate:"gte=0"`
}
