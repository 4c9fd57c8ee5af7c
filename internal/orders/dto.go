package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreateOrderLineRequest is a line item in a submit or update request.
type CreateOrderLineRequest struct {
	ProductID       int64           `json:"product_id" validate:"required,gt=0"`
	Description     *string         `json:"description,omitempty" validate:"omitempty,max=500"`
	Quantity        int64           `json:"quantity" validate:"required,gt=0"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	TaxPercent      decimal.Decimal `json:"tax_percent"`
	LineOrder       int             `json:"line_order" validate:"gte=0"`
}

// CreateOrderRequest submits a new order.
type CreateOrderRequest struct {
	Direction             Direction                `json:"direction" validate:"required"`
	ClientID              *int64                   `json:"client_id,omitempty" validate:"omitempty,gt=0"`
	SupplierID            *int64                   `json:"supplier_id,omitempty" validate:"omitempty,gt=0"`
	GlobalDiscountPercent decimal.Decimal          `json:"global_discount_percent"`
	ShippingAddress       *string                  `json:"shipping_address,omitempty" validate:"omitempty,max=500"`
	Notes                 *string                  `json:"notes,omitempty"`
	Lines                 []CreateOrderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// UpdateOrderRequest patches an existing order. Nil fields are left alone;
// replacing lines or the global discount triggers a totals recompute.
type UpdateOrderRequest struct {
	GlobalDiscountPercent *decimal.Decimal          `json:"global_discount_percent,omitempty"`
	ShippingAddress       *string                   `json:"shipping_address,omitempty" validate:"omitempty,max=500"`
	Notes                 *string                   `json:"notes,omitempty"`
	Lines                 *[]CreateOrderLineRequest `json:"lines,omitempty" validate:"omitempty,min=1,dive"`
}

// ChangeStatusRequest names the target lifecycle state.
type ChangeStatusRequest struct {
	Status Status `json:"status" validate:"required"`
}

// ListOrdersRequest filters the order list.
type ListOrdersRequest struct {
	Direction *Direction `json:"direction,omitempty"`
	Status    *Status    `json:"status,omitempty"`
	DateFrom  *time.Time `json:"date_from,omitempty"`
	DateTo    *time.Time `json:"date_to,omitempty"`
	Limit     int        `json:"limit" validate:"gte=0,lte=1000"`
	Offset    int        `json:"offset" validate:"gte=0"`
}

// CascadeReport describes the outcome of a best-effort cascade delete.
type CascadeReport struct {
	OrderDeleted    bool     `json:"order_deleted"`
	InvoiceDeleted  bool     `json:"invoice_deleted"`
	DeliveryDeleted bool     `json:"delivery_deleted"`
	Errors          []string `json:"errors,omitempty"`
}
