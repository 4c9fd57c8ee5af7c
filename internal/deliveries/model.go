package deliveries

import (
	"time"

	"github.com/facturio/facturio/internal/orders"
)

// Status is the delivery state, derived from the owning order. Deliveries
// never drive their own lifecycle.
type Status string

const (
	StatusInPreparation Status = "in_preparation"
	StatusShipped       Status = "shipped"
	StatusDelivered     Status = "delivered"
	StatusCancelled     Status = "cancelled"
)

// StatusForOrder maps an order state onto the delivery state.
func StatusForOrder(s orders.Status) Status {
	switch s {
	case orders.StatusShipped:
		return StatusShipped
	case orders.StatusDelivered:
		return StatusDelivered
	case orders.StatusCancelled:
		return StatusCancelled
	default:
		return StatusInPreparation
	}
}

// Delivery tracks the physical fulfilment of one order. Milestone timestamps
// are set once when the state is first reached and never overwritten.
type Delivery struct {
	ID             int64      `json:"id"`
	OrderID        int64      `json:"order_id"`
	Status         Status     `json:"status"`
	Carrier        *string    `json:"carrier,omitempty"`
	TrackingNumber *string    `json:"tracking_number,omitempty"`
	Address        *string    `json:"address,omitempty"`
	PreparedAt     *time.Time `json:"prepared_at,omitempty"`
	ShippedAt      *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// UpdateCarrierRequest sets shipping metadata on a delivery.
type UpdateCarrierRequest struct {
	Carrier        *string `json:"carrier,omitempty" validate:"omitempty,max=100"`
	TrackingNumber *string `json:"tracking_number,omitempty" validate:"omitempty,max=100"`
}
