package orders

import "github.com/facturio/facturio/internal/shared"

// ValidateCreateRequest enforces the direction/counterparty pairing: a sale
// carries a client reference and no supplier, a purchase the reverse.
func ValidateCreateRequest(req CreateOrderRequest) error {
	if !req.Direction.IsValid() {
		return shared.Invalidf("direction", "must be sale or purchase")
	}
	switch req.Direction {
	case DirectionSale:
		if req.ClientID == nil {
			return shared.Invalidf("client_id", "required for a sale order")
		}
		if req.SupplierID != nil {
			return shared.Invalidf("supplier_id", "not allowed on a sale order")
		}
	case DirectionPurchase:
		if req.SupplierID == nil {
			return shared.Invalidf("supplier_id", "required for a purchase order")
		}
		if req.ClientID != nil {
			return shared.Invalidf("client_id", "not allowed on a purchase order")
		}
	}
	return nil
}
