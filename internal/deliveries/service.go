package deliveries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/facturio/facturio/internal/orders"
	"github.com/facturio/facturio/internal/shared"
)

// Service keeps one delivery record per order in step with the order
// lifecycle.
type Service struct {
	repo   Repository
	locks  *shared.KeyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the delivery service.
func NewService(repo Repository, locks *shared.KeyedMutex, logger *slog.Logger) *Service {
	if locks == nil {
		locks = shared.NewKeyedMutex()
	}
	return &Service{repo: repo, locks: locks, logger: logger, now: time.Now}
}

// SyncFromOrder creates or updates the delivery for an order. The status is
// always derived from the order; milestone timestamps are stamped the first
// time their state is reached and kept on every later sync.
func (s *Service) SyncFromOrder(ctx context.Context, ord *orders.Order) error {
	// Callers in the order aggregate already hold OrderLockKey; taking it
	// again here would self-deadlock, so delivery writes get their own key.
	unlock := s.locks.Lock(shared.DeliveryLockKey(ord.ID))
	defer unlock()

	target := StatusForOrder(ord.Status)
	now := s.now()

	existing, err := s.repo.GetByOrderID(ctx, ord.ID)
	if errors.Is(err, shared.ErrNotFound) {
		d := Delivery{
			OrderID: ord.ID,
			Status:  target,
			Address: ord.ShippingAddress,
		}
		s.stampMilestones(&d, target, now)
		if _, err := s.repo.Create(ctx, d); err != nil {
			// A concurrent sync won the insert; fall through to the update path.
			if !errors.Is(err, shared.ErrConflict) {
				return fmt.Errorf("create delivery: %w", err)
			}
			if existing, err = s.repo.GetByOrderID(ctx, ord.ID); err != nil {
				return fmt.Errorf("refetch delivery after conflict: %w", err)
			}
		} else {
			return nil
		}
	} else if err != nil {
		return fmt.Errorf("lookup delivery: %w", err)
	}

	upd := DeliveryUpdate{}
	changed := false
	if existing.Status != target {
		upd.Status = &target
		changed = true
	}
	probe := *existing
	s.stampMilestones(&probe, target, now)
	if probe.PreparedAt != existing.PreparedAt {
		upd.PreparedAt = probe.PreparedAt
		changed = true
	}
	if probe.ShippedAt != existing.ShippedAt {
		upd.ShippedAt = probe.ShippedAt
		changed = true
	}
	if probe.DeliveredAt != existing.DeliveredAt {
		upd.DeliveredAt = probe.DeliveredAt
		changed = true
	}
	if !changed {
		return nil
	}
	if err := s.repo.Update(ctx, existing.ID, upd); err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

// stampMilestones fills the timestamp for the reached state when still unset.
// A shipped or delivered order implies the earlier milestones as well.
func (s *Service) stampMilestones(d *Delivery, target Status, now time.Time) {
	switch target {
	case StatusDelivered:
		if d.DeliveredAt == nil {
			d.DeliveredAt = &now
		}
		fallthrough
	case StatusShipped:
		if d.ShippedAt == nil {
			d.ShippedAt = &now
		}
		fallthrough
	case StatusInPreparation:
		if d.PreparedAt == nil {
			d.PreparedAt = &now
		}
	case StatusCancelled:
	}
}

// Get returns the delivery for an order.
func (s *Service) Get(ctx context.Context, orderID int64) (*Delivery, error) {
	return s.repo.GetByOrderID(ctx, orderID)
}

// UpdateCarrier sets carrier metadata without touching the derived state.
func (s *Service) UpdateCarrier(ctx context.Context, orderID int64, req UpdateCarrierRequest) (*Delivery, error) {
	if req.Carrier == nil && req.TrackingNumber == nil {
		return nil, shared.Invalidf("carrier", "nothing to update")
	}

	unlock := s.locks.Lock(shared.DeliveryLockKey(orderID))
	defer unlock()

	existing, err := s.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("lookup delivery: %w", err)
	}
	err = s.repo.Update(ctx, existing.ID, DeliveryUpdate{
		Carrier:        req.Carrier,
		TrackingNumber: req.TrackingNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("update carrier: %w", err)
	}
	return s.repo.GetByOrderID(ctx, orderID)
}

// DeleteByOrder removes the delivery for an order, if any. Used by the order
// cascade delete.
func (s *Service) DeleteByOrder(ctx context.Context, orderID int64) error {
	return s.repo.DeleteByOrder(ctx, orderID)
}
