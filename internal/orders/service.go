package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/facturio/facturio/internal/shared"
	"github.com/facturio/facturio/internal/totals"
)

// ErrInvalidStatus rejects lifecycle transitions the state machine forbids.
var ErrInvalidStatus = fmt.Errorf("%w: invalid status transition", shared.ErrValidation)

// Invoicer ensures and removes the invoice tied to an order. EnsureForOrder
// must be idempotent: at most one invoice per order, ever.
type Invoicer interface {
	EnsureForOrder(ctx context.Context, orderID int64) error
	DeleteByOrder(ctx context.Context, orderID int64) error
}

// DeliverySyncer keeps the delivery record aligned with the order lifecycle.
type DeliverySyncer interface {
	SyncFromOrder(ctx context.Context, ord *Order) error
	DeleteByOrder(ctx context.Context, orderID int64) error
}

// Service is the order aggregate: it owns totals recomputation and fans out
// lifecycle side effects to invoicing and delivery sync.
type Service struct {
	repo     Repository
	invoicer Invoicer
	syncer   DeliverySyncer
	locks    *shared.KeyedMutex
	audit    *shared.AuditLogger
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the order service.
func NewService(repo Repository, invoicer Invoicer, syncer DeliverySyncer, locks *shared.KeyedMutex, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	if locks == nil {
		locks = shared.NewKeyedMutex()
	}
	return &Service{
		repo:     repo,
		invoicer: invoicer,
		syncer:   syncer,
		locks:    locks,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// Submit validates and persists a new order in draft, then creates its
// delivery record.
func (s *Service) Submit(ctx context.Context, req CreateOrderRequest, createdBy int64) (*Order, error) {
	if err := ValidateCreateRequest(req); err != nil {
		return nil, err
	}

	computed, lines, err := s.computeLines(req.Lines, req.GlobalDiscountPercent)
	if err != nil {
		return nil, err
	}

	number, err := s.repo.GenerateNumber(ctx, req.Direction, s.now())
	if err != nil {
		return nil, fmt.Errorf("generate order number: %w", err)
	}

	order := Order{
		Number:                number,
		Direction:             req.Direction,
		ClientID:              req.ClientID,
		SupplierID:            req.SupplierID,
		Status:                StatusDraft,
		GlobalDiscountPercent: req.GlobalDiscountPercent,
		Net:                   computed.Net,
		Tax:                   computed.Tax,
		Gross:                 computed.Gross,
		ShippingAddress:       req.ShippingAddress,
		Notes:                 req.Notes,
		CreatedBy:             createdBy,
	}

	var orderID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		id, err := repo.Create(ctx, order)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		orderID = id
		for _, line := range lines {
			line.OrderID = orderID
			if _, err := repo.InsertLine(ctx, line); err != nil {
				return fmt.Errorf("insert order line: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	created, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	// The delivery record is created alongside the order; a sync failure is
	// logged, not fatal.
	if err := s.syncer.SyncFromOrder(ctx, created); err != nil {
		s.logger.Error("delivery sync failed", slog.Any("error", err), slog.Int64("order_id", orderID))
	}

	s.recordAudit(ctx, createdBy, "order.submit", orderID, map[string]any{"number": created.Number})
	return created, nil
}

// Update patches lines, discount, or metadata and recomputes cached totals.
// Orders frozen by the lifecycle (shipped and later, cancelled) reject edits.
func (s *Service) Update(ctx context.Context, id int64, req UpdateOrderRequest) (*Order, error) {
	unlock := s.locks.Lock(shared.OrderLockKey(id))
	defer unlock()

	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if existing.Status != StatusDraft && existing.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: cannot edit a %s order", ErrInvalidStatus, existing.Status)
	}

	upd := OrderUpdate{
		ShippingAddress: req.ShippingAddress,
		Notes:           req.Notes,
	}

	var newLines []Line
	if req.Lines != nil || req.GlobalDiscountPercent != nil {
		discount := existing.GlobalDiscountPercent
		if req.GlobalDiscountPercent != nil {
			discount = *req.GlobalDiscountPercent
		}
		lineReqs := lineRequestsFromOrder(existing)
		if req.Lines != nil {
			lineReqs = *req.Lines
		}

		computed, lines, err := s.computeLines(lineReqs, discount)
		if err != nil {
			return nil, err
		}
		newLines = lines
		upd.GlobalDiscountPercent = &discount
		upd.Net = &computed.Net
		upd.Tax = &computed.Tax
		upd.Gross = &computed.Gross
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.Update(ctx, id, upd); err != nil {
			return err
		}
		if req.Lines != nil {
			if err := repo.DeleteLines(ctx, id); err != nil {
				return err
			}
			for _, line := range newLines {
				line.OrderID = id
				if _, err := repo.InsertLine(ctx, line); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	s.recordAudit(ctx, shared.ActorFromContext(ctx), "order.update", id, nil)
	return s.repo.Get(ctx, id)
}

// ChangeStatus moves the order to the caller-named state and fans out the
// two side effects: invoice generation on billing-relevant states and
// delivery sync on every change. The side effects are independent; neither
// waits on or observes the other.
func (s *Service) ChangeStatus(ctx context.Context, id int64, next Status, actorID int64) (*Order, error) {
	unlock := s.locks.Lock(shared.OrderLockKey(id))
	defer unlock()

	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if !existing.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, existing.Status, next)
	}

	if next != existing.Status {
		if err := s.repo.UpdateStatus(ctx, id, next); err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}
	}

	updated, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var invoiceErr error
	if next.TriggersInvoice() {
		if invoiceErr = s.invoicer.EnsureForOrder(ctx, id); invoiceErr != nil {
			s.logger.Error("invoice generation failed", slog.Any("error", invoiceErr), slog.Int64("order_id", id))
		}
	}
	if err := s.syncer.SyncFromOrder(ctx, updated); err != nil {
		s.logger.Error("delivery sync failed", slog.Any("error", err), slog.Int64("order_id", id))
	}

	s.recordAudit(ctx, actorID, "order.status", id, map[string]any{"from": existing.Status, "to": next})

	// The status write already committed; surfacing the invoice failure lets
	// the caller retry (re-setting the same status is a valid transition and
	// EnsureForOrder is idempotent).
	if invoiceErr != nil {
		return updated, fmt.Errorf("ensure invoice: %w", invoiceErr)
	}
	return updated, nil
}

// Delete removes the order and cascades to its invoice and delivery. The
// cascade is best-effort: a failing dependent delete is reported in the
// CascadeReport, never blocks the order deletion itself.
func (s *Service) Delete(ctx context.Context, id int64, actorID int64) (*CascadeReport, error) {
	unlock := s.locks.Lock(shared.OrderLockKey(id))
	defer unlock()

	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	report := &CascadeReport{InvoiceDeleted: true, DeliveryDeleted: true}
	var mu sync.Mutex
	addErr := func(what string, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", what, err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.invoicer.DeleteByOrder(gctx, id); err != nil && !errors.Is(err, shared.ErrNotFound) {
			report.InvoiceDeleted = false
			addErr("invoice", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.syncer.DeleteByOrder(gctx, id); err != nil && !errors.Is(err, shared.ErrNotFound) {
			report.DeliveryDeleted = false
			addErr("delivery", err)
		}
		return nil
	})
	_ = g.Wait()

	for _, msg := range report.Errors {
		s.logger.Warn("cascade delete incomplete", slog.Int64("order_id", id), slog.String("failure", msg))
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return nil, fmt.Errorf("delete order: %w", err)
	}
	report.OrderDeleted = true

	s.recordAudit(ctx, actorID, "order.delete", id, map[string]any{"cascade_errors": len(report.Errors)})
	return report, nil
}

// Get returns the order with its lines.
func (s *Service) Get(ctx context.Context, id int64) (*Order, error) {
	return s.repo.Get(ctx, id)
}

// List returns a filtered page of orders plus the unpaged total.
func (s *Service) List(ctx context.Context, req ListOrdersRequest) ([]Order, int, error) {
	return s.repo.List(ctx, req)
}

func (s *Service) computeLines(reqs []CreateOrderLineRequest, globalDiscount decimal.Decimal) (totals.Totals, []Line, error) {
	inputs := make([]totals.LineInput, 0, len(reqs))
	for _, lr := range reqs {
		inputs = append(inputs, totals.LineInput{
			Quantity:        lr.Quantity,
			UnitPrice:       lr.UnitPrice,
			DiscountPercent: lr.DiscountPercent,
			TaxPercent:      lr.TaxPercent,
		})
	}

	computed, err := totals.Compute(inputs, globalDiscount)
	if err != nil {
		return totals.Totals{}, nil, err
	}

	lines := make([]Line, 0, len(reqs))
	for i, lr := range reqs {
		line := Line{
			ProductID:       lr.ProductID,
			Description:     lr.Description,
			Quantity:        lr.Quantity,
			UnitPrice:       lr.UnitPrice,
			DiscountPercent: lr.DiscountPercent,
			TaxPercent:      lr.TaxPercent,
			Net:             computed.Lines[i].Net,
			Tax:             computed.Lines[i].Tax,
			Gross:           computed.Lines[i].Gross,
			LineOrder:       lr.LineOrder,
		}
		if line.LineOrder == 0 {
			line.LineOrder = i + 1
		}
		lines = append(lines, line)
	}
	return computed, lines, nil
}

func lineRequestsFromOrder(o *Order) []CreateOrderLineRequest {
	reqs := make([]CreateOrderLineRequest, 0, len(o.Lines))
	for _, l := range o.Lines {
		reqs = append(reqs, CreateOrderLineRequest{
			ProductID:       l.ProductID,
			Description:     l.Description,
			Quantity:        l.Quantity,
			UnitPrice:       l.UnitPrice,
			DiscountPercent: l.DiscountPercent,
			TaxPercent:      l.TaxPercent,
			LineOrder:       l.LineOrder,
		})
	}
	return reqs
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, orderID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditEntry{
		ActorID:  actorID,
		Action:   action,
		Entity:   "order",
		EntityID: fmt.Sprintf("%d", orderID),
		Meta:     meta,
		At:       s.now(),
	})
}
