package invoices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/facturio/facturio/internal/orders"
	"github.com/facturio/facturio/internal/shared"
)

// DueTermDays is the payment term applied at generation time.
const DueTermDays = 15

// OrderSource loads the order an invoice snapshots. Satisfied by the order
// repository; an interface here keeps the dependency one-way.
type OrderSource interface {
	Get(ctx context.Context, id int64) (*orders.Order, error)
}

// Service owns invoice generation and the payment ledger.
type Service struct {
	repo     Repository
	orderSrc OrderSource
	locks    *shared.KeyedMutex
	dlock    *shared.DocumentLock
	audit    *shared.AuditLogger
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the invoice service. dlock may be nil; the unique
// index on order_id remains the authoritative guard either way.
func NewService(repo Repository, orderSrc OrderSource, locks *shared.KeyedMutex, dlock *shared.DocumentLock, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	if locks == nil {
		locks = shared.NewKeyedMutex()
	}
	return &Service{
		repo:     repo,
		orderSrc: orderSrc,
		locks:    locks,
		dlock:    dlock,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// EnsureForOrder returns the invoice for an order, generating it on first
// call. It is idempotent under concurrency: the store's unique index on
// order_id decides races, and a losing insert recovers by refetching the
// winner instead of failing.
func (s *Service) EnsureForOrder(ctx context.Context, orderID int64) (*Invoice, error) {
	unlock := s.locks.Lock(shared.InvoiceGenLockKey(orderID))
	defer unlock()

	if s.dlock != nil {
		release, err := s.dlock.Acquire(ctx, shared.InvoiceGenLockKey(orderID))
		if err != nil {
			// Proceed without the cross-process lock; the unique index still
			// guarantees at most one invoice.
			s.logger.Warn("invoice generation lock unavailable", slog.Any("error", err), slog.Int64("order_id", orderID))
		} else {
			defer release()
		}
	}

	existing, err := s.repo.GetByOrderID(ctx, orderID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("lookup invoice for order %d: %w", orderID, err)
	}

	ord, err := s.orderSrc.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", orderID, err)
	}
	if ord.Status == orders.StatusDraft || ord.Status == orders.StatusCancelled {
		return nil, shared.Invalidf("status", "cannot invoice a %s order", ord.Status)
	}

	inv, err := s.generate(ctx, ord)
	if err == nil {
		s.recordAudit(ctx, "invoice.generate", inv.ID, map[string]any{"order_id": orderID, "number": inv.Number})
		return inv, nil
	}
	if !errors.Is(err, ErrDuplicateOrderRef) {
		// Conflicts other than the order-ref index (a number collision, say)
		// are not recoverable by refetching.
		return nil, err
	}

	// Lost the insert race to another process: the invoice exists now.
	winner, ferr := s.repo.GetByOrderID(ctx, orderID)
	if ferr != nil {
		return nil, fmt.Errorf("refetch invoice after conflict: %w", ferr)
	}
	return winner, nil
}

func (s *Service) generate(ctx context.Context, ord *orders.Order) (*Invoice, error) {
	issuedAt := s.now()
	number, err := s.repo.GenerateNumber(ctx, issuedAt)
	if err != nil {
		return nil, fmt.Errorf("generate invoice number: %w", err)
	}

	inv := Invoice{
		Number:        number,
		OrderID:       ord.ID,
		Direction:     ord.Direction,
		Status:        StatusConfirmed,
		PaymentMethod: MethodTransfer,
		Net:           ord.Net,
		Tax:           ord.Tax,
		Gross:         ord.Gross,
		IssuedAt:      issuedAt,
		DueDate:       issuedAt.AddDate(0, 0, DueTermDays),
	}
	// The order schema guarantees exactly one counterparty per direction.
	switch ord.Direction {
	case orders.DirectionPurchase:
		inv.SupplierID = ord.SupplierID
	default:
		inv.ClientID = ord.ClientID
	}

	var invoiceID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		id, err := repo.Create(ctx, inv)
		if err != nil {
			return err
		}
		invoiceID = id
		for _, ol := range ord.Lines {
			line := Line{
				InvoiceID:       invoiceID,
				ProductID:       ol.ProductID,
				Description:     ol.Description,
				Quantity:        ol.Quantity,
				UnitPrice:       ol.UnitPrice,
				DiscountPercent: ol.DiscountPercent,
				TaxPercent:      ol.TaxPercent,
				Net:             ol.Net,
				Tax:             ol.Tax,
				Gross:           ol.Gross,
				LineOrder:       ol.LineOrder,
			}
			if _, err := repo.InsertLine(ctx, line); err != nil {
				return fmt.Errorf("snapshot invoice line: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, invoiceID)
}

// ApplyPayment appends a ledger entry and recomputes the settlement state.
// The ledger is append-only; overpayment is recorded as-is and pushes the
// remaining amount negative.
func (s *Service) ApplyPayment(ctx context.Context, invoiceID int64, req ApplyPaymentRequest) (*Invoice, error) {
	if req.Amount.Sign() <= 0 {
		return nil, shared.Invalidf("amount", "must be strictly positive")
	}
	method := req.Method
	if method == "" {
		method = MethodTransfer
	}
	if !method.IsValid() {
		return nil, shared.Invalidf("method", "unknown payment method %q", req.Method)
	}

	unlock := s.locks.Lock(shared.InvoiceLockKey(invoiceID))
	defer unlock()

	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		inv, err := repo.GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}

		payment := Payment{
			InvoiceID: invoiceID,
			Amount:    req.Amount,
			Method:    method,
			PaidAt:    s.now(),
		}
		if req.Reference != nil {
			payment.Reference = *req.Reference
		} else {
			payment.Reference = uuid.NewString()
		}
		if req.PaidAt != nil {
			payment.PaidAt = *req.PaidAt
		}
		if _, err := repo.InsertPayment(ctx, payment); err != nil {
			return err
		}

		newPaid := inv.AmountPaid.Add(req.Amount)
		status := DeriveStatus(newPaid, inv.Gross, inv.Cancelled())
		return repo.UpdateSettlement(ctx, invoiceID, newPaid, status)
	})
	if err != nil {
		return nil, fmt.Errorf("apply payment: %w", err)
	}

	s.recordAudit(ctx, "invoice.payment", invoiceID, map[string]any{"amount": req.Amount.String(), "method": method})
	return s.repo.Get(ctx, invoiceID)
}

// Cancel marks the invoice cancelled. Cancellation is sticky: later payments
// still land in the ledger but never resurrect the status.
func (s *Service) Cancel(ctx context.Context, invoiceID int64) (*Invoice, error) {
	unlock := s.locks.Lock(shared.InvoiceLockKey(invoiceID))
	defer unlock()

	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		inv, err := repo.GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Cancelled() {
			return nil
		}
		return repo.MarkCancelled(ctx, invoiceID)
	})
	if err != nil {
		return nil, fmt.Errorf("cancel invoice: %w", err)
	}

	s.recordAudit(ctx, "invoice.cancel", invoiceID, nil)
	return s.repo.Get(ctx, invoiceID)
}

// Get returns an invoice with its lines and ledger.
func (s *Service) Get(ctx context.Context, id int64) (*Invoice, error) {
	return s.repo.Get(ctx, id)
}

// GetByOrderID returns the invoice tied to an order.
func (s *Service) GetByOrderID(ctx context.Context, orderID int64) (*Invoice, error) {
	return s.repo.GetByOrderID(ctx, orderID)
}

// List returns a filtered page of invoices plus the unpaged total.
func (s *Service) List(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error) {
	return s.repo.List(ctx, req)
}

// ListOverdue returns unsettled invoices past their due date.
func (s *Service) ListOverdue(ctx context.Context, asOf time.Time) ([]Invoice, error) {
	return s.repo.ListOverdue(ctx, asOf)
}

// DeleteByOrder removes the invoice for an order, if any. Used by the order
// cascade delete.
func (s *Service) DeleteByOrder(ctx context.Context, orderID int64) error {
	return s.repo.DeleteByOrder(ctx, orderID)
}

func (s *Service) recordAudit(ctx context.Context, action string, invoiceID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditEntry{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "invoice",
		EntityID: fmt.Sprintf("%d", invoiceID),
		Meta:     meta,
		At:       s.now(),
	})
}
