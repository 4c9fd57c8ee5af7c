package invoices

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturio/facturio/internal/orders"
	"github.com/facturio/facturio/internal/shared"
)

type memRepo struct {
	mu       sync.Mutex
	invoices map[int64]*Invoice
	byOrder  map[int64]int64
	lines    map[int64][]Line
	payments map[int64][]Payment
	nextID   int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		invoices: map[int64]*Invoice{},
		byOrder:  map[int64]int64{},
		lines:    map[int64][]Line{},
		payments: map[int64][]Payment{},
	}
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, m)
}

func (m *memRepo) Get(_ context.Context, id int64) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *memRepo) getLocked(id int64) (*Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *inv
	cp.AmountRemaining = cp.Gross.Sub(cp.AmountPaid)
	cp.Lines = append([]Line(nil), m.lines[id]...)
	cp.Payments = append([]Payment(nil), m.payments[id]...)
	return &cp, nil
}

func (m *memRepo) GetForUpdate(ctx context.Context, id int64) (*Invoice, error) {
	return m.Get(ctx, id)
}

func (m *memRepo) GetByOrderID(_ context.Context, orderID int64) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return m.getLocked(id)
}

func (m *memRepo) List(_ context.Context, req ListInvoicesRequest) ([]Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Invoice
	for _, inv := range m.invoices {
		if req.Status != nil && inv.Status != *req.Status {
			continue
		}
		cp := *inv
		cp.AmountRemaining = cp.Gross.Sub(cp.AmountPaid)
		out = append(out, cp)
	}
	return out, len(out), nil
}

func (m *memRepo) ListOverdue(_ context.Context, asOf time.Time) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Invoice
	for _, inv := range m.invoices {
		if inv.Overdue(asOf) {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (m *memRepo) Create(_ context.Context, inv Invoice) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byOrder[inv.OrderID]; exists {
		return 0, fmt.Errorf("order %d: %w", inv.OrderID, ErrDuplicateOrderRef)
	}
	for _, existing := range m.invoices {
		if existing.Number == inv.Number {
			return 0, &shared.ConflictError{Constraint: "invoices_number_key"}
		}
	}
	m.nextID++
	inv.ID = m.nextID
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	m.invoices[inv.ID] = &inv
	m.byOrder[inv.OrderID] = inv.ID
	return inv.ID, nil
}

func (m *memRepo) InsertLine(_ context.Context, line Line) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	line.ID = m.nextID
	m.lines[line.InvoiceID] = append(m.lines[line.InvoiceID], line)
	return line.ID, nil
}

func (m *memRepo) InsertPayment(_ context.Context, p Payment) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Now()
	m.payments[p.InvoiceID] = append(m.payments[p.InvoiceID], p)
	return p.ID, nil
}

func (m *memRepo) UpdateSettlement(_ context.Context, id int64, amountPaid decimal.Decimal, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return shared.ErrNotFound
	}
	inv.AmountPaid = amountPaid
	inv.Status = status
	inv.UpdatedAt = time.Now()
	return nil
}

func (m *memRepo) MarkCancelled(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return shared.ErrNotFound
	}
	inv.Status = StatusCancelled
	inv.UpdatedAt = time.Now()
	return nil
}

func (m *memRepo) DeleteByOrder(_ context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOrder[orderID]
	if !ok {
		return shared.ErrNotFound
	}
	delete(m.invoices, id)
	delete(m.byOrder, orderID)
	delete(m.lines, id)
	delete(m.payments, id)
	return nil
}

func (m *memRepo) GenerateNumber(_ context.Context, at time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := fmt.Sprintf("INV-%s-", at.Format("0601"))
	var max int64
	for _, inv := range m.invoices {
		if !strings.HasPrefix(inv.Number, prefix) {
			continue
		}
		var n int64
		if _, err := fmt.Sscanf(strings.TrimPrefix(inv.Number, prefix), "%d", &n); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%04d", prefix, max+1), nil
}

type fakeOrders struct {
	mu     sync.Mutex
	orders map[int64]*orders.Order
}

func (f *fakeOrders) Get(_ context.Context, id int64) (*orders.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return v
}

func confirmedOrder(t *testing.T, id int64) *orders.Order {
	clientID := int64(9)
	return &orders.Order{
		ID:        id,
		Number:    fmt.Sprintf("SO-2608-%04d", id),
		Direction: orders.DirectionSale,
		Status:    orders.StatusConfirmed,
		ClientID:  &clientID,
		Net:       d(t, "200"),
		Tax:       d(t, "38"),
		Gross:     d(t, "238"),
		Lines: []orders.Line{
			{ProductID: 1, Quantity: 2, UnitPrice: d(t, "100"), TaxPercent: d(t, "19"),
				Net: d(t, "200"), Tax: d(t, "38"), Gross: d(t, "238"), LineOrder: 1},
		},
	}
}

func newTestService(repo Repository, src OrderSource) *Service {
	return NewService(repo, src, shared.NewKeyedMutex(), nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnsureForOrderGeneratesOnce(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{1: confirmedOrder(t, 1)}}
	svc := newTestService(repo, src)

	first, err := svc.EnsureForOrder(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, first.Status)
	assert.Equal(t, MethodTransfer, first.PaymentMethod)
	assert.True(t, first.Gross.Equal(d(t, "238")))
	require.Len(t, first.Lines, 1)

	second, err := svc.EnsureForOrder(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, repo.invoices, 1)
}

func purchaseOrder(t *testing.T, id int64) *orders.Order {
	ord := confirmedOrder(t, id)
	supplierID := int64(31)
	ord.Number = fmt.Sprintf("PO-2608-%04d", id)
	ord.Direction = orders.DirectionPurchase
	ord.ClientID = nil
	ord.SupplierID = &supplierID
	return ord
}

func TestEnsureForOrderMirrorsCounterparty(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{
		1: confirmedOrder(t, 1),
		2: purchaseOrder(t, 2),
	}}
	svc := newTestService(repo, src)

	sale, err := svc.EnsureForOrder(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, orders.DirectionSale, sale.Direction)
	require.NotNil(t, sale.ClientID)
	assert.Equal(t, int64(9), *sale.ClientID)
	assert.Nil(t, sale.SupplierID)

	purchase, err := svc.EnsureForOrder(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, orders.DirectionPurchase, purchase.Direction)
	require.NotNil(t, purchase.SupplierID, "purchase invoice must keep the supplier reference")
	assert.Equal(t, int64(31), *purchase.SupplierID)
	assert.Nil(t, purchase.ClientID)
}

func TestEnsureForOrderDueDate(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{1: confirmedOrder(t, 1)}}
	svc := newTestService(repo, src)
	issued := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }

	inv, err := svc.EnsureForOrder(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, issued, inv.IssuedAt)
	assert.Equal(t, issued.AddDate(0, 0, 15), inv.DueDate)
}

func TestEnsureForOrderConcurrent(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{1: confirmedOrder(t, 1)}}

	// Separate service instances simulate separate processes: no shared
	// in-process lock, only the store's uniqueness guarantee.
	const workers = 16
	ids := make([]int64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc := newTestService(repo, src)
			inv, err := svc.EnsureForOrder(context.Background(), 1)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = inv.ID
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	assert.Len(t, repo.invoices, 1)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestEnsureForOrderSnapshotIsFrozen(t *testing.T) {
	repo := newMemRepo()
	ord := confirmedOrder(t, 1)
	src := &fakeOrders{orders: map[int64]*orders.Order{1: ord}}
	svc := newTestService(repo, src)

	inv, err := svc.EnsureForOrder(context.Background(), 1)
	require.NoError(t, err)

	// Later edits to the order must not leak into the invoice.
	src.mu.Lock()
	ord.Gross = d(t, "999")
	src.mu.Unlock()

	again, err := svc.EnsureForOrder(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, again.ID)
	assert.True(t, again.Gross.Equal(d(t, "238")), "gross = %s", again.Gross)
}

func TestEnsureForOrderRejectsDraftAndCancelled(t *testing.T) {
	for _, status := range []orders.Status{orders.StatusDraft, orders.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			repo := newMemRepo()
			ord := confirmedOrder(t, 1)
			ord.Status = status
			src := &fakeOrders{orders: map[int64]*orders.Order{1: ord}}
			svc := newTestService(repo, src)

			_, err := svc.EnsureForOrder(context.Background(), 1)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
}

func TestEnsureForOrderUnknownOrder(t *testing.T) {
	svc := newTestService(newMemRepo(), &fakeOrders{orders: map[int64]*orders.Order{}})
	_, err := svc.EnsureForOrder(context.Background(), 42)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func ensuredInvoice(t *testing.T, svc *Service) *Invoice {
	t.Helper()
	inv, err := svc.EnsureForOrder(context.Background(), 1)
	require.NoError(t, err)
	return inv
}

func TestApplyPaymentPartialThenFull(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{1: confirmedOrder(t, 1)}}
	svc := newTestService(repo, src)
	inv := ensuredInvoice(t, svc)

	after, err := svc.ApplyPayment(context.Background(), inv.ID, ApplyPaymentRequest{
		Amount: d(t, "100"), Method: MethodCash,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyPaid, after.Status)
	assert.True(t, after.AmountPaid.Equal(d(t, "100")))
	assert.True(t, after.AmountRemaining.Equal(d(t, "138")))

	after, err = svc.ApplyPayment(context.Background(), inv.ID, ApplyPaymentRequest{
		Amount: d(t, "138"), Method: MethodTransfer,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, after.Status)
	assert.True(t, after.AmountRemaining.IsZero())
	assert.Len(t, after.Payments, 2)
}

func TestApplyPaymentOverpaymentGoesNegative(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{1: confirmedOrder(t, 1)}}
	svc := newTestService(repo, src)
	inv := ensuredInvoice(t, svc)

	after, err := svc.ApplyPayment(context.Background(), inv.ID, ApplyPaymentRequest{
		Amount: d(t, "300"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, after.Status)
	assert.True(t, after.AmountRemaining.Equal(d(t, "-62")), "remaining = %s", after.AmountRemaining)
}

func TestApplyPaymentRejectsNonPositiveAmount(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{1: confirmedOrder(t, 1)}}
	svc := newTestService(repo, src)
	inv := ensuredInvoice(t, svc)

	for _, amount := range []string{"0", "-5"} {
		_, err := svc.ApplyPayment(context.Background(), inv.ID, ApplyPaymentRequest{Amount: d(t, amount)})
		require.ErrorIs(t, err, shared.ErrValidation, "amount %s", amount)
	}
	assert.Empty(t, repo.payments[inv.ID], "rejected payments must not reach the ledger")
}

func TestApplyPaymentRejectsUnknownMethod(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{1: confirmedOrder(t, 1)}}
	svc := newTestService(repo, src)
	inv := ensuredInvoice(t, svc)

	_, err := svc.ApplyPayment(context.Background(), inv.ID, ApplyPaymentRequest{
		Amount: d(t, "10"), Method: "barter",
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestApplyPaymentDefaultsReferenceAndMethod(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{1: confirmedOrder(t, 1)}}
	svc := newTestService(repo, src)
	inv := ensuredInvoice(t, svc)

	after, err := svc.ApplyPayment(context.Background(), inv.ID, ApplyPaymentRequest{Amount: d(t, "10")})
	require.NoError(t, err)
	require.Len(t, after.Payments, 1)
	assert.Equal(t, MethodTransfer, after.Payments[0].Method)
	assert.NotEmpty(t, after.Payments[0].Reference)
}

func TestCancelIsSticky(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{1: confirmedOrder(t, 1)}}
	svc := newTestService(repo, src)
	inv := ensuredInvoice(t, svc)

	cancelled, err := svc.Cancel(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// A later payment lands in the ledger but cannot resurrect the status.
	after, err := svc.ApplyPayment(context.Background(), inv.ID, ApplyPaymentRequest{Amount: d(t, "238")})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, after.Status)
	assert.True(t, after.AmountPaid.Equal(d(t, "238")))

	// Cancel is idempotent.
	again, err := svc.Cancel(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
}

func TestDeriveStatus(t *testing.T) {
	gross := decimal.NewFromInt(100)
	cases := map[string]struct {
		paid      string
		cancelled bool
		want      Status
	}{
		"zero":       {"0", false, StatusConfirmed},
		"negative":   {"-10", false, StatusConfirmed},
		"partial":    {"40", false, StatusPartiallyPaid},
		"exact":      {"100", false, StatusPaid},
		"over":       {"150", false, StatusPaid},
		"cancelled":  {"100", true, StatusCancelled},
		"cancelled0": {"0", true, StatusCancelled},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			paid, err := decimal.NewFromString(tc.paid)
			require.NoError(t, err)
			assert.Equal(t, tc.want, DeriveStatus(paid, gross, tc.cancelled))
		})
	}
}

func TestListOverdue(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{1: confirmedOrder(t, 1)}}
	svc := newTestService(repo, src)
	issued := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }
	inv := ensuredInvoice(t, svc)

	overdue, err := svc.ListOverdue(context.Background(), issued.AddDate(0, 0, 20))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, inv.ID, overdue[0].ID)

	notYet, err := svc.ListOverdue(context.Background(), issued.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Empty(t, notYet)
}

func TestGenerateNumberSurvivesCascadeDelete(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{
		1: confirmedOrder(t, 1),
		2: confirmedOrder(t, 2),
		3: confirmedOrder(t, 3),
	}}
	svc := newTestService(repo, src)

	_, err := svc.EnsureForOrder(context.Background(), 1)
	require.NoError(t, err)
	second, err := svc.EnsureForOrder(context.Background(), 2)
	require.NoError(t, err)

	// Deleting the first invoice must not make the next number collide with
	// a live one.
	require.NoError(t, svc.DeleteByOrder(context.Background(), 1))

	third, err := svc.EnsureForOrder(context.Background(), 3)
	require.NoError(t, err)
	assert.NotEqual(t, second.Number, third.Number)
}

// numberClashRepo fails every insert with a number-key violation, standing in
// for a same-instant numbering race.
type numberClashRepo struct {
	*memRepo
}

func (r *numberClashRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, r)
}

func (r *numberClashRepo) Create(context.Context, Invoice) (int64, error) {
	return 0, &shared.ConflictError{Constraint: "invoices_number_key"}
}

func TestEnsureForOrderSurfacesNumberConflict(t *testing.T) {
	repo := &numberClashRepo{memRepo: newMemRepo()}
	src := &fakeOrders{orders: map[int64]*orders.Order{1: confirmedOrder(t, 1)}}
	svc := newTestService(repo, src)

	// A number collision is not the order-ref race: no invoice exists to
	// refetch, so the conflict must come back as-is.
	_, err := svc.EnsureForOrder(context.Background(), 1)
	require.ErrorIs(t, err, shared.ErrConflict)
	assert.NotErrorIs(t, err, shared.ErrNotFound)
}

func TestDeleteByOrder(t *testing.T) {
	repo := newMemRepo()
	src := &fakeOrders{orders: map[int64]*orders.Order{1: confirmedOrder(t, 1)}}
	svc := newTestService(repo, src)
	ensuredInvoice(t, svc)

	require.NoError(t, svc.DeleteByOrder(context.Background(), 1))
	require.ErrorIs(t, svc.DeleteByOrder(context.Background(), 1), shared.ErrNotFound)
}
