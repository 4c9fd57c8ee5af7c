package invoices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/facturio/facturio/internal/platform/db"
	"github.com/facturio/facturio/internal/shared"
)

// ErrDuplicateOrderRef reports the one-invoice-per-order index rejecting a
// second insert. EnsureForOrder treats it as a lost race and refetches the
// winner; any other conflict surfaces to the caller.
var ErrDuplicateOrderRef = fmt.Errorf("already invoiced: %w", shared.ErrConflict)

// Repository is the invoice persistence port. The store enforces the one
// invoice per order rule with a unique index on order_id; Create surfaces a
// violation as a conflict.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Get(ctx context.Context, id int64) (*Invoice, error)
	GetForUpdate(ctx context.Context, id int64) (*Invoice, error)
	GetByOrderID(ctx context.Context, orderID int64) (*Invoice, error)
	List(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error)
	ListOverdue(ctx context.Context, asOf time.Time) ([]Invoice, error)
	Create(ctx context.Context, inv Invoice) (int64, error)
	InsertLine(ctx context.Context, line Line) (int64, error)
	InsertPayment(ctx context.Context, p Payment) (int64, error)
	UpdateSettlement(ctx context.Context, id int64, amountPaid decimal.Decimal, status Status) error
	MarkCancelled(ctx context.Context, id int64) error
	DeleteByOrder(ctx context.Context, orderID int64) error
	GenerateNumber(ctx context.Context, at time.Time) (string, error)
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type repository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository builds the pgx-backed invoice repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

const invoiceColumns = `id, number, order_id, direction, client_id, supplier_id, status, payment_method,
	net, tax, gross, amount_paid, issued_at, due_date, created_at, updated_at`

func (r *repository) Get(ctx context.Context, id int64) (*Invoice, error) {
	return r.fetch(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
}

func (r *repository) GetForUpdate(ctx context.Context, id int64) (*Invoice, error) {
	return r.fetch(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id)
}

func (r *repository) GetByOrderID(ctx context.Context, orderID int64) (*Invoice, error) {
	return r.fetch(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE order_id = $1`, orderID)
}

func (r *repository) fetch(ctx context.Context, query string, arg any) (*Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, db.TranslateError(err)
	}
	if inv.Lines, err = r.lines(ctx, inv.ID); err != nil {
		return nil, db.TranslateError(err)
	}
	if inv.Payments, err = r.payments(ctx, inv.ID); err != nil {
		return nil, db.TranslateError(err)
	}
	return inv, nil
}

func (r *repository) lines(ctx context.Context, invoiceID int64) ([]Line, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, invoice_id, product_id, description, quantity, unit_price,
		       discount_percent, tax_percent, net, tax, gross, line_order
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY line_order, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var (
			l                                      Line
			description                            pgtype.Text
			unitPrice, discountPercent, taxPercent pgtype.Numeric
			net, tax, gross                        pgtype.Numeric
		)
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.ProductID, &description, &l.Quantity,
			&unitPrice, &discountPercent, &taxPercent, &net, &tax, &gross, &l.LineOrder); err != nil {
			return nil, err
		}
		if description.Valid {
			l.Description = &description.String
		}
		l.UnitPrice = db.Decimal(unitPrice)
		l.DiscountPercent = db.Decimal(discountPercent)
		l.TaxPercent = db.Decimal(taxPercent)
		l.Net = db.Decimal(net)
		l.Tax = db.Decimal(tax)
		l.Gross = db.Decimal(gross)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *repository) payments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, invoice_id, amount, method, reference, paid_at, created_at
		FROM invoice_payments
		WHERE invoice_id = $1
		ORDER BY paid_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var (
			p                 Payment
			amount            pgtype.Numeric
			paidAt, createdAt pgtype.Timestamptz
		)
		if err := rows.Scan(&p.ID, &p.InvoiceID, &amount, &p.Method, &p.Reference, &paidAt, &createdAt); err != nil {
			return nil, err
		}
		p.Amount = db.Decimal(amount)
		if paidAt.Valid {
			p.PaidAt = paidAt.Time
		}
		if createdAt.Valid {
			p.CreatedAt = createdAt.Time
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *repository) List(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error) {
	conditions := []string{"1=1"}
	var args []any
	argPos := 1

	if req.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argPos))
		args = append(args, *req.Status)
		argPos++
	}
	if req.ClientID != nil {
		conditions = append(conditions, fmt.Sprintf("client_id = $%d", argPos))
		args = append(args, *req.ClientID)
		argPos++
	}
	if req.DateFrom != nil {
		conditions = append(conditions, fmt.Sprintf("issued_at >= $%d", argPos))
		args = append(args, *req.DateFrom)
		argPos++
	}
	if req.DateTo != nil {
		conditions = append(conditions, fmt.Sprintf("issued_at <= $%d", argPos))
		args = append(args, *req.DateTo)
		argPos++
	}

	whereClause := "WHERE " + conditions[0]
	for i := 1; i < len(conditions); i++ {
		whereClause += " AND " + conditions[i]
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM invoices "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, db.TranslateError(err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT `+invoiceColumns+` FROM invoices %s ORDER BY issued_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		whereClause, argPos, argPos+1)
	args = append(args, limit, req.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, db.TranslateError(err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, db.TranslateError(err)
		}
		out = append(out, *inv)
	}
	return out, total, db.TranslateError(rows.Err())
}

func (r *repository) ListOverdue(ctx context.Context, asOf time.Time) ([]Invoice, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE due_date < $1 AND status IN ($2, $3)
		ORDER BY due_date, id`,
		asOf, StatusConfirmed, StatusPartiallyPaid)
	if err != nil {
		return nil, db.TranslateError(err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, db.TranslateError(err)
		}
		out = append(out, *inv)
	}
	return out, db.TranslateError(rows.Err())
}

func (r *repository) Create(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO invoices (number, order_id, direction, client_id, supplier_id, status, payment_method,
			net, tax, gross, amount_paid, issued_at, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		inv.Number, inv.OrderID, inv.Direction, inv.ClientID, inv.SupplierID, inv.Status, inv.PaymentMethod,
		db.Numeric(inv.Net), db.Numeric(inv.Tax), db.Numeric(inv.Gross),
		db.Numeric(inv.AmountPaid), inv.IssuedAt, inv.DueDate,
	).Scan(&id)
	return id, translateCreateError(err)
}

// translateCreateError distinguishes the one-invoice-per-order index from
// any other uniqueness violation, such as a number race.
func translateCreateError(err error) error {
	err = db.TranslateError(err)
	var conflict *shared.ConflictError
	if errors.As(err, &conflict) && conflict.Constraint == "invoices_order_id_key" {
		return fmt.Errorf("order %w", ErrDuplicateOrderRef)
	}
	return err
}

func (r *repository) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO invoice_lines (invoice_id, product_id, description, quantity, unit_price,
			discount_percent, tax_percent, net, tax, gross, line_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		line.InvoiceID, line.ProductID, line.Description, line.Quantity, db.Numeric(line.UnitPrice),
		db.Numeric(line.DiscountPercent), db.Numeric(line.TaxPercent),
		db.Numeric(line.Net), db.Numeric(line.Tax), db.Numeric(line.Gross), line.LineOrder,
	).Scan(&id)
	return id, db.TranslateError(err)
}

func (r *repository) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO invoice_payments (invoice_id, amount, method, reference, paid_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		p.InvoiceID, db.Numeric(p.Amount), p.Method, p.Reference, p.PaidAt,
	).Scan(&id)
	return id, db.TranslateError(err)
}

func (r *repository) UpdateSettlement(ctx context.Context, id int64, amountPaid decimal.Decimal, status Status) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE invoices SET amount_paid = $1, status = $2, updated_at = NOW()
		WHERE id = $3`,
		db.Numeric(amountPaid), status, id)
	if err != nil {
		return db.TranslateError(err)
	}
	if tag.RowsAffected() == 0 {
		return db.TranslateError(pgx.ErrNoRows)
	}
	return nil
}

func (r *repository) MarkCancelled(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE invoices SET status = $1, updated_at = NOW() WHERE id = $2`,
		StatusCancelled, id)
	if err != nil {
		return db.TranslateError(err)
	}
	if tag.RowsAffected() == 0 {
		return db.TranslateError(pgx.ErrNoRows)
	}
	return nil
}

func (r *repository) DeleteByOrder(ctx context.Context, orderID int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM invoices WHERE order_id = $1`, orderID)
	if err != nil {
		return db.TranslateError(err)
	}
	if tag.RowsAffected() == 0 {
		return db.TranslateError(pgx.ErrNoRows)
	}
	return nil
}

func (r *repository) GenerateNumber(ctx context.Context, at time.Time) (string, error) {
	// Max suffix, not a row count: cascade deletes shrink a count and would
	// replay an already-issued number for the rest of the month.
	prefix := fmt.Sprintf("INV-%s-", at.Format("0601"))
	var next int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(RIGHT(number, 4)::int), 0) + 1 FROM invoices WHERE number LIKE $1`,
		prefix+"%").Scan(&next)
	if err != nil {
		return "", db.TranslateError(err)
	}
	return fmt.Sprintf("%s%04d", prefix, next), nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var (
		inv                         Invoice
		clientID, supplierID        pgtype.Int8
		net, tax, gross, amountPaid pgtype.Numeric
		issuedAt, dueDate           pgtype.Timestamptz
		createdAt, updatedAt        pgtype.Timestamptz
	)
	err := row.Scan(&inv.ID, &inv.Number, &inv.OrderID, &inv.Direction, &clientID, &supplierID,
		&inv.Status, &inv.PaymentMethod,
		&net, &tax, &gross, &amountPaid, &issuedAt, &dueDate, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if clientID.Valid {
		inv.ClientID = &clientID.Int64
	}
	if supplierID.Valid {
		inv.SupplierID = &supplierID.Int64
	}
	inv.Net = db.Decimal(net)
	inv.Tax = db.Decimal(tax)
	inv.Gross = db.Decimal(gross)
	inv.AmountPaid = db.Decimal(amountPaid)
	inv.AmountRemaining = inv.Gross.Sub(inv.AmountPaid)
	if issuedAt.Valid {
		inv.IssuedAt = issuedAt.Time
	}
	if dueDate.Valid {
		inv.DueDate = dueDate.Time
	}
	if createdAt.Valid {
		inv.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		inv.UpdatedAt = updatedAt.Time
	}
	return &inv, nil
}
