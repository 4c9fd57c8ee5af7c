package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/facturio/facturio/internal/platform/db"
)

// OrderUpdate carries the persistable result of an order patch. Totals are
// always written together so the cache never holds a partial recompute.
type OrderUpdate struct {
	GlobalDiscountPercent *decimal.Decimal
	Net                   *decimal.Decimal
	Tax                   *decimal.Decimal
	Gross                 *decimal.Decimal
	ShippingAddress       *string
	Notes                 *string
}

// Repository is the order persistence port.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Get(ctx context.Context, id int64) (*Order, error)
	List(ctx context.Context, req ListOrdersRequest) ([]Order, int, error)
	Create(ctx context.Context, o Order) (int64, error)
	Update(ctx context.Context, id int64, upd OrderUpdate) error
	UpdateStatus(ctx context.Context, id int64, status Status) error
	InsertLine(ctx context.Context, line Line) (int64, error)
	DeleteLines(ctx context.Context, orderID int64) error
	Delete(ctx context.Context, id int64) error
	GenerateNumber(ctx context.Context, direction Direction, at time.Time) (string, error)
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

// NewRepository builds the pgx-backed order repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

const orderColumns = `id, number, direction, client_id, supplier_id, status,
	global_discount_percent, net, tax, gross, shipping_address, notes,
	created_by, created_at, updated_at`

func (r *repository) Get(ctx context.Context, id int64) (*Order, error) {
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, db.TranslateError(err)
	}
	if o.Lines, err = r.lines(ctx, id); err != nil {
		return nil, db.TranslateError(err)
	}
	return o, nil
}

func (r *repository) lines(ctx context.Context, orderID int64) ([]Line, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, product_id, description, quantity, unit_price,
		       discount_percent, tax_percent, net, tax, gross, line_order
		FROM order_lines
		WHERE order_id = $1
		ORDER BY line_order, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var (
			l                                                  Line
			description                                        pgtype.Text
			unitPrice, discountPercent, taxPercent             pgtype.Numeric
			net, tax, gross                                    pgtype.Numeric
		)
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &description, &l.Quantity,
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

func (r *repository) List(ctx context.Context, req ListOrdersRequest) ([]Order, int, error) {
	conditions := []string{"1=1"}
	var args []any
	argPos := 1

	if req.Direction != nil {
		conditions = append(conditions, fmt.Sprintf("direction = $%d", argPos))
		args = append(args, *req.Direction)
		argPos++
	}
	if req.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argPos))
		args = append(args, *req.Status)
		argPos++
	}
	if req.DateFrom != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argPos))
		args = append(args, *req.DateFrom)
		argPos++
	}
	if req.DateTo != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argPos))
		args = append(args, *req.DateTo)
		argPos++
	}

	whereClause := "WHERE " + conditions[0]
	for i := 1; i < len(conditions); i++ {
		whereClause += " AND " + conditions[i]
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM orders "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, db.TranslateError(err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT `+orderColumns+` FROM orders %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		whereClause, argPos, argPos+1)
	args = append(args, limit, req.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, db.TranslateError(err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, db.TranslateError(err)
		}
		out = append(out, *o)
	}
	return out, total, db.TranslateError(rows.Err())
}

func (r *repository) Create(ctx context.Context, o Order) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO orders (number, direction, client_id, supplier_id, status,
			global_discount_percent, net, tax, gross, shipping_address, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		o.Number, o.Direction, o.ClientID, o.SupplierID, o.Status,
		db.Numeric(o.GlobalDiscountPercent), db.Numeric(o.Net), db.Numeric(o.Tax), db.Numeric(o.Gross),
		o.ShippingAddress, o.Notes, o.CreatedBy,
	).Scan(&id)
	return id, db.TranslateError(err)
}

func (r *repository) Update(ctx context.Context, id int64, upd OrderUpdate) error {
	query := "UPDATE orders SET updated_at = NOW()"
	var args []any
	argPos := 1

	appendSet := func(column string, value any) {
		query += fmt.Sprintf(", %s = $%d", column, argPos)
		args = append(args, value)
		argPos++
	}

	if upd.GlobalDiscountPercent != nil {
		appendSet("global_discount_percent", db.Numeric(*upd.GlobalDiscountPercent))
	}
	if upd.Net != nil {
		appendSet("net", db.Numeric(*upd.Net))
	}
	if upd.Tax != nil {
		appendSet("tax", db.Numeric(*upd.Tax))
	}
	if upd.Gross != nil {
		appendSet("gross", db.Numeric(*upd.Gross))
	}
	if upd.ShippingAddress != nil {
		appendSet("shipping_address", *upd.ShippingAddress)
	}
	if upd.Notes != nil {
		appendSet("notes", *upd.Notes)
	}

	query += fmt.Sprintf(" WHERE id = $%d", argPos)
	args = append(args, id)

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return db.TranslateError(err)
	}
	if tag.RowsAffected() == 0 {
		return db.TranslateError(pgx.ErrNoRows)
	}
	return nil
}

func (r *repository) UpdateStatus(ctx context.Context, id int64, status Status) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return db.TranslateError(err)
	}
	if tag.RowsAffected() == 0 {
		return db.TranslateError(pgx.ErrNoRows)
	}
	return nil
}

func (r *repository) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO order_lines (order_id, product_id, description, quantity, unit_price,
			discount_percent, tax_percent, net, tax, gross, line_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		line.OrderID, line.ProductID, line.Description, line.Quantity, db.Numeric(line.UnitPrice),
		db.Numeric(line.DiscountPercent), db.Numeric(line.TaxPercent),
		db.Numeric(line.Net), db.Numeric(line.Tax), db.Numeric(line.Gross), line.LineOrder,
	).Scan(&id)
	return id, db.TranslateError(err)
}

func (r *repository) DeleteLines(ctx context.Context, orderID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM order_lines WHERE order_id = $1`, orderID)
	return db.TranslateError(err)
}

func (r *repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return db.TranslateError(err)
	}
	if tag.RowsAffected() == 0 {
		return db.TranslateError(pgx.ErrNoRows)
	}
	return nil
}

func (r *repository) GenerateNumber(ctx context.Context, direction Direction, at time.Time) (string, error) {
	prefix := "SO"
	if direction == DirectionPurchase {
		prefix = "PO"
	}
	// Max suffix, not a row count: deletes shrink a count and would replay
	// an already-issued number for the rest of the month.
	prefix = fmt.Sprintf("%s-%s-", prefix, at.Format("0601"))
	var next int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(RIGHT(number, 4)::int), 0) + 1 FROM orders WHERE number LIKE $1`,
		prefix+"%").Scan(&next)
	if err != nil {
		return "", db.TranslateError(err)
	}
	return fmt.Sprintf("%s%04d", prefix, next), nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                             Order
		clientID, supplierID          pgtype.Int8
		globalDiscount, net, tax      pgtype.Numeric
		gross                         pgtype.Numeric
		shippingAddress, notes        pgtype.Text
		createdAt, updatedAt          pgtype.Timestamptz
	)
	err := row.Scan(&o.ID, &o.Number, &o.Direction, &clientID, &supplierID, &o.Status,
		&globalDiscount, &net, &tax, &gross, &shippingAddress, &notes,
		&o.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if clientID.Valid {
		o.ClientID = &clientID.Int64
	}
	if supplierID.Valid {
		o.SupplierID = &supplierID.Int64
	}
	o.GlobalDiscountPercent = db.Decimal(globalDiscount)
	o.Net = db.Decimal(net)
	o.Tax = db.Decimal(tax)
	o.Gross = db.Decimal(gross)
	if shippingAddress.Valid {
		o.ShippingAddress = &shippingAddress.String
	}
	if notes.Valid {
		o.Notes = &notes.String
	}
	if createdAt.Valid {
		o.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		o.UpdatedAt = updatedAt.Time
	}
	return &o, nil
}
