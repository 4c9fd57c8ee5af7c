package deliveries

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/facturio/facturio/internal/platform/db"
)

// DeliveryUpdate carries a partial delivery patch. Nil fields are left as
// stored; milestone timestamps are only ever written when still unset.
type DeliveryUpdate struct {
	Status         *Status
	Carrier        *string
	TrackingNumber *string
	PreparedAt     *time.Time
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
}

// Repository is the delivery persistence port. Uniqueness per order is
// enforced by the store with a unique index on order_id.
type Repository interface {
	GetByOrderID(ctx context.Context, orderID int64) (*Delivery, error)
	Create(ctx context.Context, d Delivery) (int64, error)
	Update(ctx context.Context, id int64, upd DeliveryUpdate) error
	DeleteByOrder(ctx context.Context, orderID int64) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the pgx-backed delivery repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) GetByOrderID(ctx context.Context, orderID int64) (*Delivery, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, order_id, status, carrier, tracking_number, address,
		       prepared_at, shipped_at, delivered_at, created_at, updated_at
		FROM deliveries
		WHERE order_id = $1`, orderID)

	var (
		d                                  Delivery
		carrier, trackingNumber, address   pgtype.Text
		preparedAt, shippedAt, deliveredAt pgtype.Timestamptz
		createdAt, updatedAt               pgtype.Timestamptz
	)
	err := row.Scan(&d.ID, &d.OrderID, &d.Status, &carrier, &trackingNumber, &address,
		&preparedAt, &shippedAt, &deliveredAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, db.TranslateError(err)
	}
	if carrier.Valid {
		d.Carrier = &carrier.String
	}
	if trackingNumber.Valid {
		d.TrackingNumber = &trackingNumber.String
	}
	if address.Valid {
		d.Address = &address.String
	}
	if preparedAt.Valid {
		d.PreparedAt = &preparedAt.Time
	}
	if shippedAt.Valid {
		d.ShippedAt = &shippedAt.Time
	}
	if deliveredAt.Valid {
		d.DeliveredAt = &deliveredAt.Time
	}
	if createdAt.Valid {
		d.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		d.UpdatedAt = updatedAt.Time
	}
	return &d, nil
}

func (r *repository) Create(ctx context.Context, d Delivery) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO deliveries (order_id, status, carrier, tracking_number, address,
			prepared_at, shipped_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		d.OrderID, d.Status, d.Carrier, d.TrackingNumber, d.Address,
		d.PreparedAt, d.ShippedAt, d.DeliveredAt,
	).Scan(&id)
	return id, db.TranslateError(err)
}

func (r *repository) Update(ctx context.Context, id int64, upd DeliveryUpdate) error {
	query := "UPDATE deliveries SET updated_at = NOW()"
	var args []any
	argPos := 1

	appendSet := func(column string, value any) {
		query += fmt.Sprintf(", %s = $%d", column, argPos)
		args = append(args, value)
		argPos++
	}

	if upd.Status != nil {
		appendSet("status", *upd.Status)
	}
	if upd.Carrier != nil {
		appendSet("carrier", *upd.Carrier)
	}
	if upd.TrackingNumber != nil {
		appendSet("tracking_number", *upd.TrackingNumber)
	}
	if upd.PreparedAt != nil {
		appendSet("prepared_at", *upd.PreparedAt)
	}
	if upd.ShippedAt != nil {
		appendSet("shipped_at", *upd.ShippedAt)
	}
	if upd.DeliveredAt != nil {
		appendSet("delivered_at", *upd.DeliveredAt)
	}

	query += fmt.Sprintf(" WHERE id = $%d", argPos)
	args = append(args, id)

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return db.TranslateError(err)
	}
	if tag.RowsAffected() == 0 {
		return db.TranslateError(pgx.ErrNoRows)
	}
	return nil
}

func (r *repository) DeleteByOrder(ctx context.Context, orderID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM deliveries WHERE order_id = $1`, orderID)
	if err != nil {
		return db.TranslateError(err)
	}
	if tag.RowsAffected() == 0 {
		return db.TranslateError(pgx.ErrNoRows)
	}
	return nil
}
