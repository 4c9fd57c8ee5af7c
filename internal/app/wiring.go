package app

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/facturio/facturio/internal/deliveries"
	"github.com/facturio/facturio/internal/invoices"
	"github.com/facturio/facturio/internal/orders"
	"github.com/facturio/facturio/internal/shared"
)

// Services bundles the wired domain services and their handlers.
type Services struct {
	Orders     *orders.Service
	Invoices   *invoices.Service
	Deliveries *deliveries.Service

	OrdersHandler     *orders.Handler
	InvoicesHandler   *invoices.Handler
	DeliveriesHandler *deliveries.Handler
}

// invoicerAdapter narrows the invoice service to the port the order
// aggregate needs.
type invoicerAdapter struct {
	svc *invoices.Service
}

func (a invoicerAdapter) EnsureForOrder(ctx context.Context, orderID int64) error {
	_, err := a.svc.EnsureForOrder(ctx, orderID)
	return err
}

func (a invoicerAdapter) DeleteByOrder(ctx context.Context, orderID int64) error {
	return a.svc.DeleteByOrder(ctx, orderID)
}

// BuildServices wires repositories, services and handlers. redisClient may
// be nil; invoice generation then relies on in-process locking plus the
// store's uniqueness guarantee alone.
func BuildServices(cfg *Config, logger *slog.Logger, pool *pgxpool.Pool, redisClient *redis.Client) *Services {
	validate := validator.New()
	locks := shared.NewKeyedMutex()
	audit := shared.NewAuditLogger(pool, logger)

	var dlock *shared.DocumentLock
	if redisClient != nil {
		dlock = shared.NewDocumentLock(redisClient, cfg.LockTTL)
	}

	ordersRepo := orders.NewRepository(pool)
	invoicesRepo := invoices.NewRepository(pool)
	deliveriesRepo := deliveries.NewRepository(pool)

	invoicesSvc := invoices.NewService(invoicesRepo, ordersRepo, locks, dlock, audit, logger)
	deliveriesSvc := deliveries.NewService(deliveriesRepo, locks, logger)
	ordersSvc := orders.NewService(ordersRepo, invoicerAdapter{svc: invoicesSvc}, deliveriesSvc, locks, audit, logger)

	return &Services{
		Orders:     ordersSvc,
		Invoices:   invoicesSvc,
		Deliveries: deliveriesSvc,

		OrdersHandler:     orders.NewHandler(logger, ordersSvc, validate),
		InvoicesHandler:   invoices.NewHandler(logger, invoicesSvc, validate),
		DeliveriesHandler: deliveries.NewHandler(logger, deliveriesSvc, validate),
	}
}
