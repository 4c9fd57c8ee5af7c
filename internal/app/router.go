package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/facturio/facturio/internal/deliveries"
	"github.com/facturio/facturio/internal/invoices"
	"github.com/facturio/facturio/internal/orders"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	OrdersHandler     *orders.Handler
	InvoicesHandler   *invoices.Handler
	DeliveriesHandler *deliveries.Handler
}

// NewRouter constructs the chi.Router with Facturio defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.OrdersHandler != nil {
		params.OrdersHandler.MountRoutes(r)
	}
	if params.InvoicesHandler != nil {
		params.InvoicesHandler.MountRoutes(r)
		params.InvoicesHandler.MountOrderRoutes(r)
	}
	if params.DeliveriesHandler != nil {
		params.DeliveriesHandler.MountRoutes(r)
	}

	return r
}
