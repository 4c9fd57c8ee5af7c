package deliveries

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/facturio/facturio/internal/platform/httpx"
)

// Handler exposes the delivery API. Deliveries are addressed by their order:
// there is exactly one per order.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers delivery routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/deliveries/{orderID}", h.get)
	r.Put("/deliveries/{orderID}/carrier", h.updateCarrier)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	d, err := h.service.Get(r.Context(), orderID)
	if err != nil {
		httpx.RespondError(w, r, h.logger, "get delivery", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) updateCarrier(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req UpdateCarrierRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}

	d, err := h.service.UpdateCarrier(r.Context(), orderID, req)
	if err != nil {
		httpx.RespondError(w, r, h.logger, "update carrier", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "order id must be a positive integer")
		return 0, false
	}
	return id, true
}
