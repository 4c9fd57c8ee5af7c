package invoices

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/facturio/facturio/internal/platform/httpx"
)

// Handler exposes the invoice API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/invoices", h.list)
	r.Get("/invoices/export", h.export)
	r.Get("/invoices/{id}", h.get)
	r.Post("/invoices/{id}/payments", h.applyPayment)
	r.Post("/invoices/{id}/cancel", h.cancel)
}

// MountOrderRoutes registers the order-scoped invoice routes.
func (h *Handler) MountOrderRoutes(r chi.Router) {
	r.Post("/orders/{id}/invoice", h.ensureForOrder)
	r.Get("/orders/{id}/invoice", h.getForOrder)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	req := ListInvoicesRequest{}
	q := r.URL.Query()

	if v := q.Get("status"); v != "" {
		st := Status(v)
		if !st.IsValid() {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "unknown status")
			return
		}
		req.Status = &st
	}
	if v := q.Get("client_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "client_id must be a positive integer")
			return
		}
		req.ClientID = &id
	}
	if v := q.Get("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "date_from must be RFC 3339")
			return
		}
		req.DateFrom = &t
	}
	if v := q.Get("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "date_to must be RFC 3339")
			return
		}
		req.DateTo = &t
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			req.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			req.Offset = n
		}
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}

	items, total, err := h.service.List(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, r, h.logger, "list invoices", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"limit":  req.Limit,
		"offset": req.Offset,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, h.logger, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req ApplyPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}

	inv, err := h.service.ApplyPayment(r.Context(), id, req)
	if err != nil {
		httpx.RespondError(w, r, h.logger, "apply payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, h.logger, "cancel invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) ensureForOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.EnsureForOrder(r.Context(), orderID)
	if err != nil {
		httpx.RespondError(w, r, h.logger, "ensure invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) getForOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.GetByOrderID(r.Context(), orderID)
	if err != nil {
		httpx.RespondError(w, r, h.logger, "get invoice for order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	req := ListInvoicesRequest{Limit: 1000}
	if v := r.URL.Query().Get("status"); v != "" {
		st := Status(v)
		if !st.IsValid() {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "unknown status")
			return
		}
		req.Status = &st
	}

	items, _, err := h.service.List(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, r, h.logger, "export invoices", err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="invoices.csv"`)
	if err := WriteCSV(w, items, r.URL.Query().Get("locale")); err != nil {
		h.logger.Error("csv export failed", slog.Any("error", err))
	}
}

func (h *Handler) invoiceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be a positive integer")
		return 0, false
	}
	return id, true
}
