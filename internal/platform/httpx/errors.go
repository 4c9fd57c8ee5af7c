package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/facturio/facturio/internal/shared"
)

// RespondError maps domain errors to RFC7807 responses. Unrecognized errors
// become opaque 500s and are logged with the failing operation name.
func RespondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	var verr *shared.ValidationError
	switch {
	case errors.As(err, &verr):
		Problem(w, http.StatusBadRequest, "Validation Failed", verr.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusServiceUnavailable, "Store Unavailable", err.Error())
	default:
		logger.Error(op+" failed", slog.Any("error", err), slog.String("path", r.URL.Path))
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
