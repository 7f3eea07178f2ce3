package frontend

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tangramdotdev/tangram/internal/terror"
)

// decodeJSON parses r's body into v, wrapping a malformed body as
// invalid_id so it surfaces as a 400, not a 500.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return terror.Wrap(terror.InvalidID, "failed to decode request body", err)
	}
	return nil
}

// respondError writes the {code, message} JSON envelope every failed
// request returns.
func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := statusFor(terror.KindOf(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": err.Error(),
	}); encErr != nil {
		logger.Error("failed to encode error response", "error", encErr)
	}
}

func statusFor(kind terror.Kind) (int, string) {
	switch kind {
	case terror.NotFound:
		return http.StatusNotFound, string(kind)
	case terror.InvalidID, terror.Cycle, terror.Unsolved:
		return http.StatusBadRequest, string(kind)
	case terror.Cancelled:
		return http.StatusConflict, string(kind)
	case terror.Timeout:
		return http.StatusGatewayTimeout, string(kind)
	case terror.Unavailable:
		return http.StatusServiceUnavailable, string(kind)
	case terror.IO, terror.Internal:
		return http.StatusInternalServerError, string(kind)
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func respondJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
