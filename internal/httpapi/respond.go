package httpapi

import (
	"encoding/json"
	"net/http"

	"manifold/internal/rag/model"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError maps a typed model.Error's Kind onto the status codes §7
// assigns it. Untyped errors default to 500 — KindOf already defaults to
// KindPermanent for those, which maps to 500 too, so the fallback is
// intentional rather than a missing case.
func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFromError(err), map[string]any{"error": err.Error()})
}

func statusFromError(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindPermission:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
