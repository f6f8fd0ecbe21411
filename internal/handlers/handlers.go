package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"auction/internal/services"

	"go.uber.org/zap"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps domain errors to HTTP statuses. Anything unmapped
// is logged and reported as 500 without details.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrBusy):
		w.Header().Set("Retry-After", strconv.Itoa(h.retryAfterSeconds()))
		respondError(w, http.StatusLocked, "lot_busy")
	case errors.Is(err, services.ErrIllegalTransition):
		respondError(w, http.StatusConflict, "illegal_transition")
	case errors.Is(err, services.ErrUnknownEntity):
		respondError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, services.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "invalid_amount")
	case errors.Is(err, services.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid_input")
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "internal_error")
	}
}

func (h *Handler) retryAfterSeconds() int {
	seconds := int(h.cfg.Lock.Wait.Seconds())
	if seconds < 1 {
		return 1
	}
	return seconds
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parseInt(raw string, fallback int) int {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// pageParams reads limit and page query parameters; limit is capped at 200.
func pageParams(r *http.Request) (limit, offset int) {
	query := r.URL.Query()
	limit = parseInt(query.Get("limit"), 50)
	if limit > 200 {
		limit = 200
	}
	page := parseInt(query.Get("page"), 1)
	return limit, (page - 1) * limit
}
