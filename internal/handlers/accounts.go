package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"auction/internal/middleware"
	"auction/internal/money"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) MyAccount(w http.ResponseWriter, r *http.Request) {
	customerID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	account, err := h.accounts.GetByCustomer(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load account")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"virtual_account_id": account.ID,
		"customer_id":        account.CustomerID,
		"balance":            money.Format(account.Balance),
		"created_at":         account.CreatedAt,
	})
}

// GetBalance reports zero for an account that does not exist. An existing
// account is visible only to its owner.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	customerID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	accountID := chi.URLParam(r, "id")
	account, err := h.accounts.GetByID(r.Context(), accountID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		respondError(w, http.StatusInternalServerError, "unable to load account")
		return
	case account.CustomerID != customerID:
		respondError(w, http.StatusForbidden, "access denied")
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"virtual_account_id": accountID,
		"balance":            money.Format(balance),
	})
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	customerID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	accountID := chi.URLParam(r, "id")
	account, err := h.accounts.GetByID(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load account")
		return
	}
	if account.CustomerID != customerID {
		respondError(w, http.StatusForbidden, "access denied")
		return
	}
	limit, offset := pageParams(r)
	entries, err := h.entries.ListByAccount(r.Context(), accountID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load entries")
		return
	}
	normalized := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		normalized = append(normalized, map[string]any{
			"id":          entry.ID,
			"amount":      money.Format(entry.Amount),
			"lot_id":      entry.LotID,
			"payment_id":  entry.PaymentID,
			"description": entry.Description,
			"created_at":  entry.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, normalized)
}
