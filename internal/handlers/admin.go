package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"auction/internal/auth"
	"auction/internal/middleware"
	"auction/internal/models"
	"auction/internal/money"
	"auction/internal/services"
	"auction/internal/store"
	"auction/internal/websocket"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type creditRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

func (h *Handler) CreditAccount(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.UserIDFromContext(r.Context())
	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	accountID := chi.URLParam(r, "id")
	balance, err := h.ledger.Credit(r.Context(), services.CreditRequest{
		AccountID:   accountID,
		Amount:      amount,
		Description: req.Description,
		ActorID:     actorID,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"virtual_account_id": accountID,
		"balance":            money.Format(balance),
	})
}

type promoteRequest struct {
	Identifier string `json:"identifier"`
}

// PromoteAdmin makes another customer an admin. Only super admins may do it.
func (h *Handler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.requireSuper(w, r)
	if !ok {
		return
	}
	var req promoteRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Identifier) == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	target, err := h.resolveCustomer(r, strings.TrimSpace(req.Identifier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "customer not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to resolve customer")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.CreateAdmin(r.Context(), tx, target.ID, false, &customerID); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"target_customer_id": target.ID,
		})
		return h.audit.Log(r.Context(), tx, customerID, "admin.promote", "admin", target.ID, data)
	})
	if err != nil {
		h.logger.Error("promote admin failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable to promote admin")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "promoted"})
}

type grantRoleRequest struct {
	CustomerID string `json:"customer_id"`
	Role       string `json:"role"`
}

var grantableRoles = map[string]bool{
	store.RoleManageLots:     true,
	store.RoleCreditAccounts: true,
	store.RoleViewAudit:      true,
}

func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.requireSuper(w, r)
	if !ok {
		return
	}
	var req grantRoleRequest
	if err := decodeJSON(r, &req); err != nil || req.CustomerID == "" || req.Role == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !grantableRoles[req.Role] {
		respondError(w, http.StatusBadRequest, "unknown role")
		return
	}
	target, err := h.admin.Status(r.Context(), req.CustomerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify target admin")
		return
	}
	if !target.IsAdmin {
		respondError(w, http.StatusBadRequest, "target is not an admin")
		return
	}
	if target.IsSuper {
		respondError(w, http.StatusBadRequest, "cannot assign roles to super admin")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.GrantRole(r.Context(), tx, req.CustomerID, req.Role); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"customer_id": req.CustomerID,
			"role":        req.Role,
		})
		return h.audit.Log(r.Context(), tx, customerID, "admin.grant_role", "admin_role", req.CustomerID, data)
	})
	if err != nil {
		h.logger.Error("grant role failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable to grant role")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "role_granted"})
}

func (h *Handler) requireSuper(w http.ResponseWriter, r *http.Request) (string, bool) {
	customerID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	status, err := h.admin.Status(r.Context(), customerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify admin")
		return "", false
	}
	if !status.IsSuper {
		respondError(w, http.StatusForbidden, "super_admin_required")
		return "", false
	}
	return customerID, true
}

func (h *Handler) resolveCustomer(r *http.Request, identifier string) (models.Customer, error) {
	if strings.Contains(identifier, "@") {
		return h.customers.GetByMail(r.Context(), identifier)
	}
	return h.customers.GetByID(r.Context(), identifier)
}

// ListAuditLogs pages through the trail, or returns one entity's history when
// entity_type and entity_id are given.
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var (
		rows []models.AuditEntry
		err  error
	)
	if entityType, entityID := query.Get("entity_type"), query.Get("entity_id"); entityType != "" && entityID != "" {
		rows, err = h.audit.ListByEntity(r.Context(), entityType, entityID)
	} else {
		limit, offset := pageParams(r)
		rows, err = h.audit.List(r.Context(), limit, offset)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load audit logs")
		return
	}
	if rows == nil {
		rows = []models.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, rows)
}

// Reconcile lists every account and counts those whose stored balance has
// drifted from the ledger.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rows, err := h.accounts.Reconcile(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to reconcile balances")
		return
	}
	mismatched := 0
	normalized := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if !row.Difference.IsZero() {
			mismatched++
		}
		normalized = append(normalized, map[string]any{
			"virtual_account_id": row.AccountID,
			"customer_id":        row.CustomerID,
			"balance":            money.Format(row.Balance),
			"ledger_sum":         money.Format(row.LedgerSum),
			"difference":         money.Format(row.Difference),
		})
	}
	if mismatched > 0 {
		h.logger.Warn("ledger mismatch", zap.Int("accounts", mismatched))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"mismatched": mismatched,
		"accounts":   normalized,
	})
}

func (h *Handler) OutboxStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.outbox.CountPending(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to read outbox")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"pending": pending})
}

// WSBalances accepts the token as a query parameter because browsers cannot
// set headers on a websocket handshake.
func (h *Handler) WSBalances(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r)
	}
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	sub := websocket.Subscription{
		CustomerID:     claims.UserID,
		AllowedOrigins: strings.Split(h.cfg.AllowedOrigins, ","),
	}
	account, err := h.accounts.GetByCustomer(r.Context(), claims.UserID)
	switch {
	case err == nil:
		sub.Snapshot = &websocket.BalanceUpdate{
			AccountID: account.ID,
			Balance:   money.Format(account.Balance),
			Reason:    "snapshot",
		}
	case !errors.Is(err, sql.ErrNoRows):
		h.logger.Warn("balance snapshot unavailable", zap.String("customer_id", claims.UserID), zap.Error(err))
	}
	websocket.ServeWS(w, r, h.hub, sub)
}
