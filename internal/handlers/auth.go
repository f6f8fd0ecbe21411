package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"auction/internal/auth"
	"auction/internal/db"
	"auction/internal/middleware"
	"auction/internal/models"
	"auction/internal/money"
	"auction/internal/validator"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type registerRequest struct {
	Mail       string  `json:"mail"`
	Password   string  `json:"password"`
	LastName   *string `json:"last_name"`
	FirstName  *string `json:"first_name"`
	Patronymic *string `json:"patronymic"`
	// AcceptTerms records the statement signature at registration time.
	AcceptTerms bool `json:"accept_terms"`
}

// Register creates the customer together with an empty virtual account. The
// first customer ever registered becomes super admin.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	req.Mail = strings.TrimSpace(req.Mail)
	if err := validator.ValidateEmail(req.Mail); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.ValidatePassword(req.Password); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, part := range []*string{req.LastName, req.FirstName, req.Patronymic} {
		if err := validator.ValidateName(part); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to secure password")
		return
	}
	customer := models.Customer{
		ID:           uuid.NewString(),
		LastName:     req.LastName,
		FirstName:    req.FirstName,
		Patronymic:   req.Patronymic,
		Mail:         req.Mail,
		PasswordHash: passwordHash,
	}
	if req.AcceptTerms {
		signedAt := time.Now().UTC()
		customer.StatementSignedAt = &signedAt
	}
	accountID := uuid.NewString()
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.customers.Create(r.Context(), tx, customer); err != nil {
			return err
		}
		if err := h.accounts.Create(r.Context(), tx, accountID, customer.ID); err != nil {
			return err
		}
		hasAdmin, err := h.admin.HasAnyAdmin(r.Context(), tx)
		if err != nil {
			return err
		}
		if !hasAdmin {
			if err := h.admin.CreateAdmin(r.Context(), tx, customer.ID, true, nil); err != nil {
				return err
			}
		}
		data, _ := json.Marshal(map[string]string{
			"virtual_account_id": accountID,
			"ip":                 r.RemoteAddr,
			"user_agent":         r.UserAgent(),
		})
		return h.audit.Log(r.Context(), tx, customer.ID, "customer.register", "customer", customer.ID, data)
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			respondError(w, http.StatusConflict, "mail already registered")
			return
		}
		h.logger.Error("registration failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	token, err := auth.GenerateToken(h.cfg.JWTSecret, customer.ID, h.cfg.TokenTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"token":              token,
		"customer_id":        customer.ID,
		"virtual_account_id": accountID,
	})
}

type loginRequest struct {
	Mail     string `json:"mail"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	customer, err := h.customers.GetByMail(r.Context(), strings.TrimSpace(req.Mail))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("login lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if !auth.CheckPassword(customer.PasswordHash, req.Password) {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		data, _ := json.Marshal(map[string]string{
			"ip":         r.RemoteAddr,
			"user_agent": r.UserAgent(),
		})
		return h.audit.Log(r.Context(), tx, customer.ID, "customer.login", "customer", customer.ID, data)
	}); err != nil {
		h.logger.Error("login audit failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	token, err := auth.GenerateToken(h.cfg.JWTSecret, customer.ID, h.cfg.TokenTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"token": token,
	})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	customerID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	customer, err := h.customers.GetByID(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "customer not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load customer")
		return
	}
	status, err := h.admin.Status(r.Context(), customerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load customer")
		return
	}
	response := map[string]any{
		"id":         customer.ID,
		"mail":       customer.Mail,
		"full_name":  customer.FullName(),
		"is_admin":   status.IsAdmin,
		"is_super":   status.IsSuper,
		"created_at": customer.CreatedAt,
	}
	if account, err := h.accounts.GetByCustomer(r.Context(), customerID); err == nil {
		response["virtual_account_id"] = account.ID
		response["balance"] = money.Format(account.Balance)
	}
	respondJSON(w, http.StatusOK, response)
}
