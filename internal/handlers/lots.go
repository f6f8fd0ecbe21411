package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"auction/internal/middleware"
	"auction/internal/models"
	"auction/internal/money"
	"auction/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

func formatNull(value decimal.NullDecimal) *string {
	if !value.Valid {
		return nil
	}
	formatted := money.Format(value.Decimal)
	return &formatted
}

func lotView(lot models.Lot) map[string]any {
	participants := json.RawMessage(lot.Participants)
	if len(participants) == 0 {
		participants = json.RawMessage(`{}`)
	}
	return map[string]any{
		"id":                    lot.ID,
		"state":                 lot.State,
		"owner_customer_id":     lot.OwnerID,
		"trade_winner_id":       lot.TradeWinnerID,
		"short_description":     lot.ShortDescription,
		"description":           lot.Description,
		"start_price":           money.Format(lot.StartPrice),
		"final_price":           formatNull(lot.FinalPrice),
		"commission":            formatNull(lot.Commission),
		"lot_image":             lot.Image,
		"trade_started_at":      lot.TradeStartedAt,
		"payment_started_at":    lot.PaymentStartedAt,
		"paid_at":               lot.PaidAt,
		"all_participants_info": participants,
		"created_at":            lot.CreatedAt,
	}
}

func paymentView(attempt models.PaymentAttempt) map[string]any {
	return map[string]any{
		"id":              attempt.ID,
		"lot_id":          attempt.LotID,
		"state":           attempt.State,
		"amount":          money.Format(attempt.Amount),
		"paid_at":         attempt.PaidAt,
		"rejected_at":     attempt.RejectedAt,
		"finished":        attempt.Finished,
		"rejected_detail": attempt.RejectedDetail,
		"created_at":      attempt.CreatedAt,
	}
}

func outcomeView(outcome services.PaymentOutcome) map[string]any {
	return map[string]any{
		"lot":     lotView(outcome.Lot),
		"payment": paymentView(outcome.Attempt),
	}
}

type createLotRequest struct {
	ShortDescription string  `json:"short_description"`
	Description      *string `json:"description"`
	StartPrice       string  `json:"start_price"`
	Commission       *string `json:"commission"`
	Image            string  `json:"lot_image"`
}

func (h *Handler) CreateLot(w http.ResponseWriter, r *http.Request) {
	customerID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createLotRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	startPrice := decimal.Zero
	if req.StartPrice != "" {
		parsed, err := money.Parse(req.StartPrice)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_amount")
			return
		}
		startPrice = parsed
	}
	var commission decimal.NullDecimal
	if req.Commission != nil {
		parsed, err := money.Parse(*req.Commission)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_amount")
			return
		}
		commission = decimal.NewNullDecimal(parsed)
	}
	lot, err := h.auction.CreateLot(r.Context(), services.CreateLotRequest{
		OwnerID:          customerID,
		ShortDescription: req.ShortDescription,
		Description:      req.Description,
		StartPrice:       startPrice,
		Commission:       commission,
		Image:            req.Image,
		ActorID:          customerID,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, lotView(lot))
}

func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	state := models.LotState(r.URL.Query().Get("state"))
	if state == "" {
		state = models.LotWaitingForTrade
	}
	if !state.Valid() {
		respondError(w, http.StatusBadRequest, "unknown state")
		return
	}
	limit, offset := pageParams(r)
	lots, err := h.lots.ListByState(r.Context(), state, limit, offset)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	normalized := make([]map[string]any, 0, len(lots))
	for _, lot := range lots {
		normalized = append(normalized, lotView(lot))
	}
	respondJSON(w, http.StatusOK, normalized)
}

func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.auction.GetLot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, lotView(lot))
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.auction.ListPayments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	normalized := make([]map[string]any, 0, len(attempts))
	for _, attempt := range attempts {
		normalized = append(normalized, paymentView(attempt))
	}
	respondJSON(w, http.StatusOK, normalized)
}

func (h *Handler) StartTrade(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.UserIDFromContext(r.Context())
	lot, err := h.auction.StartTrade(r.Context(), chi.URLParam(r, "id"), actorID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, lotView(lot))
}

type finishTradeRequest struct {
	TradeWinnerID *string         `json:"trade_winner_id"`
	FinalPrice    *string         `json:"final_price"`
	Participants  json.RawMessage `json:"all_participants_info"`
}

func (h *Handler) FinishTrade(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.UserIDFromContext(r.Context())
	var req finishTradeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	result := services.TradeResult{
		WinnerID:     req.TradeWinnerID,
		Participants: types.JSONText(req.Participants),
	}
	if req.FinalPrice != nil {
		price, err := money.ParsePositive(*req.FinalPrice)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_amount")
			return
		}
		result.FinalPrice = decimal.NewNullDecimal(price)
	}
	lot, err := h.auction.FinishTrade(r.Context(), chi.URLParam(r, "id"), result, actorID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, lotView(lot))
}

func (h *Handler) ApproveWinner(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.UserIDFromContext(r.Context())
	lot, err := h.auction.ApproveWinner(r.Context(), chi.URLParam(r, "id"), actorID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, lotView(lot))
}

// requireWinner loads the lot and checks that the caller won it.
func (h *Handler) requireWinner(w http.ResponseWriter, r *http.Request) (string, bool) {
	customerID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	lot, err := h.auction.GetLot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return "", false
	}
	if !lot.HasWinner() || *lot.TradeWinnerID != customerID {
		respondError(w, http.StatusForbidden, "only the trade winner may do this")
		return "", false
	}
	return customerID, true
}

func (h *Handler) DeclineTrade(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.requireWinner(w, r)
	if !ok {
		return
	}
	lot, err := h.auction.DeclineTrade(r.Context(), chi.URLParam(r, "id"), customerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, lotView(lot))
}

func (h *Handler) StartPayment(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.requireWinner(w, r)
	if !ok {
		return
	}
	outcome, err := h.auction.RequestPaymentStart(r.Context(), chi.URLParam(r, "id"), customerID)
	if errors.Is(err, services.ErrPaymentInFlight) && outcome.Attempt.ID != "" {
		body := outcomeView(outcome)
		body["error"] = "payment_in_flight"
		respondJSON(w, http.StatusConflict, body)
		return
	}
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, outcomeView(outcome))
}

type rejectPaymentRequest struct {
	Detail string `json:"detail"`
}

func (h *Handler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.UserIDFromContext(r.Context())
	var req rejectPaymentRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid payload")
			return
		}
	}
	outcome, err := h.auction.RecordPaymentOutcome(r.Context(), chi.URLParam(r, "id"), req.Detail, actorID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, outcomeView(outcome))
}
