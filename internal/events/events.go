// Package events publishes lot lifecycle changes. Changes are written to the
// outbox table in the transaction that makes them and relayed to Kafka later.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"auction/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

const (
	TypeLotCreated      = "lot.created"
	TypePaymentRejected = "lot.payment_rejected"
)

// LotStateType is the event type announcing that a lot entered state.
func LotStateType(state models.LotState) string {
	return "lot." + string(state)
}

type LotChanged struct {
	EventID       string           `json:"event_id"`
	Type          string           `json:"type"`
	LotID         string           `json:"lot_id"`
	State         models.LotState  `json:"state"`
	PreviousState *models.LotState `json:"previous_state,omitempty"`
	OwnerID       string           `json:"owner_customer_id"`
	WinnerID      *string          `json:"trade_winner_id,omitempty"`
	FinalPrice    *string          `json:"final_price,omitempty"`
	Payment       *PaymentSummary  `json:"payment,omitempty"`
	ActorID       string           `json:"actor_customer_id,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

type PaymentSummary struct {
	ID             string              `json:"id"`
	State          models.PaymentState `json:"state"`
	Amount         string              `json:"amount"`
	RejectedDetail *string             `json:"rejected_detail,omitempty"`
}

// NewLotChanged describes lot after a change. from is nil for a new lot.
func NewLotChanged(eventType string, lot models.Lot, from *models.LotState, actorID string, at time.Time) LotChanged {
	event := LotChanged{
		EventID:       uuid.NewString(),
		Type:          eventType,
		LotID:         lot.ID,
		State:         lot.State,
		PreviousState: from,
		OwnerID:       lot.OwnerID,
		WinnerID:      lot.TradeWinnerID,
		ActorID:       actorID,
		OccurredAt:    at.UTC(),
	}
	if lot.FinalPrice.Valid {
		price := lot.FinalPrice.Decimal.StringFixed(2)
		event.FinalPrice = &price
	}
	return event
}

func (e LotChanged) WithPayment(attempt models.PaymentAttempt) LotChanged {
	e.Payment = &PaymentSummary{
		ID:             attempt.ID,
		State:          attempt.State,
		Amount:         attempt.Amount.StringFixed(2),
		RejectedDetail: attempt.RejectedDetail,
	}
	return e
}

// Message wraps the event for the outbox, keyed by lot so that a lot's
// events stay ordered within a partition.
func (e LotChanged) Message(topic string) (models.OutboxMessage, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return models.OutboxMessage{}, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return models.OutboxMessage{
		ID:        e.EventID,
		Topic:     topic,
		Key:       e.LotID,
		EventType: e.Type,
		Payload:   types.JSONText(payload),
		CreatedAt: e.OccurredAt,
	}, nil
}
