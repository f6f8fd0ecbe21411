package models

import (
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

type Customer struct {
	ID                string     `db:"id" json:"id"`
	LastName          *string    `db:"last_name" json:"last_name,omitempty"`
	FirstName         *string    `db:"first_name" json:"first_name,omitempty"`
	Patronymic        *string    `db:"patronymic" json:"patronymic,omitempty"`
	Mail              string     `db:"mail" json:"mail"`
	PasswordHash      string     `db:"password_hash" json:"-"`
	StatementSignedAt *time.Time `db:"statement_signed_at" json:"statement_signed_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// FullName joins the present name parts; it is empty when none are set.
func (c Customer) FullName() string {
	parts := make([]string, 0, 3)
	for _, part := range []*string{c.LastName, c.FirstName, c.Patronymic} {
		if part != nil && strings.TrimSpace(*part) != "" {
			parts = append(parts, strings.TrimSpace(*part))
		}
	}
	return strings.Join(parts, " ")
}

type VirtualAccount struct {
	ID         string          `db:"id" json:"virtual_account_id"`
	CustomerID string          `db:"customer_id" json:"customer_id"`
	Balance    decimal.Decimal `db:"balance" json:"balance"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

type Lot struct {
	ID               string              `db:"id" json:"id"`
	State            LotState            `db:"state" json:"state"`
	OwnerID          string              `db:"owner_customer_id" json:"owner_customer_id"`
	TradeWinnerID    *string             `db:"trade_winner_id" json:"trade_winner_id,omitempty"`
	ShortDescription string              `db:"short_description" json:"short_description"`
	Description      *string             `db:"description" json:"description,omitempty"`
	StartPrice       decimal.Decimal     `db:"start_price" json:"start_price"`
	FinalPrice       decimal.NullDecimal `db:"final_price" json:"final_price"`
	Commission       decimal.NullDecimal `db:"commission" json:"commission"`
	Image            string              `db:"lot_image" json:"lot_image"`
	TradeStartedAt   *time.Time          `db:"trade_started_at" json:"trade_started_at,omitempty"`
	PaymentStartedAt *time.Time          `db:"payment_started_at" json:"payment_started_at,omitempty"`
	PaidAt           *time.Time          `db:"paid_at" json:"paid_at,omitempty"`
	Participants     types.JSONText      `db:"all_participants_info" json:"all_participants_info"`
	CreatedAt        time.Time           `db:"created_at" json:"created_at"`
}

func (l Lot) HasWinner() bool {
	return l.TradeWinnerID != nil && *l.TradeWinnerID != ""
}

type PaymentAttempt struct {
	ID             string          `db:"id" json:"id"`
	LotID          string          `db:"lot_id" json:"lot_id"`
	State          PaymentState    `db:"state" json:"state"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	PaidAt         *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	RejectedAt     *time.Time      `db:"rejected_at" json:"rejected_at,omitempty"`
	Finished       bool            `db:"finished" json:"finished"`
	RejectedDetail *string         `db:"rejected_detail" json:"rejected_detail,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

type LedgerEntry struct {
	ID          string          `db:"id" json:"id"`
	AccountID   string          `db:"account_id" json:"account_id"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	LotID       *string         `db:"lot_id" json:"lot_id,omitempty"`
	PaymentID   *string         `db:"payment_id" json:"payment_id,omitempty"`
	Description string          `db:"description" json:"description"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

type AuditEntry struct {
	ID         string         `db:"id" json:"id"`
	ActorID    *string        `db:"actor_customer_id" json:"actor_customer_id,omitempty"`
	Action     string         `db:"action" json:"action"`
	EntityType string         `db:"entity_type" json:"entity_type"`
	EntityID   string         `db:"entity_id" json:"entity_id"`
	Data       types.JSONText `db:"data" json:"data"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// OutboxMessage is a domain event stored alongside the change that produced
// it and published once the transaction has committed.
type OutboxMessage struct {
	ID        string         `db:"id" json:"id"`
	Topic     string         `db:"topic" json:"topic"`
	Key       string         `db:"message_key" json:"key"`
	EventType string         `db:"event_type" json:"event_type"`
	Payload   types.JSONText `db:"payload" json:"payload"`
	Attempts  int            `db:"attempts" json:"attempts"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	SentAt    *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
}
