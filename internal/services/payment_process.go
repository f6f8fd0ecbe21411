package services

import (
	"context"
	"fmt"
	"time"

	"auction/internal/db"
	"auction/internal/lifecycle"
	"auction/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentProcess runs a single payment attempt for a lot: it creates the
// attempt, debits the trade winner and records the outcome.
type PaymentProcess struct {
	payments PaymentStore
	ledger   *Ledger
	logger   *zap.Logger
	now      func() time.Time
}

func NewPaymentProcess(payments PaymentStore, ledger *Ledger, logger *zap.Logger) *PaymentProcess {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentProcess{payments: payments, ledger: ledger, logger: logger, now: time.Now}
}

// Start must run in the transaction that holds the lot row lock. The attempt
// ends either paid or insufficient_funds_on_virtual_account; the latter is not
// an error.
func (p *PaymentProcess) Start(ctx context.Context, tx *sqlx.Tx, lot models.Lot, amount decimal.Decimal) (models.PaymentAttempt, Movement, error) {
	if !lot.HasWinner() {
		return models.PaymentAttempt{}, Movement{}, fmt.Errorf("%w: lot %s has no trade winner", ErrIllegalTransition, lot.ID)
	}
	attempt := models.PaymentAttempt{
		ID:     uuid.NewString(),
		LotID:  lot.ID,
		State:  models.PaymentStarted,
		Amount: amount,
	}
	if err := p.payments.Create(ctx, tx, attempt); err != nil {
		if db.IsUniqueViolation(err) {
			return models.PaymentAttempt{}, Movement{}, fmt.Errorf("%w: lot %s already has an unfinished payment", ErrIllegalTransition, lot.ID)
		}
		return models.PaymentAttempt{}, Movement{}, fmt.Errorf("create payment attempt: %w", err)
	}

	lotID := lot.ID
	result, movement, err := p.ledger.DebitCustomerTx(ctx, tx, *lot.TradeWinnerID, amount, EntryRef{
		LotID:       &lotID,
		PaymentID:   &attempt.ID,
		Description: "Lot payment",
	})
	if err != nil {
		return models.PaymentAttempt{}, Movement{}, err
	}

	event := lifecycle.EventDebitSucceeded
	if result == DebitInsufficientFunds {
		event = lifecycle.EventDebitInsufficient
	}
	next, err := lifecycle.ApplyPayment(attempt, event, lifecycle.PaymentInput{At: p.now()})
	if err != nil {
		return models.PaymentAttempt{}, Movement{}, err
	}
	if err := p.persist(ctx, tx, next); err != nil {
		return models.PaymentAttempt{}, Movement{}, err
	}
	p.logger.Info("payment attempt settled",
		zap.String("lot_id", lot.ID),
		zap.String("payment_id", next.ID),
		zap.String("state", string(next.State)),
		zap.String("amount", amount.StringFixed(2)),
	)
	return next, movement, nil
}

// Reject closes an attempt that ran out of funds. An empty detail falls back
// to the standard message for the attempt's state.
func (p *PaymentProcess) Reject(ctx context.Context, tx *sqlx.Tx, attempt models.PaymentAttempt, detail string) (models.PaymentAttempt, error) {
	next, err := lifecycle.ApplyPayment(attempt, lifecycle.EventReject, lifecycle.PaymentInput{At: p.now(), Detail: detail})
	if err != nil {
		return attempt, err
	}
	if err := p.persist(ctx, tx, next); err != nil {
		return attempt, err
	}
	p.logger.Info("payment attempt rejected",
		zap.String("lot_id", next.LotID),
		zap.String("payment_id", next.ID),
	)
	return next, nil
}

func (p *PaymentProcess) persist(ctx context.Context, tx *sqlx.Tx, attempt models.PaymentAttempt) error {
	rows, err := p.payments.Update(ctx, tx, attempt)
	if err != nil {
		return fmt.Errorf("update payment attempt %s: %w", attempt.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: payment %s is already finished", ErrIllegalTransition, attempt.ID)
	}
	return nil
}
