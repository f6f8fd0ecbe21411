package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"auction/internal/db"
	"auction/internal/models"
	"auction/internal/money"
	"auction/internal/store"
	"auction/internal/websocket"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type DebitResult string

const (
	DebitOK                DebitResult = "ok"
	DebitInsufficientFunds DebitResult = "insufficient_funds"
)

// EntryRef ties a ledger movement to the lot and attempt that caused it.
type EntryRef struct {
	LotID       *string
	PaymentID   *string
	Description string
}

// Movement is a committed-or-pending balance change. Callers hand it to
// Publish once the surrounding transaction has committed.
type Movement struct {
	AccountID  string
	CustomerID string
	Balance    decimal.Decimal
	LotID      *string
	Reason     string
}

type CreditRequest struct {
	AccountID   string
	Amount      decimal.Decimal
	Description string
	ActorID     string
}

// Ledger owns virtual account balances. Every mutation locks the account row,
// keeps the balance non-negative and appends exactly one ledger entry.
type Ledger struct {
	txRunner db.TxRunner
	accounts AccountStore
	entries  LedgerStore
	audit    AuditStore
	hub      BalanceHub
	logger   *zap.Logger
}

func NewLedger(txRunner db.TxRunner, accounts AccountStore, entries LedgerStore, audit AuditStore, hub BalanceHub, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		txRunner: txRunner,
		accounts: accounts,
		entries:  entries,
		audit:    audit,
		hub:      hub,
		logger:   logger,
	}
}

// GetBalance reports the stored balance. An unknown account has a zero
// balance.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := l.accounts.GetByID(ctx, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load account %s: %w", accountID, err)
	}
	return account.Balance, nil
}

// Debit withdraws amount in its own transaction. It panics on a non-positive
// amount.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (DebitResult, error) {
	money.MustPositive(amount)
	var result DebitResult
	var movement Movement
	err := l.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		result, movement, err = l.DebitTx(ctx, tx, accountID, amount, EntryRef{Description: "Debit"})
		return err
	})
	if err != nil {
		return "", err
	}
	l.Publish(movement)
	return result, nil
}

// DebitTx withdraws amount inside the caller's transaction. A missing account
// is treated as an account without funds.
func (l *Ledger) DebitTx(ctx context.Context, tx *sqlx.Tx, accountID string, amount decimal.Decimal, ref EntryRef) (DebitResult, Movement, error) {
	money.MustPositive(amount)
	account, err := l.accounts.GetForUpdate(ctx, tx, accountID)
	return l.debitLocked(ctx, tx, account, err, amount, ref)
}

// DebitCustomerTx is DebitTx addressed by the owning customer.
func (l *Ledger) DebitCustomerTx(ctx context.Context, tx *sqlx.Tx, customerID string, amount decimal.Decimal, ref EntryRef) (DebitResult, Movement, error) {
	money.MustPositive(amount)
	account, err := l.accounts.GetByCustomerForUpdate(ctx, tx, customerID)
	return l.debitLocked(ctx, tx, account, err, amount, ref)
}

func (l *Ledger) debitLocked(ctx context.Context, tx *sqlx.Tx, account models.VirtualAccount, lookupErr error, amount decimal.Decimal, ref EntryRef) (DebitResult, Movement, error) {
	if errors.Is(lookupErr, sql.ErrNoRows) {
		return DebitInsufficientFunds, Movement{}, nil
	}
	if lookupErr != nil {
		return "", Movement{}, fmt.Errorf("lock account: %w", lookupErr)
	}
	if account.Balance.LessThan(amount) {
		l.logger.Info("debit refused",
			zap.String("account_id", account.ID),
			zap.String("balance", money.Format(account.Balance)),
			zap.String("amount", money.Format(amount)),
		)
		return DebitInsufficientFunds, Movement{}, nil
	}
	balance := account.Balance.Sub(amount)
	if err := l.apply(ctx, tx, account, balance, amount.Neg(), ref); err != nil {
		return "", Movement{}, err
	}
	return DebitOK, Movement{
		AccountID:  account.ID,
		CustomerID: account.CustomerID,
		Balance:    balance,
		LotID:      ref.LotID,
		Reason:     "debit",
	}, nil
}

// Credit deposits amount. An unknown account is ErrUnknownEntity. It panics
// on a non-positive amount.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (decimal.Decimal, error) {
	money.MustPositive(req.Amount)
	description := req.Description
	if description == "" {
		description = "Credit"
	}
	var movement Movement
	err := l.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		account, err := l.accounts.GetForUpdate(ctx, tx, req.AccountID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", req.AccountID, ErrUnknownEntity)
		}
		if err != nil {
			return fmt.Errorf("lock account %s: %w", req.AccountID, err)
		}
		balance := account.Balance.Add(req.Amount)
		if !money.WithinLimit(balance) {
			return fmt.Errorf("account %s: balance %s: %w", account.ID, money.Format(balance), money.ErrAmountTooLarge)
		}
		if err := l.apply(ctx, tx, account, balance, req.Amount, EntryRef{Description: description}); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"amount":      money.Format(req.Amount),
			"balance":     money.Format(balance),
			"description": description,
		})
		if err := l.audit.Log(ctx, tx, req.ActorID, "account.credit", "virtual_account", account.ID, data); err != nil {
			return err
		}
		movement = Movement{AccountID: account.ID, CustomerID: account.CustomerID, Balance: balance, Reason: "credit"}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	l.Publish(movement)
	return movement.Balance, nil
}

func (l *Ledger) apply(ctx context.Context, tx *sqlx.Tx, account models.VirtualAccount, balance, delta decimal.Decimal, ref EntryRef) error {
	if balance.IsNegative() {
		return fmt.Errorf("account %s would go negative", account.ID)
	}
	if err := l.accounts.UpdateBalance(ctx, tx, account.ID, balance); err != nil {
		return fmt.Errorf("update balance %s: %w", account.ID, err)
	}
	if err := l.entries.InsertEntry(ctx, tx, store.LedgerEntryInput{
		ID:          uuid.NewString(),
		AccountID:   account.ID,
		Amount:      delta,
		LotID:       ref.LotID,
		PaymentID:   ref.PaymentID,
		Description: ref.Description,
	}); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// Publish pushes committed movements to the owners' websocket clients.
func (l *Ledger) Publish(movements ...Movement) {
	if l.hub == nil {
		return
	}
	for _, m := range movements {
		if m.AccountID == "" {
			continue
		}
		l.hub.BroadcastBalance(m.CustomerID, websocket.BalanceUpdate{
			AccountID: m.AccountID,
			Balance:   money.Format(m.Balance),
			LotID:     m.LotID,
			Reason:    m.Reason,
		})
	}
}
