package store

import (
	"context"

	"auction/internal/models"

	"github.com/shopspring/decimal"
)

type LedgerStore struct {
	db DB
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

type LedgerEntryInput struct {
	ID          string
	AccountID   string
	Amount      decimal.Decimal
	LotID       *string
	PaymentID   *string
	Description string
}

func (s *LedgerStore) InsertEntry(ctx context.Context, tx Execer, entry LedgerEntryInput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, amount, lot_id, payment_id, description)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.AccountID, entry.Amount, entry.LotID, entry.PaymentID, entry.Description)
	return err
}

func (s *LedgerStore) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, amount, lot_id, payment_id, description, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SumByAccount recomputes a balance from its movements for reconciliation.
func (s *LedgerStore) SumByAccount(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE account_id = $1
	`, accountID)
	return sum, err
}
