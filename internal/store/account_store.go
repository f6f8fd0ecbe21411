package store

import (
	"context"

	"auction/internal/models"

	"github.com/shopspring/decimal"
)

type AccountStore struct {
	db DB
}

func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Create(ctx context.Context, tx Execer, id, customerID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO virtual_accounts (id, customer_id, balance)
		VALUES ($1, $2, 0)
	`, id, customerID)
	return err
}

func (s *AccountStore) GetByID(ctx context.Context, accountID string) (models.VirtualAccount, error) {
	var row models.VirtualAccount
	err := s.db.GetContext(ctx, &row, `
		SELECT id, customer_id, balance, created_at
		FROM virtual_accounts
		WHERE id = $1
	`, accountID)
	if err != nil {
		return models.VirtualAccount{}, err
	}
	return row, nil
}

func (s *AccountStore) GetByCustomer(ctx context.Context, customerID string) (models.VirtualAccount, error) {
	var row models.VirtualAccount
	err := s.db.GetContext(ctx, &row, `
		SELECT id, customer_id, balance, created_at
		FROM virtual_accounts
		WHERE customer_id = $1
	`, customerID)
	if err != nil {
		return models.VirtualAccount{}, err
	}
	return row, nil
}

// GetByCustomerForUpdate locks the customer's account row until the surrounding
// transaction ends.
func (s *AccountStore) GetByCustomerForUpdate(ctx context.Context, tx Getter, customerID string) (models.VirtualAccount, error) {
	var row models.VirtualAccount
	err := tx.GetContext(ctx, &row, `
		SELECT id, customer_id, balance, created_at
		FROM virtual_accounts
		WHERE customer_id = $1
		FOR UPDATE
	`, customerID)
	if err != nil {
		return models.VirtualAccount{}, err
	}
	return row, nil
}

func (s *AccountStore) GetForUpdate(ctx context.Context, tx Getter, accountID string) (models.VirtualAccount, error) {
	var row models.VirtualAccount
	err := tx.GetContext(ctx, &row, `
		SELECT id, customer_id, balance, created_at
		FROM virtual_accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID)
	if err != nil {
		return models.VirtualAccount{}, err
	}
	return row, nil
}

func (s *AccountStore) UpdateBalance(ctx context.Context, tx Execer, accountID string, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE virtual_accounts
		SET balance = $1, updated_at = NOW()
		WHERE id = $2
	`, balance, accountID)
	return err
}

type AccountReconciliation struct {
	AccountID  string          `db:"account_id"`
	CustomerID string          `db:"customer_id"`
	Balance    decimal.Decimal `db:"account_balance"`
	LedgerSum  decimal.Decimal `db:"ledger_sum"`
	Difference decimal.Decimal `db:"difference"`
}

// Reconcile compares every stored balance with the sum of its ledger entries.
func (s *AccountStore) Reconcile(ctx context.Context) ([]AccountReconciliation, error) {
	var rows []AccountReconciliation
	err := s.db.SelectContext(ctx, &rows, `
		SELECT a.id AS account_id,
		       a.customer_id,
		       a.balance AS account_balance,
		       COALESCE(SUM(l.amount), 0) AS ledger_sum,
		       (a.balance - COALESCE(SUM(l.amount), 0)) AS difference
		FROM virtual_accounts a
		LEFT JOIN ledger_entries l ON l.account_id = a.id
		GROUP BY a.id, a.customer_id, a.balance
		ORDER BY a.id
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
