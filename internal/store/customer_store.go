package store

import (
	"context"

	"auction/internal/models"
)

type CustomerStore struct {
	db DB
}

func NewCustomerStore(db DB) *CustomerStore {
	return &CustomerStore{db: db}
}

const customerColumns = `id, last_name, first_name, patronymic, mail, password_hash, statement_signed_at, created_at`

func (s *CustomerStore) Create(ctx context.Context, tx Execer, customer models.Customer) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO customers (id, last_name, first_name, patronymic, mail, password_hash, statement_signed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, customer.ID, customer.LastName, customer.FirstName, customer.Patronymic, customer.Mail, customer.PasswordHash, customer.StatementSignedAt)
	return err
}

func (s *CustomerStore) GetByID(ctx context.Context, customerID string) (models.Customer, error) {
	var row models.Customer
	err := s.db.GetContext(ctx, &row, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, customerID)
	if err != nil {
		return models.Customer{}, err
	}
	return row, nil
}

func (s *CustomerStore) GetByMail(ctx context.Context, mail string) (models.Customer, error) {
	var row models.Customer
	err := s.db.GetContext(ctx, &row, `SELECT `+customerColumns+` FROM customers WHERE lower(mail) = lower($1)`, mail)
	if err != nil {
		return models.Customer{}, err
	}
	return row, nil
}

// Exists checks a customer reference inside the caller's transaction.
func (s *CustomerStore) Exists(ctx context.Context, tx Getter, customerID string) (bool, error) {
	var exists bool
	err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM customers WHERE id = $1)`, customerID)
	return exists, err
}
