package store

import (
	"context"

	"auction/internal/models"
)

type PaymentStore struct {
	db DB
}

func NewPaymentStore(db DB) *PaymentStore {
	return &PaymentStore{db: db}
}

const paymentColumns = `id, lot_id, state, amount, paid_at, rejected_at, finished, rejected_detail, created_at`

func (s *PaymentStore) Create(ctx context.Context, tx Execer, attempt models.PaymentAttempt) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO lot_payments (id, lot_id, state, amount, finished)
		VALUES ($1, $2, $3, $4, $5)
	`, attempt.ID, attempt.LotID, attempt.State, attempt.Amount, attempt.Finished)
	return err
}

// Update writes a transition of an attempt. Rows already finished are never
// touched.
func (s *PaymentStore) Update(ctx context.Context, tx Execer, attempt models.PaymentAttempt) (int64, error) {
	return execAffected(ctx, tx, `
		UPDATE lot_payments
		SET state = $1, paid_at = $2, rejected_at = $3, finished = $4, rejected_detail = $5
		WHERE id = $6 AND finished = FALSE
	`, attempt.State, attempt.PaidAt, attempt.RejectedAt, attempt.Finished, attempt.RejectedDetail, attempt.ID)
}

// GetActiveForUpdate returns the lot's unfinished attempt, locking it.
func (s *PaymentStore) GetActiveForUpdate(ctx context.Context, tx Getter, lotID string) (models.PaymentAttempt, error) {
	var row models.PaymentAttempt
	err := tx.GetContext(ctx, &row, `
		SELECT `+paymentColumns+`
		FROM lot_payments
		WHERE lot_id = $1 AND finished = FALSE
		FOR UPDATE
	`, lotID)
	if err != nil {
		return models.PaymentAttempt{}, err
	}
	return row, nil
}

func (s *PaymentStore) ListByLot(ctx context.Context, lotID string) ([]models.PaymentAttempt, error) {
	var rows []models.PaymentAttempt
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+paymentColumns+`
		FROM lot_payments
		WHERE lot_id = $1
		ORDER BY created_at ASC
	`, lotID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
