package store

import (
	"context"

	"auction/internal/models"
)

type LotStore struct {
	db DB
}

func NewLotStore(db DB) *LotStore {
	return &LotStore{db: db}
}

const lotColumns = `id, state, owner_customer_id, trade_winner_id, short_description, description,
		       start_price, final_price, commission, lot_image, trade_started_at, payment_started_at,
		       paid_at, all_participants_info, created_at`

func (s *LotStore) Create(ctx context.Context, tx Execer, lot models.Lot) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO lots (id, state, owner_customer_id, short_description, description, start_price, commission, lot_image, all_participants_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, lot.ID, lot.State, lot.OwnerID, lot.ShortDescription, lot.Description, lot.StartPrice, lot.Commission, lot.Image, lot.Participants)
	return err
}

func (s *LotStore) GetByID(ctx context.Context, lotID string) (models.Lot, error) {
	var row models.Lot
	err := s.db.GetContext(ctx, &row, `SELECT `+lotColumns+` FROM lots WHERE id = $1`, lotID)
	if err != nil {
		return models.Lot{}, err
	}
	return row, nil
}

func (s *LotStore) GetForUpdate(ctx context.Context, tx Getter, lotID string) (models.Lot, error) {
	var row models.Lot
	err := tx.GetContext(ctx, &row, `SELECT `+lotColumns+` FROM lots WHERE id = $1 FOR UPDATE`, lotID)
	if err != nil {
		return models.Lot{}, err
	}
	return row, nil
}

func (s *LotStore) ListByState(ctx context.Context, state models.LotState, limit, offset int) ([]models.Lot, error) {
	var rows []models.Lot
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE state = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, state, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateState persists the result of a lifecycle transition. Owner is never
// written and the trade result columns only fill in when still NULL.
func (s *LotStore) UpdateState(ctx context.Context, tx Execer, lot models.Lot) (int64, error) {
	return execAffected(ctx, tx, `
		UPDATE lots
		SET state = $1,
		    trade_winner_id = COALESCE(trade_winner_id, $2),
		    final_price = COALESCE(final_price, $3),
		    trade_started_at = $4,
		    payment_started_at = $5,
		    paid_at = $6,
		    all_participants_info = $7
		WHERE id = $8
	`, lot.State, lot.TradeWinnerID, lot.FinalPrice, lot.TradeStartedAt, lot.PaymentStartedAt, lot.PaidAt, lot.Participants, lot.ID)
}
