package services

import (
	"fmt"

	"auction/internal/models"

	"github.com/shopspring/decimal"
)

// AmountPolicy decides how much the trade winner is charged for a lot.
type AmountPolicy interface {
	PaymentAmount(lot models.Lot) (decimal.Decimal, error)
}

// NetOfCommission charges the final price less the lot's commission. A lot
// without a commission is charged the full final price.
type NetOfCommission struct{}

func (NetOfCommission) PaymentAmount(lot models.Lot) (decimal.Decimal, error) {
	if !lot.FinalPrice.Valid {
		return decimal.Zero, fmt.Errorf("%w: lot %s has no final price", ErrIllegalTransition, lot.ID)
	}
	amount := lot.FinalPrice.Decimal
	if lot.Commission.Valid {
		amount = amount.Sub(lot.Commission.Decimal)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: lot %s payment amount %s is not positive", ErrIllegalTransition, lot.ID, amount.StringFixed(2))
	}
	return amount, nil
}

// FullPrice charges the final price as is.
type FullPrice struct{}

func (FullPrice) PaymentAmount(lot models.Lot) (decimal.Decimal, error) {
	if !lot.FinalPrice.Valid || !lot.FinalPrice.Decimal.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: lot %s has no payable final price", ErrIllegalTransition, lot.ID)
	}
	return lot.FinalPrice.Decimal, nil
}
