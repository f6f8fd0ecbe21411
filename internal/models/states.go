package models

import (
	"database/sql/driver"
	"fmt"
)

type LotState string

const (
	LotWaitingForTrade  LotState = "waiting_for_trade"
	LotTradingInProcess LotState = "trading_in_process"
	LotTradingFinished  LotState = "trading_is_finished"
	LotWinnerApproved   LotState = "winner_of_trade_approved"
	LotPaymentInProcess LotState = "payment_in_process"
	LotPaymentSuccess   LotState = "payment_success"
	LotPaymentFailed    LotState = "payment_failed"
	LotTradeDeclined    LotState = "trade_declined"
)

var lotStates = []LotState{
	LotWaitingForTrade,
	LotTradingInProcess,
	LotTradingFinished,
	LotWinnerApproved,
	LotPaymentInProcess,
	LotPaymentSuccess,
	LotPaymentFailed,
	LotTradeDeclined,
}

var (
	// PaymentAllowedStates lists where a new payment attempt may begin; a
	// failed payment can be retried.
	PaymentAllowedStates = []LotState{LotWinnerApproved, LotPaymentFailed}

	// ContractorDeclineAllowedStates lists where the winner may refuse the
	// purchase. The penalty is settled outside this service.
	ContractorDeclineAllowedStates = []LotState{LotTradingFinished}

	// PaymentRequestedStates hold an attempt that a new payment request must
	// not replace.
	PaymentRequestedStates = []LotState{LotPaymentInProcess, LotPaymentSuccess}
)

func LotStates() []LotState {
	return append([]LotState(nil), lotStates...)
}

func (s LotState) Valid() bool {
	for _, known := range lotStates {
		if s == known {
			return true
		}
	}
	return false
}

func (s LotState) In(set []LotState) bool {
	for _, item := range set {
		if s == item {
			return true
		}
	}
	return false
}

func (s LotState) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid lot state %q", string(s))
	}
	return string(s), nil
}

func (s *LotState) Scan(src any) error {
	raw, err := scanString(src)
	if err != nil {
		return err
	}
	state := LotState(raw)
	if !state.Valid() {
		return fmt.Errorf("unknown lot state %q", raw)
	}
	*s = state
	return nil
}

type PaymentState string

const (
	PaymentStarted           PaymentState = "started"
	PaymentInsufficientFunds PaymentState = "insufficient_funds_on_virtual_account"
	PaymentRejected          PaymentState = "rejected"
	PaymentPaid              PaymentState = "paid"
)

var paymentStates = []PaymentState{PaymentStarted, PaymentInsufficientFunds, PaymentRejected, PaymentPaid}

var (
	PaymentFinishedStates      = []PaymentState{PaymentRejected, PaymentPaid}
	PaymentRejectAllowedStates = []PaymentState{PaymentInsufficientFunds}

	// RejectedDetailMessages is the customer-facing reason keyed by the state
	// the attempt was rejected from.
	RejectedDetailMessages = map[PaymentState]string{
		PaymentInsufficientFunds: "Insufficient funds on account",
	}
)

func PaymentStates() []PaymentState {
	return append([]PaymentState(nil), paymentStates...)
}

func (s PaymentState) Valid() bool {
	for _, known := range paymentStates {
		if s == known {
			return true
		}
	}
	return false
}

func (s PaymentState) In(set []PaymentState) bool {
	for _, item := range set {
		if s == item {
			return true
		}
	}
	return false
}

func (s PaymentState) Finished() bool {
	return s.In(PaymentFinishedStates)
}

func (s PaymentState) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid payment state %q", string(s))
	}
	return string(s), nil
}

func (s *PaymentState) Scan(src any) error {
	raw, err := scanString(src)
	if err != nil {
		return err
	}
	state := PaymentState(raw)
	if !state.Valid() {
		return fmt.Errorf("unknown payment state %q", raw)
	}
	*s = state
	return nil
}

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("unsupported state type %T", src)
	}
}
