package services

import (
	"errors"
	"fmt"

	"auction/internal/lifecycle"
	"auction/internal/lock"
	"auction/internal/money"
)

// Callers match these with errors.Is. InsufficientFunds is a payment state and
// never surfaces as an error.
var (
	ErrIllegalTransition = lifecycle.ErrIllegalTransition
	ErrBusy              = lock.ErrBusy
	ErrUnknownEntity     = errors.New("unknown entity")
	ErrInvalidAmount     = money.ErrInvalidAmount
	ErrInvalidInput      = errors.New("invalid input")

	// ErrPaymentInFlight is returned, together with the lot's current attempt,
	// when payment was already requested. It matches ErrIllegalTransition.
	ErrPaymentInFlight = fmt.Errorf("%w: payment already requested", ErrIllegalTransition)
)
