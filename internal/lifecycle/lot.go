package lifecycle

import (
	"fmt"
	"time"

	"auction/internal/models"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

type LotEvent string

const (
	EventStartTrade      LotEvent = "start_trade"
	EventFinishTrade     LotEvent = "finish_trade"
	EventApproveWinner   LotEvent = "approve_winner"
	EventDecline         LotEvent = "decline"
	EventBeginPayment    LotEvent = "begin_payment"
	EventPaymentPaid     LotEvent = "payment_paid"
	EventPaymentRejected LotEvent = "payment_rejected"
)

var lotEvents = []LotEvent{
	EventStartTrade,
	EventFinishTrade,
	EventApproveWinner,
	EventDecline,
	EventBeginPayment,
	EventPaymentPaid,
	EventPaymentRejected,
}

func LotEvents() []LotEvent {
	return append([]LotEvent(nil), lotEvents...)
}

// LotInput carries the data an event needs. Fields irrelevant to the event are
// ignored.
type LotInput struct {
	At           time.Time
	WinnerID     *string
	FinalPrice   decimal.NullDecimal
	Participants types.JSONText
	PaidAt       *time.Time
}

type lotTransition struct {
	to    models.LotState
	guard func(models.Lot) error
	apply func(*models.Lot, LotInput)
}

var lotTable = buildLotTable()

func buildLotTable() map[models.LotState]map[LotEvent]lotTransition {
	table := map[models.LotState]map[LotEvent]lotTransition{}
	add := func(from models.LotState, event LotEvent, tr lotTransition) {
		if table[from] == nil {
			table[from] = map[LotEvent]lotTransition{}
		}
		table[from][event] = tr
	}

	add(models.LotWaitingForTrade, EventStartTrade, lotTransition{
		to: models.LotTradingInProcess,
		apply: func(l *models.Lot, in LotInput) {
			at := in.At
			l.TradeStartedAt = &at
		},
	})
	add(models.LotTradingInProcess, EventFinishTrade, lotTransition{
		to:    models.LotTradingFinished,
		apply: closeTrade,
	})
	add(models.LotTradingFinished, EventApproveWinner, lotTransition{
		to:    models.LotWinnerApproved,
		guard: requireWinner,
	})
	for _, from := range models.ContractorDeclineAllowedStates {
		add(from, EventDecline, lotTransition{
			to:    models.LotTradeDeclined,
			guard: requireWinner,
		})
	}
	for _, from := range models.PaymentAllowedStates {
		add(from, EventBeginPayment, lotTransition{
			to:    models.LotPaymentInProcess,
			guard: requireWinner,
			apply: func(l *models.Lot, in LotInput) {
				at := in.At
				l.PaymentStartedAt = &at
			},
		})
	}
	add(models.LotPaymentInProcess, EventPaymentPaid, lotTransition{
		to: models.LotPaymentSuccess,
		apply: func(l *models.Lot, in LotInput) {
			at := in.At
			if in.PaidAt != nil {
				at = *in.PaidAt
			}
			l.PaidAt = &at
		},
	})
	add(models.LotPaymentInProcess, EventPaymentRejected, lotTransition{
		to: models.LotPaymentFailed,
	})
	return table
}

// closeTrade records the trade result. Winner and final price are written only
// when still unset: trading_is_finished is entered once per lot.
func closeTrade(l *models.Lot, in LotInput) {
	if !l.HasWinner() && in.WinnerID != nil && *in.WinnerID != "" {
		winner := *in.WinnerID
		l.TradeWinnerID = &winner
	}
	if !l.FinalPrice.Valid && in.FinalPrice.Valid {
		l.FinalPrice = in.FinalPrice
	}
	if len(in.Participants) > 0 {
		l.Participants = append(types.JSONText(nil), in.Participants...)
	}
}

func requireWinner(l models.Lot) error {
	if !l.HasWinner() {
		return fmt.Errorf("lot %s has no trade winner", l.ID)
	}
	return nil
}

// CanApplyLot reports whether event has a transition out of state, ignoring
// guards.
func CanApplyLot(state models.LotState, event LotEvent) bool {
	_, ok := lotTable[state][event]
	return ok
}

// NextLotState is the state event leads to from state, if any.
func NextLotState(state models.LotState, event LotEvent) (models.LotState, bool) {
	tr, ok := lotTable[state][event]
	return tr.to, ok
}

// ApplyLot returns lot advanced by event. On ErrIllegalTransition the returned
// value is the unchanged input.
func ApplyLot(lot models.Lot, event LotEvent, in LotInput) (models.Lot, error) {
	tr, ok := lotTable[lot.State][event]
	if !ok {
		return lot, illegal("lot", lot.ID, string(event), string(lot.State))
	}
	if tr.guard != nil {
		if err := tr.guard(lot); err != nil {
			return lot, fmt.Errorf("%w: %s", ErrIllegalTransition, err.Error())
		}
	}
	next := lot
	if tr.apply != nil {
		tr.apply(&next, in)
	}
	next.State = tr.to
	return next, nil
}
