package lifecycle

import (
	"time"

	"auction/internal/models"
)

type PaymentEvent string

const (
	EventDebitSucceeded    PaymentEvent = "debit_succeeded"
	EventDebitInsufficient PaymentEvent = "debit_insufficient"
	EventReject            PaymentEvent = "reject"
)

var paymentEvents = []PaymentEvent{EventDebitSucceeded, EventDebitInsufficient, EventReject}

func PaymentEvents() []PaymentEvent {
	return append([]PaymentEvent(nil), paymentEvents...)
}

type PaymentInput struct {
	At     time.Time
	Detail string
}

type paymentTransition struct {
	to    models.PaymentState
	apply func(p *models.PaymentAttempt, from models.PaymentState, in PaymentInput)
}

var paymentTable = buildPaymentTable()

func buildPaymentTable() map[models.PaymentState]map[PaymentEvent]paymentTransition {
	table := map[models.PaymentState]map[PaymentEvent]paymentTransition{
		models.PaymentStarted: {
			EventDebitSucceeded: {
				to: models.PaymentPaid,
				apply: func(p *models.PaymentAttempt, _ models.PaymentState, in PaymentInput) {
					at := in.At
					p.PaidAt = &at
				},
			},
			EventDebitInsufficient: {to: models.PaymentInsufficientFunds},
		},
	}
	for _, from := range models.PaymentRejectAllowedStates {
		if table[from] == nil {
			table[from] = map[PaymentEvent]paymentTransition{}
		}
		table[from][EventReject] = paymentTransition{
			to: models.PaymentRejected,
			apply: func(p *models.PaymentAttempt, from models.PaymentState, in PaymentInput) {
				at := in.At
				p.RejectedAt = &at
				detail := in.Detail
				if detail == "" {
					detail = models.RejectedDetailMessages[from]
				}
				p.RejectedDetail = &detail
			},
		}
	}
	return table
}

// ApplyPayment advances attempt by event. A finished attempt accepts nothing.
func ApplyPayment(attempt models.PaymentAttempt, event PaymentEvent, in PaymentInput) (models.PaymentAttempt, error) {
	if attempt.Finished {
		return attempt, illegal("payment", attempt.ID, string(event), string(attempt.State)+" (finished)")
	}
	tr, ok := paymentTable[attempt.State][event]
	if !ok {
		return attempt, illegal("payment", attempt.ID, string(event), string(attempt.State))
	}
	next := attempt
	from := attempt.State
	if tr.apply != nil {
		tr.apply(&next, from, in)
	}
	next.State = tr.to
	next.Finished = tr.to.Finished()
	return next, nil
}
