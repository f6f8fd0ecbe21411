package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"auction/internal/models"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// approvedLot walks a new lot to winner_of_trade_approved with the given
// winner and final price.
func approvedLot(t *testing.T, f fixture, winnerID, finalPrice string) models.Lot {
	t.Helper()
	ctx := context.Background()
	f.db.addCustomer("owner-1", "", "0")
	lot, err := f.service.CreateLot(ctx, CreateLotRequest{
		OwnerID:          "owner-1",
		ShortDescription: "Oil painting",
		StartPrice:       dec("10"),
	})
	if err != nil {
		t.Fatalf("create lot: %v", err)
	}
	if _, err := f.service.StartTrade(ctx, lot.ID, "operator"); err != nil {
		t.Fatalf("start trade: %v", err)
	}
	if _, err := f.service.FinishTrade(ctx, lot.ID, TradeResult{
		WinnerID:     strPtr(winnerID),
		FinalPrice:   decimal.NewNullDecimal(dec(finalPrice)),
		Participants: types.JSONText(`{"bidders":2}`),
	}, "operator"); err != nil {
		t.Fatalf("finish trade: %v", err)
	}
	approved, err := f.service.ApproveWinner(ctx, lot.ID, "operator")
	if err != nil {
		t.Fatalf("approve winner: %v", err)
	}
	return approved
}

func TestRequestPaymentStartPaysAndCompletesLot(t *testing.T) {
	f := newFixture(t)
	f.db.addCustomer("winner-1", "acc-w", "100")
	lot := approvedLot(t, f, "winner-1", "60")

	outcome, err := f.service.RequestPaymentStart(context.Background(), lot.ID, "winner-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Attempt.State != models.PaymentPaid || !outcome.Attempt.Finished || outcome.Attempt.PaidAt == nil {
		t.Fatalf("unexpected attempt: %#v", outcome.Attempt)
	}
	if outcome.Lot.State != models.LotPaymentSuccess || outcome.Lot.PaidAt == nil || outcome.Lot.PaymentStartedAt == nil {
		t.Fatalf("unexpected lot: %#v", outcome.Lot)
	}
	if !outcome.Lot.PaidAt.Equal(*outcome.Attempt.PaidAt) {
		t.Fatalf("lot paid_at must follow the attempt")
	}
	if stored := f.db.lot(lot.ID); stored.State != models.LotPaymentSuccess {
		t.Fatalf("stored lot not updated: %s", stored.State)
	}
	if got := f.db.balance("acc-w"); !got.Equal(dec("40")) {
		t.Fatalf("expected 40 left, got %s", got)
	}
	if f.hub.count() != 1 {
		t.Fatalf("expected one balance push, got %d", f.hub.count())
	}
	state := f.db.snapshot()
	last := state.outbox[len(state.outbox)-1]
	if last.EventType != "lot.payment_success" || last.Key != lot.ID {
		t.Fatalf("unexpected last event: %#v", last)
	}
}

func TestInsufficientFundsRejectThenRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.db.addCustomer("winner-1", "acc-w", "200")
	lot := approvedLot(t, f, "winner-1", "500")

	outcome, err := f.service.RequestPaymentStart(ctx, lot.ID, "winner-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Attempt.State != models.PaymentInsufficientFunds || outcome.Attempt.Finished {
		t.Fatalf("expected unfinished insufficient attempt, got %#v", outcome.Attempt)
	}
	if outcome.Lot.State != models.LotPaymentInProcess {
		t.Fatalf("expected lot to stay in payment, got %s", outcome.Lot.State)
	}
	if got := f.db.balance("acc-w"); !got.Equal(dec("200")) {
		t.Fatalf("balance must be untouched, got %s", got)
	}

	again, err := f.service.RequestPaymentStart(ctx, lot.ID, "winner-1")
	if !errors.Is(err, ErrPaymentInFlight) || !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("second request while one is open must report the open payment, got %v", err)
	}
	if again.Attempt.ID != outcome.Attempt.ID || again.Lot.State != models.LotPaymentInProcess {
		t.Fatalf("expected the open attempt %s, got %#v", outcome.Attempt.ID, again)
	}
	if attempts := f.db.snapshot().payments; len(attempts) != 1 {
		t.Fatalf("a repeated request must not open an attempt, got %d", len(attempts))
	}

	rejected, err := f.service.RecordPaymentOutcome(ctx, lot.ID, "", "operator")
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.Attempt.State != models.PaymentRejected || !rejected.Attempt.Finished || rejected.Attempt.RejectedAt == nil {
		t.Fatalf("unexpected rejected attempt: %#v", rejected.Attempt)
	}
	if rejected.Attempt.RejectedDetail == nil || *rejected.Attempt.RejectedDetail != "Insufficient funds on account" {
		t.Fatalf("unexpected detail: %v", rejected.Attempt.RejectedDetail)
	}
	if rejected.Lot.State != models.LotPaymentFailed {
		t.Fatalf("expected payment_failed, got %s", rejected.Lot.State)
	}

	if _, err := f.service.RecordPaymentOutcome(ctx, lot.ID, "", "operator"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("rejecting twice must be illegal, got %v", err)
	}

	if _, err := f.ledger.Credit(ctx, CreditRequest{AccountID: "acc-w", Amount: dec("300")}); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	retry, err := f.service.RequestPaymentStart(ctx, lot.ID, "winner-1")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retry.Attempt.State != models.PaymentPaid || retry.Lot.State != models.LotPaymentSuccess {
		t.Fatalf("expected paid retry, got %s / %s", retry.Attempt.State, retry.Lot.State)
	}
	if got := f.db.balance("acc-w"); !got.IsZero() {
		t.Fatalf("expected zero balance, got %s", got)
	}

	attempts, err := f.service.ListPayments(ctx, lot.ID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(attempts) != 2 || attempts[0].State != models.PaymentRejected || attempts[1].State != models.PaymentPaid {
		t.Fatalf("unexpected attempts: %#v", attempts)
	}
	if _, open, err := f.service.ActivePayment(ctx, lot.ID); err != nil || open {
		t.Fatalf("expected no active payment, got %v %v", open, err)
	}

	paid, err := f.service.RequestPaymentStart(ctx, lot.ID, "winner-1")
	if !errors.Is(err, ErrPaymentInFlight) {
		t.Fatalf("paying a paid lot must report the payment, got %v", err)
	}
	if paid.Attempt.ID != retry.Attempt.ID || paid.Attempt.State != models.PaymentPaid {
		t.Fatalf("expected the paid attempt %s, got %#v", retry.Attempt.ID, paid.Attempt)
	}
}

func TestRejectKeepsExplicitDetail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.db.addCustomer("winner-1", "acc-w", "1")
	lot := approvedLot(t, f, "winner-1", "50")
	if _, err := f.service.RequestPaymentStart(ctx, lot.ID, "winner-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	active, open, err := f.service.ActivePayment(ctx, lot.ID)
	if err != nil || !open || active.State != models.PaymentInsufficientFunds {
		t.Fatalf("expected an open insufficient attempt, got %#v %v %v", active, open, err)
	}
	outcome, err := f.service.RecordPaymentOutcome(ctx, lot.ID, "card declined", "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *outcome.Attempt.RejectedDetail != "card declined" {
		t.Fatalf("unexpected detail: %s", *outcome.Attempt.RejectedDetail)
	}
}

func TestWinnerWithoutAccountIsInsufficient(t *testing.T) {
	f := newFixture(t)
	f.db.addCustomer("winner-1", "", "0")
	lot := approvedLot(t, f, "winner-1", "10")
	outcome, err := f.service.RequestPaymentStart(context.Background(), lot.ID, "winner-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Attempt.State != models.PaymentInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %s", outcome.Attempt.State)
	}
}

func TestApproveWinnerWithoutWinnerIsIllegal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.db.addCustomer("owner-1", "", "0")
	lot, err := f.service.CreateLot(ctx, CreateLotRequest{OwnerID: "owner-1", ShortDescription: "Vase"})
	if err != nil {
		t.Fatalf("create lot: %v", err)
	}
	if _, err := f.service.StartTrade(ctx, lot.ID, ""); err != nil {
		t.Fatalf("start trade: %v", err)
	}
	if _, err := f.service.FinishTrade(ctx, lot.ID, TradeResult{}, ""); err != nil {
		t.Fatalf("finish trade: %v", err)
	}
	if _, err := f.service.ApproveWinner(ctx, lot.ID, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if state := f.db.lot(lot.ID).State; state != models.LotTradingFinished {
		t.Fatalf("lot must stay trading_is_finished, got %s", state)
	}
}

func TestDeclineTrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.db.addCustomer("owner-1", "", "0")
	f.db.addCustomer("winner-1", "acc-w", "0")
	lot, err := f.service.CreateLot(ctx, CreateLotRequest{OwnerID: "owner-1", ShortDescription: "Vase"})
	if err != nil {
		t.Fatalf("create lot: %v", err)
	}
	if _, err := f.service.DeclineTrade(ctx, lot.ID, "winner-1"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("decline before trading must be illegal, got %v", err)
	}
	if _, err := f.service.StartTrade(ctx, lot.ID, ""); err != nil {
		t.Fatalf("start trade: %v", err)
	}
	if _, err := f.service.FinishTrade(ctx, lot.ID, TradeResult{WinnerID: strPtr("winner-1"), FinalPrice: decimal.NewNullDecimal(dec("30"))}, ""); err != nil {
		t.Fatalf("finish trade: %v", err)
	}
	declined, err := f.service.DeclineTrade(ctx, lot.ID, "winner-1")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.State != models.LotTradeDeclined {
		t.Fatalf("expected trade_declined, got %s", declined.State)
	}
	state := f.db.snapshot()
	if last := state.outbox[len(state.outbox)-1]; last.EventType != "lot.trade_declined" {
		t.Fatalf("expected trade_declined event, got %s", last.EventType)
	}
	if _, err := f.service.RequestPaymentStart(ctx, lot.ID, "winner-1"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("payment after decline must be illegal, got %v", err)
	}
}

func TestFinishTradeUnknownWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.db.addCustomer("owner-1", "", "0")
	lot, _ := f.service.CreateLot(ctx, CreateLotRequest{OwnerID: "owner-1", ShortDescription: "Vase"})
	_, _ = f.service.StartTrade(ctx, lot.ID, "")
	_, err := f.service.FinishTrade(ctx, lot.ID, TradeResult{WinnerID: strPtr("ghost")}, "")
	if !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	if state := f.db.lot(lot.ID).State; state != models.LotTradingInProcess {
		t.Fatalf("lot must be unchanged, got %s", state)
	}
}

func TestFinishTradeRejectsNonPositivePrice(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.FinishTrade(context.Background(), "lot-1", TradeResult{FinalPrice: decimal.NewNullDecimal(dec("0"))}, "")
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestFinishTradeRejectsOversizedPrice(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.FinishTrade(context.Background(), "lot-1", TradeResult{FinalPrice: decimal.NewNullDecimal(dec("1000000000000"))}, "")
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestCreateLotValidation(t *testing.T) {
	f := newFixture(t)
	f.db.addCustomer("owner-1", "", "0")
	ctx := context.Background()
	if _, err := f.service.CreateLot(ctx, CreateLotRequest{OwnerID: "owner-1", ShortDescription: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.service.CreateLot(ctx, CreateLotRequest{OwnerID: "owner-1", ShortDescription: "x", StartPrice: dec("-1")}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.service.CreateLot(ctx, CreateLotRequest{OwnerID: "owner-1", ShortDescription: "x", StartPrice: dec("1e16")}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for an oversized start price, got %v", err)
	}
	if _, err := f.service.CreateLot(ctx, CreateLotRequest{OwnerID: "ghost", ShortDescription: "x"}); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	lot, err := f.service.CreateLot(ctx, CreateLotRequest{OwnerID: "owner-1", ShortDescription: " Chair "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lot.State != models.LotWaitingForTrade || lot.ShortDescription != "Chair" || string(lot.Participants) != "{}" {
		t.Fatalf("unexpected lot: %#v", lot)
	}
	state := f.db.snapshot()
	if len(state.outbox) != 1 || state.outbox[0].EventType != "lot.created" {
		t.Fatalf("expected lot.created event, got %#v", state.outbox)
	}
}

func TestUnknownLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.service.GetLot(ctx, "missing"); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	if _, err := f.service.StartTrade(ctx, "missing", ""); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	if _, err := f.service.ListPayments(ctx, "missing"); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
}

func TestBusyLot(t *testing.T) {
	f := newFixture(t)
	f.db.addCustomer("winner-1", "acc-w", "100")
	lot := approvedLot(t, f, "winner-1", "60")

	unlock, err := f.locker.Acquire(context.Background(), "lot:"+lot.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = f.service.RequestPaymentStart(ctx, lot.ID, "winner-1")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if len(f.db.snapshot().payments) != 0 {
		t.Fatalf("no attempt may be created while the lot is busy")
	}
}

func TestConcurrentPaymentRequestsCreateOneAttempt(t *testing.T) {
	f := newFixture(t)
	f.db.addCustomer("winner-1", "acc-w", "1000")
	lot := approvedLot(t, f, "winner-1", "60")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded int
	var created string
	var observed []string
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.service.RequestPaymentStart(context.Background(), lot.ID, "winner-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
				created = outcome.Attempt.ID
			case errors.Is(err, ErrPaymentInFlight):
				observed = append(observed, outcome.Attempt.ID)
			case errors.Is(err, ErrBusy):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one successful request, got %d", succeeded)
	}
	for _, id := range observed {
		if id != created {
			t.Fatalf("losing request saw attempt %q, want %q", id, created)
		}
	}
	if attempts := f.db.snapshot().payments; len(attempts) != 1 {
		t.Fatalf("expected exactly one attempt, got %d", len(attempts))
	}
	if got := f.db.balance("acc-w"); !got.Equal(dec("940")) {
		t.Fatalf("expected a single debit, got balance %s", got)
	}
}

func TestOtherLotsProceedWhileOneIsLocked(t *testing.T) {
	f := newFixture(t)
	f.db.addCustomer("winner-1", "acc-1", "100")
	f.db.addCustomer("winner-2", "acc-2", "100")
	held := approvedLot(t, f, "winner-1", "60")
	free := approvedLot(t, f, "winner-2", "60")

	unlock, err := f.locker.Acquire(context.Background(), "lot:"+held.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	outcome, err := f.service.RequestPaymentStart(ctx, free.ID, "winner-2")
	if err != nil {
		t.Fatalf("a different lot must not wait, got %v", err)
	}
	if outcome.Lot.State != models.LotPaymentSuccess {
		t.Fatalf("expected payment_success, got %s", outcome.Lot.State)
	}
	if got := f.db.lot(held.ID).State; got != models.LotWinnerApproved {
		t.Fatalf("locked lot must be untouched, got %s", got)
	}
}

func TestLotRowLockSerializesOnlyThatLot(t *testing.T) {
	f := newFixture(t)
	f.db.addCustomer("winner-1", "acc-1", "100")
	f.db.addCustomer("winner-2", "acc-2", "100")
	held := approvedLot(t, f, "winner-1", "60")
	free := approvedLot(t, f, "winner-2", "60")

	release := f.db.holdRow(t, "lot:"+held.ID)

	type result struct {
		outcome PaymentOutcome
		err     error
	}
	waiting := make(chan result, 1)
	go func() {
		outcome, err := f.service.RequestPaymentStart(context.Background(), held.ID, "winner-1")
		waiting <- result{outcome, err}
	}()

	if _, err := f.service.RequestPaymentStart(context.Background(), free.ID, "winner-2"); err != nil {
		t.Fatalf("a different lot must proceed, got %v", err)
	}
	select {
	case res := <-waiting:
		t.Fatalf("request on the locked lot finished early: %v", res.err)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case res := <-waiting:
		if res.err != nil || res.outcome.Lot.State != models.LotPaymentSuccess {
			t.Fatalf("expected the waiting request to pay, got %s %v", res.outcome.Lot.State, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request on the released lot never finished")
	}
	if !f.db.balance("acc-1").Equal(dec("40")) || !f.db.balance("acc-2").Equal(dec("40")) {
		t.Fatalf("both winners must be charged once")
	}
}

func TestPaymentRequestIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.db.addCustomer("winner-1", "acc-w", "100")
	lot := approvedLot(t, f, "winner-1", "60")
	before := f.db.snapshot()

	f.db.failOutbox = errors.New("outbox unavailable")
	if _, err := f.service.RequestPaymentStart(context.Background(), lot.ID, "winner-1"); err == nil {
		t.Fatalf("expected error")
	}
	after := f.db.snapshot()
	if !after.accounts["acc-w"].Balance.Equal(dec("100")) {
		t.Fatalf("debit must roll back, balance %s", after.accounts["acc-w"].Balance)
	}
	if len(after.payments) != 0 || len(after.entries) != len(before.entries) {
		t.Fatalf("attempt and ledger entry must roll back")
	}
	if after.lots[lot.ID].State != models.LotWinnerApproved {
		t.Fatalf("lot must roll back, got %s", after.lots[lot.ID].State)
	}
	if f.hub.count() != 0 {
		t.Fatalf("rolled back debit must not be pushed")
	}
}

func TestCommissionIsDeducted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.db.addCustomer("owner-1", "", "0")
	f.db.addCustomer("winner-1", "acc-w", "100")
	lot, err := f.service.CreateLot(ctx, CreateLotRequest{
		OwnerID:          "owner-1",
		ShortDescription: "Lamp",
		Commission:       decimal.NewNullDecimal(dec("10")),
	})
	if err != nil {
		t.Fatalf("create lot: %v", err)
	}
	_, _ = f.service.StartTrade(ctx, lot.ID, "")
	_, _ = f.service.FinishTrade(ctx, lot.ID, TradeResult{WinnerID: strPtr("winner-1"), FinalPrice: decimal.NewNullDecimal(dec("60"))}, "")
	_, _ = f.service.ApproveWinner(ctx, lot.ID, "")
	outcome, err := f.service.RequestPaymentStart(ctx, lot.ID, "winner-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Attempt.Amount.Equal(dec("50")) {
		t.Fatalf("expected 50 charged, got %s", outcome.Attempt.Amount)
	}
	if got := f.db.balance("acc-w"); !got.Equal(dec("50")) {
		t.Fatalf("expected 50 left, got %s", got)
	}
}

func TestAmountPolicies(t *testing.T) {
	cases := []struct {
		name       string
		policy     AmountPolicy
		finalPrice decimal.NullDecimal
		commission decimal.NullDecimal
		want       string
		illegal    bool
	}{
		{name: "net without commission", policy: NetOfCommission{}, finalPrice: decimal.NewNullDecimal(dec("60")), want: "60"},
		{name: "net with commission", policy: NetOfCommission{}, finalPrice: decimal.NewNullDecimal(dec("60")), commission: decimal.NewNullDecimal(dec("12.50")), want: "47.50"},
		{name: "commission eats price", policy: NetOfCommission{}, finalPrice: decimal.NewNullDecimal(dec("10")), commission: decimal.NewNullDecimal(dec("10")), illegal: true},
		{name: "no final price", policy: NetOfCommission{}, illegal: true},
		{name: "full price ignores commission", policy: FullPrice{}, finalPrice: decimal.NewNullDecimal(dec("60")), commission: decimal.NewNullDecimal(dec("10")), want: "60"},
		{name: "full price needs price", policy: FullPrice{}, illegal: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			amount, err := tc.policy.PaymentAmount(models.Lot{ID: "lot-1", FinalPrice: tc.finalPrice, Commission: tc.commission})
			if tc.illegal {
				if !errors.Is(err, ErrIllegalTransition) {
					t.Fatalf("expected ErrIllegalTransition, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !amount.Equal(dec(tc.want)) {
				t.Fatalf("expected %s, got %s", tc.want, amount)
			}
		})
	}
}
