package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"auction/internal/db"
	"auction/internal/events"
	"auction/internal/lifecycle"
	"auction/internal/lock"
	"auction/internal/models"
	"auction/internal/money"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxShortDescription = 256
	maxImageRef         = 300
	defaultEventsTopic  = "lot_events"
)

type CreateLotRequest struct {
	OwnerID          string
	ShortDescription string
	Description      *string
	StartPrice       decimal.Decimal
	Commission       decimal.NullDecimal
	Image            string
	ActorID          string
}

// TradeResult is the externally decided outcome of trading. Winner and final
// price may be absent when nobody won.
type TradeResult struct {
	WinnerID     *string
	FinalPrice   decimal.NullDecimal
	Participants types.JSONText
}

type PaymentOutcome struct {
	Lot     models.Lot            `json:"lot"`
	Attempt models.PaymentAttempt `json:"payment"`
}

type Option func(*AuctionService)

func WithAmountPolicy(policy AmountPolicy) Option {
	return func(s *AuctionService) { s.amounts = policy }
}

func WithEventsTopic(topic string) Option {
	return func(s *AuctionService) {
		if topic != "" {
			s.topic = topic
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *AuctionService) {
		s.now = now
		s.process.now = now
	}
}

// AuctionService drives lots through their lifecycle. Every mutation holds
// the lot's lock and runs in one serializable transaction that also writes the
// audit trail and outbox events.
type AuctionService struct {
	txRunner  db.TxRunner
	locker    lock.Locker
	lots      LotStore
	payments  PaymentStore
	customers CustomerStore
	audit     AuditStore
	outbox    OutboxStore
	ledger    *Ledger
	process   *PaymentProcess
	amounts   AmountPolicy
	topic     string
	logger    *zap.Logger
	now       func() time.Time
}

func NewAuctionService(txRunner db.TxRunner, locker lock.Locker, lots LotStore, payments PaymentStore, customers CustomerStore, audit AuditStore, outbox OutboxStore, ledger *Ledger, logger *zap.Logger, opts ...Option) *AuctionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AuctionService{
		txRunner:  txRunner,
		locker:    locker,
		lots:      lots,
		payments:  payments,
		customers: customers,
		audit:     audit,
		outbox:    outbox,
		ledger:    ledger,
		process:   NewPaymentProcess(payments, ledger, logger),
		amounts:   NetOfCommission{},
		topic:     defaultEventsTopic,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AuctionService) CreateLot(ctx context.Context, req CreateLotRequest) (models.Lot, error) {
	short := strings.TrimSpace(req.ShortDescription)
	if short == "" || utf8.RuneCountInString(short) > maxShortDescription {
		return models.Lot{}, fmt.Errorf("%w: short description must be 1-%d characters", ErrInvalidInput, maxShortDescription)
	}
	if utf8.RuneCountInString(req.Image) > maxImageRef {
		return models.Lot{}, fmt.Errorf("%w: image reference longer than %d characters", ErrInvalidInput, maxImageRef)
	}
	if req.StartPrice.IsNegative() {
		return models.Lot{}, fmt.Errorf("%w: negative start price", ErrInvalidAmount)
	}
	if req.Commission.Valid && req.Commission.Decimal.IsNegative() {
		return models.Lot{}, fmt.Errorf("%w: negative commission", ErrInvalidAmount)
	}
	if !money.WithinLimit(req.StartPrice) || (req.Commission.Valid && !money.WithinLimit(req.Commission.Decimal)) {
		return models.Lot{}, money.ErrAmountTooLarge
	}
	lot := models.Lot{
		ID:               uuid.NewString(),
		State:            models.LotWaitingForTrade,
		OwnerID:          req.OwnerID,
		ShortDescription: short,
		Description:      req.Description,
		StartPrice:       req.StartPrice,
		Commission:       req.Commission,
		Image:            req.Image,
		Participants:     types.JSONText(`{}`),
	}
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := s.customers.Exists(ctx, tx, req.OwnerID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("owner %s: %w", req.OwnerID, ErrUnknownEntity)
		}
		lot.CreatedAt = s.now()
		if err := s.lots.Create(ctx, tx, lot); err != nil {
			return fmt.Errorf("create lot: %w", err)
		}
		return s.record(ctx, tx, events.NewLotChanged(events.TypeLotCreated, lot, nil, req.ActorID, lot.CreatedAt))
	})
	if err != nil {
		return models.Lot{}, err
	}
	s.logger.Info("lot created", zap.String("lot_id", lot.ID), zap.String("owner_id", lot.OwnerID))
	return lot, nil
}

func (s *AuctionService) StartTrade(ctx context.Context, lotID, actorID string) (models.Lot, error) {
	return s.transition(ctx, lotID, actorID, lifecycle.EventStartTrade, func(context.Context, *sqlx.Tx, models.Lot) (lifecycle.LotInput, error) {
		return lifecycle.LotInput{At: s.now()}, nil
	})
}

// FinishTrade closes trading with result. A winner must be a known customer;
// a final price, when given, must be positive.
func (s *AuctionService) FinishTrade(ctx context.Context, lotID string, result TradeResult, actorID string) (models.Lot, error) {
	if result.FinalPrice.Valid && !result.FinalPrice.Decimal.IsPositive() {
		return models.Lot{}, fmt.Errorf("%w: final price must be positive", ErrInvalidAmount)
	}
	if result.FinalPrice.Valid && !money.WithinLimit(result.FinalPrice.Decimal) {
		return models.Lot{}, money.ErrAmountTooLarge
	}
	if len(result.Participants) > 0 && !json.Valid(result.Participants) {
		return models.Lot{}, fmt.Errorf("%w: participants must be JSON", ErrInvalidInput)
	}
	return s.transition(ctx, lotID, actorID, lifecycle.EventFinishTrade, func(ctx context.Context, tx *sqlx.Tx, _ models.Lot) (lifecycle.LotInput, error) {
		if result.WinnerID != nil && *result.WinnerID != "" {
			exists, err := s.customers.Exists(ctx, tx, *result.WinnerID)
			if err != nil {
				return lifecycle.LotInput{}, err
			}
			if !exists {
				return lifecycle.LotInput{}, fmt.Errorf("winner %s: %w", *result.WinnerID, ErrUnknownEntity)
			}
		}
		return lifecycle.LotInput{
			At:           s.now(),
			WinnerID:     result.WinnerID,
			FinalPrice:   result.FinalPrice,
			Participants: result.Participants,
		}, nil
	})
}

func (s *AuctionService) ApproveWinner(ctx context.Context, lotID, actorID string) (models.Lot, error) {
	return s.transition(ctx, lotID, actorID, lifecycle.EventApproveWinner, nil)
}

// DeclineTrade records that the winner refused the purchase. The penalty is
// settled by whoever consumes the lot.trade_declined event.
func (s *AuctionService) DeclineTrade(ctx context.Context, lotID, actorID string) (models.Lot, error) {
	return s.transition(ctx, lotID, actorID, lifecycle.EventDecline, nil)
}

// RequestPaymentStart opens a payment attempt and debits the trade winner.
// A successful debit completes the lot in the same transaction; a shortfall
// leaves the lot in payment_in_process with the attempt awaiting rejection.
func (s *AuctionService) RequestPaymentStart(ctx context.Context, lotID, actorID string) (PaymentOutcome, error) {
	var outcome PaymentOutcome
	var movement Movement
	err := s.withLot(ctx, lotID, func(tx *sqlx.Tx, lot models.Lot) error {
		movement = Movement{}
		outcome = PaymentOutcome{}
		if lot.State.In(models.PaymentRequestedStates) {
			current, err := s.currentAttempt(ctx, tx, lot)
			if err != nil {
				return err
			}
			outcome = PaymentOutcome{Lot: lot, Attempt: current}
			return fmt.Errorf("lot %s is %s: %w", lot.ID, lot.State, ErrPaymentInFlight)
		}
		now := s.now()
		inProcess, err := lifecycle.ApplyLot(lot, lifecycle.EventBeginPayment, lifecycle.LotInput{At: now})
		if err != nil {
			return err
		}
		amount, err := s.amounts.PaymentAmount(lot)
		if err != nil {
			return err
		}
		if err := s.saveLot(ctx, tx, inProcess); err != nil {
			return err
		}
		attempt, mv, err := s.process.Start(ctx, tx, inProcess, amount)
		if err != nil {
			return err
		}
		movement = mv
		final := inProcess
		if attempt.State == models.PaymentPaid {
			final, err = lifecycle.ApplyLot(inProcess, lifecycle.EventPaymentPaid, lifecycle.LotInput{At: now, PaidAt: attempt.PaidAt})
			if err != nil {
				return err
			}
			if err := s.saveLot(ctx, tx, final); err != nil {
				return err
			}
		}
		if err := s.trail(ctx, tx, lot, final, attempt, actorID, now); err != nil {
			return err
		}
		outcome = PaymentOutcome{Lot: final, Attempt: attempt}
		return nil
	})
	if errors.Is(err, ErrPaymentInFlight) {
		return outcome, err
	}
	if err != nil {
		return PaymentOutcome{}, err
	}
	s.ledger.Publish(movement)
	s.logger.Info("payment requested",
		zap.String("lot_id", lotID),
		zap.String("payment_id", outcome.Attempt.ID),
		zap.String("payment_state", string(outcome.Attempt.State)),
		zap.String("lot_state", string(outcome.Lot.State)),
	)
	return outcome, nil
}

// currentAttempt is the attempt a repeated payment request should see: the
// unfinished one while payment is in process, the paid one after success.
func (s *AuctionService) currentAttempt(ctx context.Context, tx *sqlx.Tx, lot models.Lot) (models.PaymentAttempt, error) {
	if lot.State == models.LotPaymentInProcess {
		attempt, err := s.payments.GetActiveForUpdate(ctx, tx, lot.ID)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.PaymentAttempt{}, fmt.Errorf("load active payment: %w", err)
		}
	}
	attempts, err := s.payments.ListByLot(ctx, lot.ID)
	if err != nil {
		return models.PaymentAttempt{}, fmt.Errorf("list payments of %s: %w", lot.ID, err)
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].State == models.PaymentPaid {
			return attempts[i], nil
		}
	}
	return models.PaymentAttempt{}, fmt.Errorf("%w: lot %s is %s without a payment", ErrIllegalTransition, lot.ID, lot.State)
}

// RecordPaymentOutcome rejects the lot's attempt that ran out of funds and
// marks the lot payment_failed, after which a new attempt may be requested.
func (s *AuctionService) RecordPaymentOutcome(ctx context.Context, lotID, detail, actorID string) (PaymentOutcome, error) {
	var outcome PaymentOutcome
	err := s.withLot(ctx, lotID, func(tx *sqlx.Tx, lot models.Lot) error {
		now := s.now()
		failed, err := lifecycle.ApplyLot(lot, lifecycle.EventPaymentRejected, lifecycle.LotInput{At: now})
		if err != nil {
			return err
		}
		attempt, err := s.payments.GetActiveForUpdate(ctx, tx, lot.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: lot %s has no unfinished payment", ErrIllegalTransition, lot.ID)
		}
		if err != nil {
			return fmt.Errorf("load active payment: %w", err)
		}
		rejected, err := s.process.Reject(ctx, tx, attempt, detail)
		if err != nil {
			return err
		}
		if err := s.saveLot(ctx, tx, failed); err != nil {
			return err
		}
		if err := s.trail(ctx, tx, lot, failed, rejected, actorID, now); err != nil {
			return err
		}
		outcome = PaymentOutcome{Lot: failed, Attempt: rejected}
		return nil
	})
	if err != nil {
		return PaymentOutcome{}, err
	}
	s.logger.Info("payment rejected",
		zap.String("lot_id", lotID),
		zap.String("payment_id", outcome.Attempt.ID),
	)
	return outcome, nil
}

func (s *AuctionService) GetLot(ctx context.Context, lotID string) (models.Lot, error) {
	lot, err := s.lots.GetByID(ctx, lotID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Lot{}, fmt.Errorf("lot %s: %w", lotID, ErrUnknownEntity)
	}
	if err != nil {
		return models.Lot{}, fmt.Errorf("load lot %s: %w", lotID, err)
	}
	return lot, nil
}

// ListPayments returns every attempt of the lot, oldest first.
func (s *AuctionService) ListPayments(ctx context.Context, lotID string) ([]models.PaymentAttempt, error) {
	if _, err := s.GetLot(ctx, lotID); err != nil {
		return nil, err
	}
	attempts, err := s.payments.ListByLot(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("list payments of %s: %w", lotID, err)
	}
	return attempts, nil
}

// ActivePayment returns the lot's unfinished attempt, if any.
func (s *AuctionService) ActivePayment(ctx context.Context, lotID string) (models.PaymentAttempt, bool, error) {
	attempts, err := s.ListPayments(ctx, lotID)
	if err != nil {
		return models.PaymentAttempt{}, false, err
	}
	for _, attempt := range attempts {
		if !attempt.Finished {
			return attempt, true, nil
		}
	}
	return models.PaymentAttempt{}, false, nil
}

type inputFunc func(ctx context.Context, tx *sqlx.Tx, lot models.Lot) (lifecycle.LotInput, error)

func (s *AuctionService) transition(ctx context.Context, lotID, actorID string, event lifecycle.LotEvent, input inputFunc) (models.Lot, error) {
	var updated models.Lot
	err := s.withLot(ctx, lotID, func(tx *sqlx.Tx, lot models.Lot) error {
		in := lifecycle.LotInput{At: s.now()}
		if input != nil {
			var err error
			if in, err = input(ctx, tx, lot); err != nil {
				return err
			}
		}
		next, err := lifecycle.ApplyLot(lot, event, in)
		if err != nil {
			return err
		}
		if err := s.saveLot(ctx, tx, next); err != nil {
			return err
		}
		from := lot.State
		if err := s.logChange(ctx, tx, lot, next, actorID, nil); err != nil {
			return err
		}
		updated = next
		return s.record(ctx, tx, events.NewLotChanged(events.LotStateType(next.State), next, &from, actorID, in.At))
	})
	if err != nil {
		return models.Lot{}, err
	}
	s.logger.Info("lot transition",
		zap.String("lot_id", lotID),
		zap.String("event", string(event)),
		zap.String("state", string(updated.State)),
	)
	return updated, nil
}

// withLot serializes work on one lot: the lot lock first, then the row lock
// inside a serializable transaction.
func (s *AuctionService) withLot(ctx context.Context, lotID string, fn func(tx *sqlx.Tx, lot models.Lot) error) error {
	unlock, err := s.locker.Acquire(ctx, "lot:"+lotID)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			s.logger.Warn("lot busy", zap.String("lot_id", lotID))
		}
		return fmt.Errorf("lot %s: %w", lotID, err)
	}
	defer unlock()
	return s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		lot, err := s.lots.GetForUpdate(ctx, tx, lotID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lot %s: %w", lotID, ErrUnknownEntity)
		}
		if err != nil {
			return fmt.Errorf("lock lot %s: %w", lotID, err)
		}
		return fn(tx, lot)
	})
}

func (s *AuctionService) saveLot(ctx context.Context, tx *sqlx.Tx, lot models.Lot) error {
	rows, err := s.lots.UpdateState(ctx, tx, lot)
	if err != nil {
		return fmt.Errorf("update lot %s: %w", lot.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("lot %s: %w", lot.ID, ErrUnknownEntity)
	}
	return nil
}

// trail writes audit rows and events for a payment step that moved the lot
// from before to after.
func (s *AuctionService) trail(ctx context.Context, tx *sqlx.Tx, before, after models.Lot, attempt models.PaymentAttempt, actorID string, at time.Time) error {
	if err := s.logChange(ctx, tx, before, after, actorID, &attempt); err != nil {
		return err
	}
	data, _ := json.Marshal(map[string]any{
		"lot_id": attempt.LotID,
		"state":  attempt.State,
		"amount": attempt.Amount.StringFixed(2),
	})
	if err := s.audit.Log(ctx, tx, actorID, "payment."+string(attempt.State), "lot_payment", attempt.ID, data); err != nil {
		return fmt.Errorf("audit payment: %w", err)
	}
	from := before.State
	eventType := events.LotStateType(after.State)
	if after.State == models.LotPaymentFailed {
		eventType = events.TypePaymentRejected
	}
	return s.record(ctx, tx, events.NewLotChanged(eventType, after, &from, actorID, at).WithPayment(attempt))
}

func (s *AuctionService) logChange(ctx context.Context, tx *sqlx.Tx, before, after models.Lot, actorID string, attempt *models.PaymentAttempt) error {
	payload := map[string]any{
		"from": before.State,
		"to":   after.State,
	}
	if attempt != nil {
		payload["payment_id"] = attempt.ID
	}
	data, _ := json.Marshal(payload)
	if err := s.audit.Log(ctx, tx, actorID, "lot."+string(after.State), "lot", after.ID, data); err != nil {
		return fmt.Errorf("audit lot: %w", err)
	}
	return nil
}

func (s *AuctionService) record(ctx context.Context, tx *sqlx.Tx, event events.LotChanged) error {
	msg, err := event.Message(s.topic)
	if err != nil {
		return err
	}
	if err := s.outbox.Insert(ctx, tx, msg); err != nil {
		return err
	}
	return nil
}
