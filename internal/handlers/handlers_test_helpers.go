package handlers

import (
	"context"
	"database/sql"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"auction/internal/auth"
	"auction/internal/config"
	"auction/internal/models"
	"auction/internal/services"
	"auction/internal/store"
	"auction/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type fakeTxRunner struct {
	withTxFn func(ctx context.Context, fn func(*sqlx.Tx) error) error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.withTxFn != nil {
		return f.withTxFn(ctx, fn)
	}
	return fn(nil)
}

type stubCustomerStore struct {
	createFn    func(ctx context.Context, tx store.Execer, customer models.Customer) error
	getByIDFn   func(ctx context.Context, customerID string) (models.Customer, error)
	getByMailFn func(ctx context.Context, mail string) (models.Customer, error)
}

func (s stubCustomerStore) Create(ctx context.Context, tx store.Execer, customer models.Customer) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, customer)
}

func (s stubCustomerStore) GetByID(ctx context.Context, customerID string) (models.Customer, error) {
	if s.getByIDFn == nil {
		return models.Customer{}, sql.ErrNoRows
	}
	return s.getByIDFn(ctx, customerID)
}

func (s stubCustomerStore) GetByMail(ctx context.Context, mail string) (models.Customer, error) {
	if s.getByMailFn == nil {
		return models.Customer{}, sql.ErrNoRows
	}
	return s.getByMailFn(ctx, mail)
}

type stubAccountStore struct {
	createFn        func(ctx context.Context, tx store.Execer, id, customerID string) error
	getByIDFn       func(ctx context.Context, accountID string) (models.VirtualAccount, error)
	getByCustomerFn func(ctx context.Context, customerID string) (models.VirtualAccount, error)
	reconcileFn     func(ctx context.Context) ([]store.AccountReconciliation, error)
}

func (s stubAccountStore) Create(ctx context.Context, tx store.Execer, id, customerID string) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, id, customerID)
}

func (s stubAccountStore) GetByID(ctx context.Context, accountID string) (models.VirtualAccount, error) {
	if s.getByIDFn == nil {
		return models.VirtualAccount{}, sql.ErrNoRows
	}
	return s.getByIDFn(ctx, accountID)
}

func (s stubAccountStore) GetByCustomer(ctx context.Context, customerID string) (models.VirtualAccount, error) {
	if s.getByCustomerFn == nil {
		return models.VirtualAccount{}, sql.ErrNoRows
	}
	return s.getByCustomerFn(ctx, customerID)
}

func (s stubAccountStore) Reconcile(ctx context.Context) ([]store.AccountReconciliation, error) {
	if s.reconcileFn == nil {
		return nil, nil
	}
	return s.reconcileFn(ctx)
}

type stubEntryStore struct {
	listFn func(ctx context.Context, accountID string, limit, offset int) ([]models.LedgerEntry, error)
}

func (s stubEntryStore) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]models.LedgerEntry, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, accountID, limit, offset)
}

type stubLotLister struct {
	listFn func(ctx context.Context, state models.LotState, limit, offset int) ([]models.Lot, error)
}

func (s stubLotLister) ListByState(ctx context.Context, state models.LotState, limit, offset int) ([]models.Lot, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, state, limit, offset)
}

type stubAdminStore struct {
	statusFn      func(ctx context.Context, customerID string) (store.AdminStatus, error)
	hasRoleFn     func(ctx context.Context, customerID, role string) (bool, error)
	createAdminFn func(ctx context.Context, tx store.Execer, customerID string, isSuper bool, createdBy *string) error
	grantRoleFn   func(ctx context.Context, tx store.Execer, customerID, role string) error
	hasAnyAdminFn func(ctx context.Context, tx store.Getter) (bool, error)
}

func (s stubAdminStore) Status(ctx context.Context, customerID string) (store.AdminStatus, error) {
	if s.statusFn == nil {
		return store.AdminStatus{}, nil
	}
	return s.statusFn(ctx, customerID)
}

func (s stubAdminStore) HasRole(ctx context.Context, customerID, role string) (bool, error) {
	if s.hasRoleFn == nil {
		return false, nil
	}
	return s.hasRoleFn(ctx, customerID, role)
}

func (s stubAdminStore) CreateAdmin(ctx context.Context, tx store.Execer, customerID string, isSuper bool, createdBy *string) error {
	if s.createAdminFn == nil {
		return nil
	}
	return s.createAdminFn(ctx, tx, customerID, isSuper, createdBy)
}

func (s stubAdminStore) GrantRole(ctx context.Context, tx store.Execer, customerID, role string) error {
	if s.grantRoleFn == nil {
		return nil
	}
	return s.grantRoleFn(ctx, tx, customerID, role)
}

func (s stubAdminStore) HasAnyAdmin(ctx context.Context, tx store.Getter) (bool, error) {
	if s.hasAnyAdminFn == nil {
		return true, nil
	}
	return s.hasAnyAdminFn(ctx, tx)
}

type stubAuditStore struct {
	logFn          func(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID string, data []byte) error
	listFn         func(ctx context.Context, limit, offset int) ([]models.AuditEntry, error)
	listByEntityFn func(ctx context.Context, entityType, entityID string) ([]models.AuditEntry, error)
}

func (s stubAuditStore) Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID string, data []byte) error {
	if s.logFn == nil {
		return nil
	}
	return s.logFn(ctx, tx, actorID, action, entityType, entityID, data)
}

func (s stubAuditStore) List(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, limit, offset)
}

func (s stubAuditStore) ListByEntity(ctx context.Context, entityType, entityID string) ([]models.AuditEntry, error) {
	if s.listByEntityFn == nil {
		return nil, nil
	}
	return s.listByEntityFn(ctx, entityType, entityID)
}

type stubOutboxStore struct {
	countFn func(ctx context.Context) (int, error)
}

func (s stubOutboxStore) CountPending(ctx context.Context) (int, error) {
	if s.countFn == nil {
		return 0, nil
	}
	return s.countFn(ctx)
}

type stubLedger struct {
	balanceFn func(ctx context.Context, accountID string) (decimal.Decimal, error)
	creditFn  func(ctx context.Context, req services.CreditRequest) (decimal.Decimal, error)
}

func (s stubLedger) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if s.balanceFn == nil {
		return decimal.Zero, nil
	}
	return s.balanceFn(ctx, accountID)
}

func (s stubLedger) Credit(ctx context.Context, req services.CreditRequest) (decimal.Decimal, error) {
	if s.creditFn == nil {
		return req.Amount, nil
	}
	return s.creditFn(ctx, req)
}

type stubAuction struct {
	createLotFn     func(ctx context.Context, req services.CreateLotRequest) (models.Lot, error)
	transitionFn    func(ctx context.Context, op, lotID, actorID string) (models.Lot, error)
	finishTradeFn   func(ctx context.Context, lotID string, result services.TradeResult, actorID string) (models.Lot, error)
	startPaymentFn  func(ctx context.Context, lotID, actorID string) (services.PaymentOutcome, error)
	rejectPaymentFn func(ctx context.Context, lotID, detail, actorID string) (services.PaymentOutcome, error)
	getLotFn        func(ctx context.Context, lotID string) (models.Lot, error)
	listPaymentsFn  func(ctx context.Context, lotID string) ([]models.PaymentAttempt, error)
}

func (s stubAuction) CreateLot(ctx context.Context, req services.CreateLotRequest) (models.Lot, error) {
	if s.createLotFn == nil {
		return models.Lot{}, nil
	}
	return s.createLotFn(ctx, req)
}

func (s stubAuction) transition(ctx context.Context, op, lotID, actorID string) (models.Lot, error) {
	if s.transitionFn == nil {
		return models.Lot{ID: lotID}, nil
	}
	return s.transitionFn(ctx, op, lotID, actorID)
}

func (s stubAuction) StartTrade(ctx context.Context, lotID, actorID string) (models.Lot, error) {
	return s.transition(ctx, "start_trade", lotID, actorID)
}

func (s stubAuction) ApproveWinner(ctx context.Context, lotID, actorID string) (models.Lot, error) {
	return s.transition(ctx, "approve_winner", lotID, actorID)
}

func (s stubAuction) DeclineTrade(ctx context.Context, lotID, actorID string) (models.Lot, error) {
	return s.transition(ctx, "decline", lotID, actorID)
}

func (s stubAuction) FinishTrade(ctx context.Context, lotID string, result services.TradeResult, actorID string) (models.Lot, error) {
	if s.finishTradeFn == nil {
		return models.Lot{ID: lotID}, nil
	}
	return s.finishTradeFn(ctx, lotID, result, actorID)
}

func (s stubAuction) RequestPaymentStart(ctx context.Context, lotID, actorID string) (services.PaymentOutcome, error) {
	if s.startPaymentFn == nil {
		return services.PaymentOutcome{}, nil
	}
	return s.startPaymentFn(ctx, lotID, actorID)
}

func (s stubAuction) RecordPaymentOutcome(ctx context.Context, lotID, detail, actorID string) (services.PaymentOutcome, error) {
	if s.rejectPaymentFn == nil {
		return services.PaymentOutcome{}, nil
	}
	return s.rejectPaymentFn(ctx, lotID, detail, actorID)
}

func (s stubAuction) GetLot(ctx context.Context, lotID string) (models.Lot, error) {
	if s.getLotFn == nil {
		return models.Lot{}, services.ErrUnknownEntity
	}
	return s.getLotFn(ctx, lotID)
}

func (s stubAuction) ListPayments(ctx context.Context, lotID string) ([]models.PaymentAttempt, error) {
	if s.listPaymentsFn == nil {
		return nil, nil
	}
	return s.listPaymentsFn(ctx, lotID)
}

// newTestHandler fills every unset dependency with a permissive stub.
func newTestHandler(deps Deps) *Handler {
	if deps.TxRunner == nil {
		deps.TxRunner = fakeTxRunner{}
	}
	if deps.Customers == nil {
		deps.Customers = stubCustomerStore{}
	}
	if deps.Accounts == nil {
		deps.Accounts = stubAccountStore{}
	}
	if deps.Entries == nil {
		deps.Entries = stubEntryStore{}
	}
	if deps.Lots == nil {
		deps.Lots = stubLotLister{}
	}
	if deps.Admin == nil {
		deps.Admin = stubAdminStore{}
	}
	if deps.Audit == nil {
		deps.Audit = stubAuditStore{}
	}
	if deps.Outbox == nil {
		deps.Outbox = stubOutboxStore{}
	}
	if deps.Ledger == nil {
		deps.Ledger = stubLedger{}
	}
	if deps.Auction == nil {
		deps.Auction = stubAuction{}
	}
	if deps.Hub == nil {
		deps.Hub = websocket.NewHub()
	}
	cfg := config.Config{
		AppEnv:         "test",
		Port:           "0",
		JWTSecret:      "secret",
		TokenTTL:       time.Minute,
		AllowedOrigins: "*",
		Lock:           config.LockConfig{Wait: 2 * time.Second},
	}
	return New(cfg, deps, nil)
}

// do sends a request through the full router, authenticated as customerID
// unless it is empty.
func do(t *testing.T, handler *Handler, method, path, body, customerID string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if customerID != "" {
		token, err := auth.GenerateToken("secret", customerID, time.Minute)
		if err != nil {
			t.Fatalf("failed to generate token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rr, req)
	return rr
}

func superAdmin() stubAdminStore {
	return stubAdminStore{
		statusFn: func(context.Context, string) (store.AdminStatus, error) {
			return store.AdminStatus{IsAdmin: true, IsSuper: true}, nil
		},
	}
}

func stringPtr(value string) *string {
	return &value
}
