package handlers

import (
	"context"

	"auction/internal/models"
	"auction/internal/services"
	"auction/internal/store"

	"github.com/shopspring/decimal"
)

type CustomerStore interface {
	Create(ctx context.Context, tx store.Execer, customer models.Customer) error
	GetByID(ctx context.Context, customerID string) (models.Customer, error)
	GetByMail(ctx context.Context, mail string) (models.Customer, error)
}

type AccountStore interface {
	Create(ctx context.Context, tx store.Execer, id, customerID string) error
	GetByID(ctx context.Context, accountID string) (models.VirtualAccount, error)
	GetByCustomer(ctx context.Context, customerID string) (models.VirtualAccount, error)
	Reconcile(ctx context.Context) ([]store.AccountReconciliation, error)
}

type EntryStore interface {
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]models.LedgerEntry, error)
}

type LotLister interface {
	ListByState(ctx context.Context, state models.LotState, limit, offset int) ([]models.Lot, error)
}

type AdminStore interface {
	Status(ctx context.Context, customerID string) (store.AdminStatus, error)
	HasRole(ctx context.Context, customerID, role string) (bool, error)
	CreateAdmin(ctx context.Context, tx store.Execer, customerID string, isSuper bool, createdBy *string) error
	GrantRole(ctx context.Context, tx store.Execer, customerID, role string) error
	HasAnyAdmin(ctx context.Context, tx store.Getter) (bool, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID string, data []byte) error
	List(ctx context.Context, limit, offset int) ([]models.AuditEntry, error)
	ListByEntity(ctx context.Context, entityType, entityID string) ([]models.AuditEntry, error)
}

type OutboxStore interface {
	CountPending(ctx context.Context) (int, error)
}

type LedgerService interface {
	GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	Credit(ctx context.Context, req services.CreditRequest) (decimal.Decimal, error)
}

type AuctionService interface {
	CreateLot(ctx context.Context, req services.CreateLotRequest) (models.Lot, error)
	StartTrade(ctx context.Context, lotID, actorID string) (models.Lot, error)
	FinishTrade(ctx context.Context, lotID string, result services.TradeResult, actorID string) (models.Lot, error)
	ApproveWinner(ctx context.Context, lotID, actorID string) (models.Lot, error)
	DeclineTrade(ctx context.Context, lotID, actorID string) (models.Lot, error)
	RequestPaymentStart(ctx context.Context, lotID, actorID string) (services.PaymentOutcome, error)
	RecordPaymentOutcome(ctx context.Context, lotID, detail, actorID string) (services.PaymentOutcome, error)
	GetLot(ctx context.Context, lotID string) (models.Lot, error)
	ListPayments(ctx context.Context, lotID string) ([]models.PaymentAttempt, error)
}
