package services

import (
	"context"

	"auction/internal/models"
	"auction/internal/store"
	"auction/internal/websocket"

	"github.com/shopspring/decimal"
)

type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (models.VirtualAccount, error)
	GetForUpdate(ctx context.Context, tx store.Getter, accountID string) (models.VirtualAccount, error)
	GetByCustomerForUpdate(ctx context.Context, tx store.Getter, customerID string) (models.VirtualAccount, error)
	UpdateBalance(ctx context.Context, tx store.Execer, accountID string, balance decimal.Decimal) error
}

type LedgerStore interface {
	InsertEntry(ctx context.Context, tx store.Execer, entry store.LedgerEntryInput) error
}

type LotStore interface {
	Create(ctx context.Context, tx store.Execer, lot models.Lot) error
	GetByID(ctx context.Context, lotID string) (models.Lot, error)
	GetForUpdate(ctx context.Context, tx store.Getter, lotID string) (models.Lot, error)
	UpdateState(ctx context.Context, tx store.Execer, lot models.Lot) (int64, error)
}

type PaymentStore interface {
	Create(ctx context.Context, tx store.Execer, attempt models.PaymentAttempt) error
	Update(ctx context.Context, tx store.Execer, attempt models.PaymentAttempt) (int64, error)
	GetActiveForUpdate(ctx context.Context, tx store.Getter, lotID string) (models.PaymentAttempt, error)
	ListByLot(ctx context.Context, lotID string) ([]models.PaymentAttempt, error)
}

type CustomerStore interface {
	Exists(ctx context.Context, tx store.Getter, customerID string) (bool, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID string, data []byte) error
}

type OutboxStore interface {
	Insert(ctx context.Context, tx store.Execer, msg models.OutboxMessage) error
}

type BalanceHub interface {
	BroadcastBalance(customerID string, update websocket.BalanceUpdate)
}
