package store

import (
	"context"
	"database/sql"
)

// Execer, Getter and Selecter are satisfied by both *sqlx.DB and *sqlx.Tx, so
// callers decide whether a statement joins a unit of work.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Getter interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

type Selecter interface {
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// DB is what the stores hold for reads outside a transaction.
type DB interface {
	Execer
	Getter
	Selecter
}

// execAffected runs a guarded UPDATE and reports how many rows matched. Zero
// means the guard in the WHERE clause refused the write.
func execAffected(ctx context.Context, tx Execer, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
