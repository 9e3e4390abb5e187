// Package db provides the PostgreSQL-backed store for subscription records,
// student-teacher relations, payment event claims and scheduler bookkeeping.
// Repositories accept DBTX so the same queries run on *pgxpool.Pool or
// inside a pgx.Tx.
package db

import (
	"context"
	_ "embed"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tutorbill/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner starts a transaction. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool is a DBTX that can also open transactions.
type Pool interface {
	DBTX
	TxBeginner
}

//go:embed schema.sql
var schemaSQL string

// EnsureSchema applies the embedded schema. Statements are idempotent so it
// is safe on every local start.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return storeError(err, "failed to apply schema")
	}
	return nil
}

// withTx runs fn in a transaction and commits when fn returns nil.
// A returned errRollback aborts silently.
func withTx(ctx context.Context, b TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return storeError(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeError(err, "failed to commit transaction")
	}
	return nil
}

// errRollback makes withTx roll back without surfacing an error to callers
// that check for it.
var errRollback = errors.New("rollback")

// storeError classifies a driver error. Deadline overruns and statements
// cancelled by statement_timeout map to upstream_store_timeout so handlers
// answer 504 instead of 500.
func storeError(err error, msg string) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &pgErr) && pgErr.Code == "57014") {
		return types.NewAppError(types.ErrCodeUpstreamStoreTimeout, msg, err)
	}
	return types.NewAppError(types.ErrCodeInternalDB, msg, err)
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
