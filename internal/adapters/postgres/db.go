package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxManager backs ports.DBPort with a pgx connection pool. Repositories run
// their single-statement CAS primitives straight on the pool; the purchase
// flow uses the transaction helpers for its lookup-or-create critical
// sections, where the repositories upgrade reads to FOR UPDATE.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager wraps an established pool
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// GetDB exposes the pool for non-transactional statements
func (m *TxManager) GetDB() *pgxpool.Pool {
	return m.pool
}

// WithTransaction runs fn inside a read-write transaction. An error from fn
// rolls back; a panic rolls back and is re-raised.
func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	return m.settle(ctx, tx, fn)
}

// WithReadOnlyTransaction runs fn inside a read-only transaction, giving a
// multi-statement read one consistent snapshot.
func (m *TxManager) WithReadOnlyTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin read-only transaction: %w", err)
	}
	return m.settle(ctx, tx, fn)
}

func (m *TxManager) settle(ctx context.Context, tx pgx.Tx, fn func(ctx context.Context, tx pgx.Tx) error) error {
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback: %v (after: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
