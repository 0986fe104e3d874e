package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/outpostvpn/billing-service/internal/domain"
)

// Postgres error codes that mean "try again", the relational equivalent of
// SQLite's busy/locked
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgTooManyConnections   = "53300"
)

// mapStorageError converts driver errors into the domain storage taxonomy.
// pgx.ErrNoRows is intentionally not handled here; lookups translate it into
// their own not-found codes.
func mapStorageError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgTooManyConnections:
			return domain.WrapError(domain.ErrorCodeStorageBusy, "storage busy", err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrorCodeStorageBusy, "storage timeout", err)
	}

	return domain.WrapError(domain.ErrorCodeStorageError, "storage failure", err)
}

// isNoRows reports whether err is the driver's empty-result sentinel
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
