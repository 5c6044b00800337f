package storage

import (
	"errors"
	"fmt"

	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// mapPgError converts constraint violations into ledger errors and wraps
// everything else with the failing operation.
func mapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("postgres: %s: %w", op, models.ErrDuplicateRecord)
		case pgCheckViolation:
			return &models.ValidationError{Field: pgErr.ConstraintName, Reason: "violates check constraint"}
		}
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}
