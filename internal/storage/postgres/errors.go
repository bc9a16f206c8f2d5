package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"pich/pkg/platform/sentinel"
)

// SQLSTATE codes the stores translate.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// translate maps driver errors onto sentinels, keeping op as context.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w", op, sentinel.Unique(pgErr.ConstraintName))
		case codeForeignKeyViolation, codeCheckViolation:
			return fmt.Errorf("%s: %w", op, sentinel.ForeignKey(pgErr.ConstraintName))
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%s: %w: %s", op, sentinel.ErrSerialization, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isRetryable(err error) bool {
	if errors.Is(err, sentinel.ErrSerialization) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		(pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected)
}
