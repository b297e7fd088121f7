package sqlscope

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgreSQL error codes
const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
	checkViolationCode      = "23514"
	notNullViolationCode    = "23502"
)

// OpenPostgres parses a pgx connection string and returns a *sql.DB backed by
// the pgx driver, ready to pass to New with the Postgres dialect. No
// connection is made until first use.
func OpenPostgres(dsn string) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlscope: parsing postgres dsn: %w", err)
	}
	return stdlib.OpenDB(*cfg), nil
}

// PgErrorCode returns the SQLSTATE code of a PostgreSQL error, or "" when
// err does not come from the server. Errors are never rewrapped by this
// package, so the driver error is always reachable.
func PgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports a unique constraint violation.
func IsUniqueViolation(err error) bool { return PgErrorCode(err) == uniqueViolationCode }

// IsForeignKeyViolation reports a foreign key violation.
func IsForeignKeyViolation(err error) bool { return PgErrorCode(err) == foreignKeyViolationCode }

// IsCheckViolation reports a check constraint violation.
func IsCheckViolation(err error) bool { return PgErrorCode(err) == checkViolationCode }

// IsNotNullViolation reports a not-null constraint violation.
func IsNotNullViolation(err error) bool { return PgErrorCode(err) == notNullViolationCode }
