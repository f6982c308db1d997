package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a conditional update with an expected
// version affects zero rows. The caller should re-read and retry.
var ErrVersionConflict = errors.New("version conflict")

const uniqueViolationCode = "23505"

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation. Branches on the SQLSTATE code, never on message text, which is
// driver- and version-dependent.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
