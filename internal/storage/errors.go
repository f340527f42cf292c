package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateVouch is returned when inserting a vouch edge that already
// exists for the same (from, to) pair. The check is the unique index on the
// vouches table, so exactly one of two racing inserts observes this error.
var ErrDuplicateVouch = errors.New("storage: vouch already exists")

// ErrSelfVouch is returned when a vouch edge would point at its own voucher.
var ErrSelfVouch = errors.New("storage: self-vouch not allowed")

// ErrDuplicateAgent is returned when registering an agent_id that is taken.
var ErrDuplicateAgent = errors.New("storage: agent_id already registered")

// isUniqueViolation checks if a Postgres error is a unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isCheckViolation checks if a Postgres error is a check_violation (23514).
func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
