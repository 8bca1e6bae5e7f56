package store

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound means the addressed entity no longer exists, typically
	// because a concurrent actor deleted it.
	ErrNotFound = errors.New("entity not found")
	// ErrScopeNotFound means the target parent scope (e.g. the destination
	// column of a card move) no longer exists.
	ErrScopeNotFound = errors.New("scope not found")
	// ErrNoAccess means the user has no membership row for the board.
	ErrNoAccess = errors.New("no board access")
)

// IsSerializationFailure reports whether err is a transient transactional
// conflict worth retrying: a serialization failure, a deadlock, or a lock
// timeout.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// IsUniqueViolation reports whether err is a duplicate-position violation,
// the signal that a scope's dense ordering needs repair.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func notFoundOf(err error, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}
