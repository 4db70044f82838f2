package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrSessionNotFound = errors.New("mining session not found")
	ErrInvalidAmount   = errors.New("credit amount must be positive")
)

// ConcurrencyError reports a lock wait timeout or a transaction conflict.
// InTx retries these before surfacing them.
type ConcurrencyError struct {
	Op  string
	Err error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s: concurrent update conflict: %v", e.Op, e.Err)
}

func (e *ConcurrencyError) Unwrap() error { return e.Err }

// PersistenceError reports a store failure that retrying will not fix.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: store failure: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// postgres SQLSTATE codes treated as retryable conflicts
const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// Classify maps a raw store error onto the error taxonomy. Sentinel errors and
// errors that are already classified pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var cerr *ConcurrencyError
	var perr *PersistenceError
	switch {
	case errors.As(err, &cerr), errors.As(err, &perr):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrInvalidAmount):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &ConcurrencyError{Op: op, Err: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
			return &ConcurrencyError{Op: op, Err: err}
		}
		return &PersistenceError{Op: op, Err: err}
	}

	// SQLite reports write contention as SQLITE_BUSY.
	if msg := err.Error(); strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return &ConcurrencyError{Op: op, Err: err}
	}

	return &PersistenceError{Op: op, Err: err}
}

// IsFault reports whether err is a concurrency or persistence failure.
func IsFault(err error) bool {
	var cerr *ConcurrencyError
	var perr *PersistenceError
	return errors.As(err, &cerr) || errors.As(err, &perr)
}

// IsUniqueViolation reports whether err is a unique constraint failure whose
// constraint (postgres) or column list (sqlite) mentions name.
func IsUniqueViolation(err error, name string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation && strings.Contains(pgErr.ConstraintName, name)
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, name)
}
