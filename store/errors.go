package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ConflictError reports a primary-key collision, e.g. creating a chart
// with a reference already in use.
type ConflictError struct {
	Op  string
	Err error
}

func (e *ConflictError) Error() string { return fmt.Sprintf("%s: conflict: %v", e.Op, e.Err) }
func (e *ConflictError) Unwrap() error { return e.Err }

// NotFoundError reports an operation that targeted a missing row.
type NotFoundError struct {
	Op string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s: not found", e.Op) }

// TransactionError wraps a driver-level failure of a transaction. Callers
// treat it as retry-or-abort.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string { return fmt.Sprintf("%s: transaction: %v", e.Op, e.Err) }
func (e *TransactionError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var t *NotFoundError
	return errors.As(err, &t)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var t *ConflictError
	return errors.As(err, &t)
}

// classify maps a driver error to the store taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{Op: op}
	}
	// go-sqlite3 constraint violations surface as ErrConstraint* codes;
	// matching the message keeps the store free of driver-specific types.
	var msg = err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed") {
		return &ConflictError{Op: op, Err: err}
	}
	return &TransactionError{Op: op, Err: err}
}
