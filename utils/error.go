package utils

import (
	"errors"
	"fmt"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrorRecordNotFound = errors.New("record not found")

// ValidationError is permanent: the event/rule can never succeed as-is.
// The dispatcher moves the offending event to DEAD without retrying.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// TransientError wraps failures that are expected to resolve on retry
// (connection loss, timeout, downstream unavailable).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// ConflictError reports an idempotency collision: the same logical event
// was already persisted. Callers resolve it by re-fetching the existing row.
type ConflictError struct {
	BusinessId string
	SourceId   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: journal already exists for business_id=%s source_id=%s", e.BusinessId, e.SourceId)
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsTransientError(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsDuplicateKeyErr detects a unique-constraint violation across the
// drivers we run against: MySQL (production) and SQLite (tests/dev).
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "Duplicate entry")
}
