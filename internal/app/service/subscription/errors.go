package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrSubscriptionNotFound is the expected "no row" outcome. It is never logged
// as an error.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ErrInvalidTransition is returned when an update is not allowed from the
// row's current status, e.g. any mutation of an expired row.
var ErrInvalidTransition = errors.New("invalid subscription status transition")

const (
	StoreErrorCodeUnknown  = "unknown"
	StoreErrorCodeTimeout  = "timeout"
	StoreErrorCodeCanceled = "canceled"
)

// StoreError is a backing-store failure. Code carries the SQLSTATE when the
// driver reported one.
type StoreError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("subscription store %s failed (%s): %s", e.Op, e.Code, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError rejects a write before it reaches the store.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ClassifyStoreError maps driver and ORM errors onto the package error types.
// Collaborators that query other tables use it so failures classify the same way.
func ClassifyStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrSubscriptionNotFound) {
		return ErrSubscriptionNotFound
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &StoreError{Op: op, Code: pgErr.Code, Message: pgErr.Message, Err: err}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &StoreError{Op: op, Code: StoreErrorCodeTimeout, Message: err.Error(), Err: err}
	case errors.Is(err, context.Canceled):
		return &StoreError{Op: op, Code: StoreErrorCodeCanceled, Message: err.Error(), Err: err}
	}
	return &StoreError{Op: op, Code: StoreErrorCodeUnknown, Message: err.Error(), Err: err}
}
