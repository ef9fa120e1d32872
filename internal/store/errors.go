package store

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrStateConflict       = errors.New("state conflict")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrAdjustmentFailure   = errors.New("adjustment failure")
)

var (
	ErrAlreadyPaid       = fmt.Errorf("%w: transaction already paid", ErrStateConflict)
	ErrInvalidState      = fmt.Errorf("%w: transaction is not payable in its current state", ErrStateConflict)
	ErrAlreadyClosed     = fmt.Errorf("%w: shift already closed", ErrStateConflict)
	ErrShiftAlreadyOpen  = fmt.Errorf("%w: shift already open for station", ErrStateConflict)
	ErrNoOpenShift       = fmt.Errorf("%w: no open shift for station", ErrStateConflict)
	ErrSettlementPending = fmt.Errorf("%w: shift has paid transactions awaiting settlement", ErrStateConflict)
	ErrSequenceExhausted = fmt.Errorf("%w: daily sequence exhausted", ErrValidation)
)

// Validation wraps a message as an ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Kind names the error category for API payloads.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrAdjustmentFailure):
		return "adjustment_failure"
	default:
		return "internal_error"
	}
}
