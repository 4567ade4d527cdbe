package ledger

import (
	"errors"
	"fmt"

	"pantry/internal/monitoring"
	"pantry/internal/store"
)

var (
	// ErrValidation is returned when the caller supplied invalid input. Nothing
	// is written.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a product or batch no longer exists at
	// transaction time.
	ErrNotFound = store.ErrNotFound
)

// errInsufficientStock aborts a delta transaction that would drive the total
// below zero. It never leaves the package.
var errInsufficientStock = errors.New("insufficient stock")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return monitoring.OutcomeOK
	case errors.Is(err, errInsufficientStock):
		return monitoring.OutcomeNoop
	case errors.Is(err, ErrValidation):
		return monitoring.OutcomeValidation
	case errors.Is(err, ErrNotFound):
		return monitoring.OutcomeNotFound
	default:
		return monitoring.OutcomeError
	}
}
