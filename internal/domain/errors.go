package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validation errors. They are raised before anything is persisted.
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrSplitMismatch       = errors.New("split payment does not match net total")
	ErrInvalidCreditAmount = errors.New("invalid credit amount")
	ErrInvariantViolation  = errors.New("transaction invariant violated")
	ErrInvalidSchedule     = errors.New("invalid installment schedule")
	ErrInvalidCart         = errors.New("invalid cart")
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// SplitMismatchError carries Delta = sum(entries) - net total.
type SplitMismatchError struct {
	Delta decimal.Decimal
}

func (e *SplitMismatchError) Error() string {
	return fmt.Sprintf("%s: delta %s", ErrSplitMismatch, e.Delta.StringFixed(2))
}

func (e *SplitMismatchError) Is(target error) bool {
	return target == ErrSplitMismatch
}

// IsValidation reports whether err belongs to the local validation family.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSplitMismatch) ||
		errors.Is(err, ErrInvalidCreditAmount) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrInvalidSchedule) ||
		errors.Is(err, ErrInvalidCart)
}
