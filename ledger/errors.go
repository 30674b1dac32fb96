/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Workflow packages return these (wrapped with context); the HTTP layer
  maps them to status codes with the Is* helpers below.

ERROR CATEGORIES:
  1. Validation - bad input, rejected before any mutation
  2. Precondition - valid input, but the current state forbids it
  3. Not found - a referenced record does not exist
  4. Conflict - an atomic unit lost a race and rolled back
  5. Integrity - impossible computed state (accrual only; logged and skipped)

SEE ALSO:
  - api/handlers.go: errorStatus maps these to HTTP codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrNotPending             = errors.New("not found or already processed")
	ErrPlanInactive           = errors.New("investment plan is not active")
	ErrAmountOutOfRange       = errors.New("amount outside plan limits")
	ErrActiveAllocationExists = errors.New("copy trading already active")
	ErrNoActiveAllocation     = errors.New("no active copy trading")
	ErrPlanInUse              = errors.New("investment plan has active positions")
	ErrPositionNotActive      = errors.New("investment is not active")
	ErrTraderInactive         = errors.New("trader is not active")

	ErrAccountNotFound  = errors.New("account not found")
	ErrEntryNotFound    = errors.New("transaction not found")
	ErrPlanNotFound     = errors.New("investment plan not found")
	ErrPositionNotFound = errors.New("investment not found")
	ErrTraderNotFound   = errors.New("trader not found")

	// ErrMessageNotFound is returned when an outbox message id is unknown.
	ErrMessageNotFound = errors.New("outbox message not found")

	// ErrDuplicateID is returned when an insert collides with an existing key.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrIntegrity marks a computed state that cannot happen (e.g. negative elapsed time).
	ErrIntegrity = errors.New("integrity violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// RangeError reports an amount outside a plan's limits.
type RangeError struct {
	Minimum decimal.Decimal
	Maximum decimal.Decimal
	Got     decimal.Decimal
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("amount %s must be between %s and %s", e.Got, e.Minimum, e.Maximum)
}

// Unwrap lets callers match both the specific and the validation class.
func (e *RangeError) Unwrap() []error {
	return []error{ErrAmountOutOfRange, ErrValidation}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// RequirePositive returns a ValidationError unless amount > 0 and fits
// the stored money scale.
func RequirePositive(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: field, Message: "must be greater than 0"}
	}
	return RequireScale(field, amount)
}

// RequireScale returns a ValidationError if amount carries more than
// MoneyScale decimal places. Storage keeps exactly MoneyScale places, so a
// finer amount would be rounded on write.
func RequireScale(field string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(MoneyScale)) {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must have at most %d decimal places", MoneyScale)}
	}
	return nil
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsPrecondition returns true if the input was valid but the state forbids it.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrPlanInactive) ||
		errors.Is(err, ErrActiveAllocationExists) ||
		errors.Is(err, ErrNoActiveAllocation) ||
		errors.Is(err, ErrPlanInUse) ||
		errors.Is(err, ErrPositionNotActive) ||
		errors.Is(err, ErrTraderInactive)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotPending) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrPositionNotFound) ||
		errors.Is(err, ErrTraderNotFound)
}

// IsConflict returns true if an atomic unit lost a race or hit a duplicate key.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrDuplicateID)
}

// IsIntegrity returns true if a computed state was rejected as impossible.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}
