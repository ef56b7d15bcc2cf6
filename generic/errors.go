/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure the engine reports to a caller maps to one stable Kind,
  so the API can pick a status code and a message without leaking
  internal detail.

ERROR CATEGORIES:
  1. Validation       - missing/malformed input, rejected before any write
  2. Not found        - discount rule, student, installment or entry absent
  3. Insufficient due - approval amount no longer fits the installment
  4. Receipts exist   - revocation blocked because a payment touched it
  5. Budget exceeded  - allocation would push allotted past the budget
  6. Inconsistency    - counters disagree with the embedded entries
  7. Conflict         - optimistic version check or lock timeout (retryable)

USAGE:
  if errors.Is(err, generic.ErrReceiptsExist) {
      // tell the bursar to reverse the receipt first
  }
  kind := generic.KindOf(err) // "receipts_exist"

SEE ALSO:
  - store.go: Stores return ErrNotFound and ErrConcurrentModification
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("not found")

	// ErrInsufficientDue is returned when an approval amount exceeds the
	// installment's current due, or an allocation placed nothing.
	ErrInsufficientDue = errors.New("insufficient due")

	// ErrReceiptsExist is returned when revoking a discount on an installment
	// that already has a payment against it.
	ErrReceiptsExist = errors.New("receipts exist")

	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrInternalInconsistency is returned when recomputed ledger totals
	// disagree with the recorded counters, or an installment breaks
	// conservation. It is never corrected silently.
	ErrInternalInconsistency = errors.New("internal inconsistency")

	// ErrConcurrentModification is returned when an optimistic version check
	// detects a write that landed between read and commit.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLockTimeout is returned when the per-discount lock could not be
	// acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// =============================================================================
// ERROR KINDS - Stable identifiers for callers
// =============================================================================

type ErrorKind string

const (
	KindValidation            ErrorKind = "validation"
	KindNotFound              ErrorKind = "not_found"
	KindInsufficientDue       ErrorKind = "insufficient_due"
	KindReceiptsExist         ErrorKind = "receipts_exist"
	KindBudgetExceeded        ErrorKind = "budget_exceeded"
	KindInternalInconsistency ErrorKind = "internal_inconsistency"
	KindConflict              ErrorKind = "conflict"
	KindInternal              ErrorKind = "internal"
)

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientDue):
		return KindInsufficientDue
	case errors.Is(err, ErrReceiptsExist):
		return KindReceiptsExist
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudgetExceeded
	case errors.Is(err, ErrInternalInconsistency):
		return KindInternalInconsistency
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrLockTimeout):
		return KindConflict
	default:
		return KindInternal
	}
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// InsufficientDueError reports that nothing could be placed or approved.
type InsufficientDueError struct {
	DiscountID DiscountID
	StudentID  StudentID // empty for allocation-wide failures
	Requested  Amount
	Available  Amount
}

func (e *InsufficientDueError) Error() string {
	if e.StudentID == "" {
		return fmt.Sprintf("insufficient due: discount %s could not be placed on any student", e.DiscountID)
	}
	return fmt.Sprintf("insufficient due: discount %s for student %s requested %s, available %s",
		e.DiscountID, e.StudentID, e.Requested, e.Available)
}

func (e *InsufficientDueError) Unwrap() error { return ErrInsufficientDue }

// ReceiptsExistError lists the installments that already carry payments.
type ReceiptsExistError struct {
	DiscountID   DiscountID
	StudentID    StudentID
	Installments []InstallmentID
}

func (e *ReceiptsExistError) Error() string {
	ids := make([]string, len(e.Installments))
	for i, id := range e.Installments {
		ids[i] = string(id)
	}
	return fmt.Sprintf("receipts exist: discount %s for student %s is frozen by payments on [%s]",
		e.DiscountID, e.StudentID, strings.Join(ids, ", "))
}

func (e *ReceiptsExistError) Unwrap() error { return ErrReceiptsExist }

// BudgetExceededError provides details about a budget shortage.
type BudgetExceededError struct {
	DiscountID  DiscountID
	TotalBudget Amount
	Allotted    Amount
	Requested   Amount
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: discount %s has budget %s, allotted %s, requested %s",
		e.DiscountID, e.TotalBudget, e.Allotted, e.Requested)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// Drift is one counter whose recorded value disagrees with the recomputed one.
type Drift struct {
	Scope    string // "budget" or a RollupKey string
	Field    string
	Recorded string
	Computed string
}

// InconsistencyError reports ledger drift or a broken installment invariant.
type InconsistencyError struct {
	DiscountID DiscountID
	Reason     string
	Drifts     []Drift
}

func (e *InconsistencyError) Error() string {
	if len(e.Drifts) == 0 {
		return fmt.Sprintf("internal inconsistency on discount %s: %s", e.DiscountID, e.Reason)
	}
	parts := make([]string, len(e.Drifts))
	for i, d := range e.Drifts {
		parts[i] = fmt.Sprintf("%s.%s recorded=%s computed=%s", d.Scope, d.Field, d.Recorded, d.Computed)
	}
	return fmt.Sprintf("internal inconsistency on discount %s: %s", e.DiscountID, strings.Join(parts, "; "))
}

func (e *InconsistencyError) Unwrap() error { return ErrInternalInconsistency }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindInsufficientDue, KindReceiptsExist, KindBudgetExceeded:
		return true
	}
	return false
}
