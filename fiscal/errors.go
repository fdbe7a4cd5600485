/*
errors.go - Centralized error types for the fiscal engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Components wrap these errors with additional context; callers classify
  them with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation - Missing or invalid input, rejected before any mutation
  2. State conflict - No active mandate, case closed, mandate not found
  3. Capacity - Sequence counter overflow, needs operator intervention
  4. Warnings - Reconciliation drift and sequence gaps. These are VALUES,
     logged and counted, never returned as errors.

USAGE:
  if errors.Is(err, fiscal.ErrNoActiveMandate) {
      // ask the operator to activate a mandate
  }

SEE ALSO:
  - api/handlers.go: Maps categories to HTTP status codes
*/
package fiscal

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks invalid input (zero payment, no filer, ...).
	ErrValidation = errors.New("validation error")

	// ErrStateConflict marks a request that is valid but not allowed in the
	// current state of the system.
	ErrStateConflict = errors.New("state conflict")

	// ErrNoActiveMandate is returned when recording requires an active mandate
	// and none is set.
	ErrNoActiveMandate = fmt.Errorf("%w: no active mandate", ErrStateConflict)

	// ErrCaseClosed is returned when a payment targets a closed or cancelled case.
	ErrCaseClosed = fmt.Errorf("%w: case is closed", ErrStateConflict)

	// ErrCapacityExceeded is returned when a sequence counter would overflow
	// its fixed width. Fatal for the request.
	ErrCapacityExceeded = errors.New("sequence capacity exceeded")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdentifier is returned when a formatted identifier is
	// already in use. Indicates concurrent issuance without serializable
	// isolation.
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
)

// ErrMandateNotFound is both a NotFound and a StateConflict: activation of an
// unknown mandate is rejected without mutation.
var ErrMandateNotFound = &StateConflictError{Reason: "mandate not found", Err: ErrNotFound}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports which input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StateConflictError wraps an optional cause while still matching
// ErrStateConflict.
type StateConflictError struct {
	Reason string
	Err    error
}

func (e *StateConflictError) Error() string {
	return "state conflict: " + e.Reason
}

func (e *StateConflictError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStateConflict}
	}
	return []error{ErrStateConflict, e.Err}
}

// CapacityExceededError provides details about a sequence overflow.
type CapacityExceededError struct {
	Domain Domain
	Prefix string
	Limit  int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("sequence capacity exceeded: %s sequence for prefix %s reached %d",
		e.Domain, e.Prefix, e.Limit)
}

func (e *CapacityExceededError) Unwrap() error { return ErrCapacityExceeded }

// =============================================================================
// WARNINGS - Observability only, never returned as errors
// =============================================================================

// ReconciliationWarning records that the sum of the shares drifted from the
// gross amount by more than the tolerance.
type ReconciliationWarning struct {
	Gross     decimal.Decimal
	Total     decimal.Decimal
	Drift     decimal.Decimal
	Tolerance decimal.Decimal
}

func (w ReconciliationWarning) String() string {
	return fmt.Sprintf("distribution drift %s exceeds tolerance %s (gross %s, total %s)",
		w.Drift, w.Tolerance, w.Gross, w.Total)
}

// IntegrityWarning records a break in a sequence: Current should have been
// Previous+1. Previous is zero when the period does not start at 1.
type IntegrityWarning struct {
	Domain   Domain
	Prefix   string
	Previous int
	Current  int
}

func (w IntegrityWarning) String() string {
	return fmt.Sprintf("%s sequence %s: expected %d after %d, found %d",
		w.Domain, w.Prefix, w.Previous+1, w.Previous, w.Current)
}

// StraddlingWarning records a case or payment attached to a mandate whose
// calendar month does not contain it. Allowed, only reported.
type StraddlingWarning struct {
	CaseIdentifier    string
	MandateIdentifier string
	MandatePeriod     Period
	At                time.Time
}

func (w StraddlingWarning) String() string {
	return fmt.Sprintf("case %s dated %s is outside mandate %s (%s)",
		w.CaseIdentifier, w.At.Format("2006-01-02"), w.MandateIdentifier, w.MandatePeriod)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsStateConflict returns true if the request conflicts with current state.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict) || errors.Is(err, ErrDuplicateIdentifier)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsFatal returns true for errors that need administrative escalation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}
