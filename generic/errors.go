/*
errors.go - Centralized error types for the quota ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on sentinels with errors.Is and pull the numbers they
  need for user-facing messages with errors.As.

ERROR CATEGORIES:
  1. Domain errors - Never retried, always caller-actionable
     InsufficientUnits, AuthorizationExpired, InvalidRelease,
     InvalidArgument (incl. InvalidTransition), SchedulingConflict, NotFound
  2. Transient errors - Retried by the executor, surfaced as Contention
     ErrSerializationConflict (store level) -> ContentionError (caller level)
  3. Infrastructure errors - Propagated unchanged, never retried here

USAGE:
    var insufficient *generic.InsufficientUnitsError
    if errors.As(err, &insufficient) {
        fmt.Printf("only %d units remaining\n", insufficient.Available)
    }

SEE ALSO:
  - executor/executor.go: Uses IsRetryable to decide on retries
  - api/handlers.go: Maps KindOf(err) to HTTP status codes
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientUnits is returned when a request exceeds the free pool.
	ErrInsufficientUnits = errors.New("insufficient units")

	// ErrAuthorizationExpired is returned when today is past the end date.
	ErrAuthorizationExpired = errors.New("authorization expired")

	// ErrInvalidRelease is returned when releasing more than is scheduled.
	// This is always a caller bug (usually a double release).
	ErrInvalidRelease = errors.New("invalid release")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTransition is returned for an illegal booking status change.
	// It also matches ErrInvalidArgument.
	ErrInvalidTransition = errors.New("invalid booking transition")

	// ErrSchedulingConflict is returned when provider or patient is already booked.
	ErrSchedulingConflict = errors.New("scheduling conflict")

	// ErrNotFound is returned when an authorization or booking doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrSerializationConflict is the store-level transient abort signal
	// (serialization failure, deadlock, busy database). Only the executor
	// should ever see it.
	ErrSerializationConflict = errors.New("serialization conflict")

	// ErrContention is returned after the executor exhausts its retries.
	ErrContention = errors.New("contention: please retry")

	// ErrInvariantViolation means a write would break the unit invariant.
	ErrInvariantViolation = errors.New("unit invariant violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientUnitsError provides details about a unit shortage.
type InsufficientUnitsError struct {
	AuthorizationID AuthorizationID
	Available       Units
	Requested       Units
}

func (e *InsufficientUnitsError) Error() string {
	return fmt.Sprintf("insufficient units on authorization %s: available %d, requested %d",
		e.AuthorizationID, e.Available, e.Requested)
}

func (e *InsufficientUnitsError) Unwrap() error { return ErrInsufficientUnits }

type AuthorizationExpiredError struct {
	AuthorizationID AuthorizationID
	EndDate         Date
	Today           Date
}

func (e *AuthorizationExpiredError) Error() string {
	return fmt.Sprintf("authorization %s expired on %s (today %s)", e.AuthorizationID, e.EndDate, e.Today)
}

func (e *AuthorizationExpiredError) Unwrap() error { return ErrAuthorizationExpired }

type InvalidReleaseError struct {
	AuthorizationID AuthorizationID
	Requested       Units
	Scheduled       Units
}

func (e *InvalidReleaseError) Error() string {
	return fmt.Sprintf("cannot release %d units from authorization %s: only %d scheduled",
		e.Requested, e.AuthorizationID, e.Scheduled)
}

func (e *InvalidReleaseError) Unwrap() error { return ErrInvalidRelease }

type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidArgumentError) Unwrap() error { return ErrInvalidArgument }

// InvalidArgument is a shorthand constructor.
func InvalidArgument(field, reason string) error {
	return &InvalidArgumentError{Field: field, Reason: reason}
}

type InvalidTransitionError struct {
	BookingID BookingID
	From      BookingStatus
	To        BookingStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("booking %s cannot move from %s to %s", e.BookingID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() []error {
	return []error{ErrInvalidTransition, ErrInvalidArgument}
}

type SchedulingConflictError struct {
	ProviderID  ProviderID
	PatientID   PatientID
	Range       TimeRange
	Conflicting []BookingID
}

func (e *SchedulingConflictError) Error() string {
	ids := make([]string, len(e.Conflicting))
	for i, id := range e.Conflicting {
		ids[i] = string(id)
	}
	return fmt.Sprintf("time slot unavailable for provider %s / patient %s (overlaps %s)",
		e.ProviderID, e.PatientID, strings.Join(ids, ", "))
}

func (e *SchedulingConflictError) Unwrap() error { return ErrSchedulingConflict }

type NotFoundError struct {
	Resource string // "authorization", "booking"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ContentionError is returned when every attempt hit a transient conflict.
type ContentionError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Operation, e.Attempts, e.Last)
}

func (e *ContentionError) Unwrap() []error {
	return []error{ErrContention, e.Last}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if a fresh transaction attempt might succeed.
// A ContentionError has already spent its retry budget and is final.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerializationConflict) && !errors.Is(err, ErrContention)
}

// IsDomainError returns true for caller-actionable errors that no retry can fix.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrInsufficientUnits) ||
		errors.Is(err, ErrAuthorizationExpired) ||
		errors.Is(err, ErrInvalidRelease) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrSchedulingConflict) ||
		errors.Is(err, ErrNotFound)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ErrorKind is a stable, loggable classification of an error.
type ErrorKind string

const (
	KindNone                 ErrorKind = "success"
	KindInsufficientUnits    ErrorKind = "insufficient_units"
	KindAuthorizationExpired ErrorKind = "authorization_expired"
	KindInvalidRelease       ErrorKind = "invalid_release"
	KindInvalidArgument      ErrorKind = "invalid_argument"
	KindSchedulingConflict   ErrorKind = "scheduling_conflict"
	KindNotFound             ErrorKind = "not_found"
	KindContention           ErrorKind = "contention"
	KindCanceled             ErrorKind = "canceled"
	KindInfrastructure       ErrorKind = "infrastructure"
)

// KindOf classifies err. Order matters: more specific kinds first.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInsufficientUnits):
		return KindInsufficientUnits
	case errors.Is(err, ErrAuthorizationExpired):
		return KindAuthorizationExpired
	case errors.Is(err, ErrInvalidRelease):
		return KindInvalidRelease
	case errors.Is(err, ErrSchedulingConflict):
		return KindSchedulingConflict
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrContention), errors.Is(err, ErrSerializationConflict):
		return KindContention
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInfrastructure
	}
}
