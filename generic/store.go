/*
store.go - Transactional contract of the Authorization Store

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Correctness of the ledger comes entirely from this contract, not from
  in-process locks, so several service instances can share one database.

KEY INTERFACES:
  Store:       Begins transaction attempts (only the executor calls WithTx)
  Tx:          Reads and writes available inside one attempt
  Provisioner: Intake-facing creation of authorization rows

TRANSACTION CONTRACT:
  - WithTx runs fn inside ONE transaction at serializable isolation.
  - If fn returns an error, nothing fn wrote is visible to anyone.
  - If fn returns nil, its writes commit atomically or WithTx fails.
  - A transient isolation failure (on any statement or on commit) is
    reported as an error wrapping ErrSerializationConflict. The caller
    decides whether to retry; the store never retries by itself.

WRITE PATHS:
  UpdateAuthorizationUnits is the only way to change UsedUnits and
  ScheduledUnits. The quota ledger is its only caller.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:     SQLite, BEGIN IMMEDIATE + WAL
  - store/postgres/postgres.go: PostgreSQL, SERIALIZABLE via pgx
  - generic/store/memory.go:    In-memory optimistic validation for tests

SEE ALSO:
  - executor/executor.go: The only caller of WithTx
  - quota/ledger.go: The only caller of UpdateAuthorizationUnits
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Begins transaction attempts
// =============================================================================

// TxOptions tune a single attempt.
type TxOptions struct {
	// ReadOnly attempts may not write; stores may use a cheaper path.
	ReadOnly bool
}

type Store interface {
	// WithTx executes fn within one transaction attempt.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, opts TxOptions, fn func(tx Tx) error) error
}

// =============================================================================
// TX - Operations available inside one attempt
// =============================================================================

type Tx interface {
	// GetAuthorization returns a NotFoundError if id doesn't exist.
	GetAuthorization(ctx context.Context, id AuthorizationID) (Authorization, error)

	// FindAuthorizations returns every authorization for a patient/service pair.
	FindAuthorizations(ctx context.Context, patientID PatientID, serviceCode ServiceCode) ([]Authorization, error)

	// UpdateAuthorizationUnits persists new counters for an existing row.
	// Implementations must reject rows that fail CheckInvariant.
	UpdateAuthorizationUnits(ctx context.Context, id AuthorizationID, used, scheduled Units) error

	// FindOverlappingBookings returns occupying bookings (SCHEDULED or
	// IN_PROGRESS) of the provider OR the patient overlapping [start, end).
	FindOverlappingBookings(ctx context.Context, providerID ProviderID, patientID PatientID, start, end time.Time) ([]Booking, error)

	InsertBooking(ctx context.Context, b Booking) error

	// GetBooking returns a NotFoundError if id doesn't exist.
	GetBooking(ctx context.Context, id BookingID) (Booking, error)

	// UpdateBooking persists status and unit bookkeeping of an existing booking.
	UpdateBooking(ctx context.Context, b Booking) error
}

// =============================================================================
// PROVISIONER - Intake workflow entry point (not part of the ledger)
// =============================================================================

type Provisioner interface {
	CreateAuthorization(ctx context.Context, a Authorization) error
}

// ValidateNewAuthorization checks the creation contract shared by all stores.
func ValidateNewAuthorization(a Authorization) error {
	switch {
	case a.ID == "":
		return InvalidArgument("id", "required")
	case a.PatientID == "":
		return InvalidArgument("patient_id", "required")
	case a.ServiceCode == "":
		return InvalidArgument("service_code", "required")
	case a.TotalUnits <= 0:
		return InvalidArgument("total_units", "must be positive")
	case a.UsedUnits != 0 || a.ScheduledUnits != 0:
		return InvalidArgument("units", "new authorizations start with zero used and scheduled units")
	case a.StartDate.IsZero() || a.EndDate.IsZero():
		return InvalidArgument("dates", "start_date and end_date are required")
	case a.EndDate.Before(a.StartDate):
		return InvalidArgument("end_date", "before start_date")
	}
	return nil
}
