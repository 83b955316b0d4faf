/*
Package generic provides the core types of the authorization quota ledger.

PURPOSE:
  This package contains the storage-agnostic types shared by every layer:
  the Authorization pool, the Booking that holds a claim against it, the
  Store contract, and the error taxonomy. Domain packages (quota,
  scheduling, guardrail) build behavior on top of these; store packages
  persist them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Units: integer, billable increments of service time
  - Authorization: a payer-granted ceiling of units for a patient/service
  - Booking: an appointment that reserves, consumes, or releases units
  - Status values: always derived at read time, never stored

POOL ACCOUNTING:
  available = TotalUnits - UsedUnits - ScheduledUnits

  Reserve:  ScheduledUnits += n
  Release:  ScheduledUnits -= n
  Consume:  ScheduledUnits -= reserved, UsedUnits += actual

INVARIANT (after every committed transaction):
  0 <= UsedUnits, 0 <= ScheduledUnits, UsedUnits + ScheduledUnits <= TotalUnits

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Transactional store contract
  - time.go: Date, TimeRange, Clock
*/
package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AuthorizationID string
type BookingID string
type PatientID string
type ProviderID string
type ServiceCode string

// Units counts billable service increments.
type Units int64

// =============================================================================
// AUTHORIZATION - The finite resource pool
// =============================================================================

type AuthorizationStatus string

const (
	StatusActive    AuthorizationStatus = "ACTIVE"
	StatusExhausted AuthorizationStatus = "EXHAUSTED"
	StatusExpired   AuthorizationStatus = "EXPIRED"
)

// Authorization is one payer grant. Status is not a field: call StatusOn.
type Authorization struct {
	ID             AuthorizationID
	PatientID      PatientID
	ServiceCode    ServiceCode
	TotalUnits     Units
	UsedUnits      Units
	ScheduledUnits Units
	StartDate      Date
	EndDate        Date
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Available returns the units neither consumed nor held.
func (a Authorization) Available() Units {
	return a.TotalUnits - a.UsedUnits - a.ScheduledUnits
}

// StatusOn derives the status as of the given calendar day.
// Expiry takes precedence over exhaustion.
func (a Authorization) StatusOn(today Date) AuthorizationStatus {
	if today.After(a.EndDate) {
		return StatusExpired
	}
	if a.Available() <= 0 {
		return StatusExhausted
	}
	return StatusActive
}

// Covers reports whether day falls inside the inclusive validity window.
func (a Authorization) Covers(day Date) bool {
	return !day.Before(a.StartDate) && !day.After(a.EndDate)
}

// CheckInvariant returns an error if the unit counters are inconsistent.
// Stores call it before every write so a ledger bug can never commit.
func (a Authorization) CheckInvariant() error {
	if a.UsedUnits < 0 || a.ScheduledUnits < 0 || a.UsedUnits+a.ScheduledUnits > a.TotalUnits {
		return fmt.Errorf("%w: authorization %s total=%d used=%d scheduled=%d",
			ErrInvariantViolation, a.ID, a.TotalUnits, a.UsedUnits, a.ScheduledUnits)
	}
	return nil
}

// =============================================================================
// BOOKING - Appointment holding a claim against an authorization
// =============================================================================

type BookingStatus string

const (
	BookingScheduled  BookingStatus = "SCHEDULED"
	BookingInProgress BookingStatus = "IN_PROGRESS"
	BookingCompleted  BookingStatus = "COMPLETED"
	BookingCancelled  BookingStatus = "CANCELLED"
	BookingNoShow     BookingStatus = "NO_SHOW"
)

// Occupying reports whether a booking in this status blocks its time slot.
func (s BookingStatus) Occupying() bool {
	return s == BookingScheduled || s == BookingInProgress
}

// Terminal reports whether no further transition is allowed.
func (s BookingStatus) Terminal() bool {
	return s == BookingCompleted || s == BookingCancelled || s == BookingNoShow
}

// CanTransition encodes the booking state machine:
//
//	SCHEDULED   -> IN_PROGRESS | COMPLETED | CANCELLED | NO_SHOW
//	IN_PROGRESS -> COMPLETED
func (s BookingStatus) CanTransition(to BookingStatus) bool {
	switch s {
	case BookingScheduled:
		return to == BookingInProgress || to == BookingCompleted || to == BookingCancelled || to == BookingNoShow
	case BookingInProgress:
		return to == BookingCompleted
	default:
		return false
	}
}

type BillingStatus string

const (
	BillingNone           BillingStatus = "NONE"
	BillingReady          BillingStatus = "READY"
	BillingRequiresReview BillingStatus = "REQUIRES_REVIEW"
)

type Booking struct {
	ID              BookingID
	ProviderID      ProviderID
	PatientID       PatientID
	AuthorizationID AuthorizationID
	Start           time.Time
	End             time.Time
	Status          BookingStatus

	// ReservedUnits is the estimate held against ScheduledUnits while SCHEDULED.
	ReservedUnits Units
	// ConsumedUnits is what completion moved into UsedUnits.
	ConsumedUnits Units
	// UnbilledUnits is the overrun that could not be covered by the pool.
	UnbilledUnits Units
	BillingStatus BillingStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Range returns the booking's half-open time range.
func (b Booking) Range() TimeRange {
	return TimeRange{Start: b.Start, End: b.End}
}
