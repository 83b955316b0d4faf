// Package scheduling detects double-booking of providers and patients.
//
// A proposed session conflicts when any occupying booking (SCHEDULED or
// IN_PROGRESS) of the same provider or the same patient overlaps it. Ranges
// are half-open, so back-to-back sessions that touch at an endpoint are fine.
package scheduling

import (
	"context"
	"time"

	"github.com/dadesina/omnirapeutic-sub000/executor"
	"github.com/dadesina/omnirapeutic-sub000/generic"
)

const OpCheckConflict = "check_conflict"

type Detector struct {
	exec *executor.Executor
}

// NewDetector returns a detector. exec is only needed for Check; the
// in-transaction methods work with a nil executor.
func NewDetector(exec *executor.Executor) *Detector {
	return &Detector{exec: exec}
}

// Proposal is a session someone wants to put on the calendar.
type Proposal struct {
	ProviderID generic.ProviderID
	PatientID  generic.PatientID
	Start      time.Time
	End        time.Time
}

func (p Proposal) Range() generic.TimeRange {
	return generic.TimeRange{Start: p.Start, End: p.End}
}

// Validate rejects proposals with missing parties or an empty time range.
func (p Proposal) Validate() error {
	switch {
	case p.ProviderID == "":
		return generic.InvalidArgument("provider_id", "required")
	case p.PatientID == "":
		return generic.InvalidArgument("patient_id", "required")
	case p.Start.IsZero() || p.End.IsZero():
		return generic.InvalidArgument("time_range", "start and end are required")
	case !p.Range().Valid():
		return generic.InvalidArgument("time_range", "end must be after start")
	}
	return nil
}

// CheckConflict reports whether the proposal overlaps an occupying booking.
// It runs in the caller's transaction so nothing can be booked between the
// check and whatever the caller does next.
func (d *Detector) CheckConflict(ctx context.Context, tx generic.Tx, p Proposal) (bool, error) {
	conflicts, err := d.FindConflicts(ctx, tx, p)
	if err != nil {
		return false, err
	}
	return len(conflicts) > 0, nil
}

// FindConflicts returns the overlapping bookings, earliest first.
func (d *Detector) FindConflicts(ctx context.Context, tx generic.Tx, p Proposal) ([]generic.Booking, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	candidates, err := tx.FindOverlappingBookings(ctx, p.ProviderID, p.PatientID, p.Start.UTC(), p.End.UTC())
	if err != nil {
		return nil, err
	}

	// Stores already filter; re-check so the half-open rule lives in one place.
	want := p.Range()
	out := candidates[:0]
	for _, b := range candidates {
		if !b.Status.Occupying() || !b.Range().Overlaps(want) {
			continue
		}
		if b.ProviderID != p.ProviderID && b.PatientID != p.PatientID {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Check runs a standalone, read-only conflict lookup (e.g. for a calendar
// preview). A booking can still be taken between Check and a later Book.
func (d *Detector) Check(ctx context.Context, p Proposal) ([]generic.Booking, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var conflicts []generic.Booking
	err := d.exec.Read(ctx, OpCheckConflict, func(ctx context.Context, tx generic.Tx) error {
		var err error
		conflicts, err = d.FindConflicts(ctx, tx, p)
		return err
	})
	return conflicts, err
}

// ConflictError builds the domain error for a rejected proposal.
func ConflictError(p Proposal, conflicts []generic.Booking) error {
	ids := make([]generic.BookingID, len(conflicts))
	for i, b := range conflicts {
		ids[i] = b.ID
	}
	return &generic.SchedulingConflictError{
		ProviderID:  p.ProviderID,
		PatientID:   p.PatientID,
		Range:       p.Range(),
		Conflicting: ids,
	}
}
