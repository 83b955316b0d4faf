/*
Package guardrail is the entry point for booking, completing and cancelling
sessions.

PURPOSE:
  A booking may only exist if its slot is free AND its units are held. The
  guardrail runs the conflict check, the ledger step and the booking row
  write inside ONE executor invocation, so either all of them commit or
  none does.

OPERATIONS:
  Book            conflict check -> reserve -> insert SCHEDULED booking
  CheckIn         SCHEDULED -> IN_PROGRESS (no unit change)
  CompleteSession consume(reserved, actual) -> COMPLETED
  CancelBooking   release(reserved) -> CANCELLED
  RecordNoShow    release(reserved) -> NO_SHOW

OVERRUN POLICY (CompleteSession when actual exceeds what the pool can hold):
  flag   - record what fits, mark COMPLETED with billing REQUIRES_REVIEW and
           the remainder in UnbilledUnits
  reject - return InsufficientUnits and change nothing

SEE ALSO:
  - quota/ledger.go: Unit accounting
  - scheduling/detector.go: Overlap rules
*/
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dadesina/omnirapeutic-sub000/audit"
	"github.com/dadesina/omnirapeutic-sub000/executor"
	"github.com/dadesina/omnirapeutic-sub000/generic"
	"github.com/dadesina/omnirapeutic-sub000/quota"
	"github.com/dadesina/omnirapeutic-sub000/scheduling"
)

var tracer = otel.Tracer("omnirapeutic/guardrail")

const (
	OpBook     = "book"
	OpCheckIn  = "check_in"
	OpComplete = "complete_session"
	OpCancel   = "cancel_booking"
	OpNoShow   = "record_no_show"
	OpGet      = "get_booking"
)

// =============================================================================
// OVERRUN POLICY
// =============================================================================

type OverrunPolicy string

const (
	OverrunFlag   OverrunPolicy = "flag"
	OverrunReject OverrunPolicy = "reject"
)

func ParseOverrunPolicy(s string) (OverrunPolicy, error) {
	switch p := OverrunPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OverrunFlag, nil
	case OverrunFlag, OverrunReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown overrun policy %q (want flag or reject)", s)
	}
}

// =============================================================================
// GUARDRAIL
// =============================================================================

type Guardrail struct {
	exec     *executor.Executor
	ledger   *quota.Ledger
	detector *scheduling.Detector
	audit    *audit.Publisher
	overrun  OverrunPolicy
	newID    func() generic.BookingID
}

type Option func(*Guardrail)

func WithOverrunPolicy(p OverrunPolicy) Option { return func(g *Guardrail) { g.overrun = p } }

func WithAudit(p *audit.Publisher) Option { return func(g *Guardrail) { g.audit = p } }

// WithIDGenerator replaces the booking id source.
func WithIDGenerator(fn func() generic.BookingID) Option { return func(g *Guardrail) { g.newID = fn } }

func New(exec *executor.Executor, ledger *quota.Ledger, detector *scheduling.Detector, opts ...Option) *Guardrail {
	g := &Guardrail{
		exec:     exec,
		ledger:   ledger,
		detector: detector,
		overrun:  OverrunFlag,
		newID:    func() generic.BookingID { return generic.BookingID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guardrail) OverrunPolicy() OverrunPolicy { return g.overrun }

// BookRequest asks for a session slot and a unit hold.
type BookRequest struct {
	ProviderID      generic.ProviderID
	PatientID       generic.PatientID
	AuthorizationID generic.AuthorizationID
	Start           time.Time
	End             time.Time
	EstimatedUnits  generic.Units
}

func (r BookRequest) proposal() scheduling.Proposal {
	return scheduling.Proposal{ProviderID: r.ProviderID, PatientID: r.PatientID, Start: r.Start.UTC(), End: r.End.UTC()}
}

// =============================================================================
// BOOK
// =============================================================================

// Book creates a SCHEDULED booking. A conflict, a failed reservation or a
// session outside the authorization window leaves no booking and no hold.
func (g *Guardrail) Book(ctx context.Context, req BookRequest) (generic.Booking, error) {
	ctx, span := tracer.Start(ctx, "guardrail.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.provider_id", string(req.ProviderID)),
		attribute.String("booking.authorization_id", string(req.AuthorizationID)),
	)

	steps := &stepLog{}
	id := g.newID()
	var booking generic.Booking

	var err error
	if err = g.validateBook(req); err == nil {
		steps.attempts, err = g.exec.Run(ctx, OpBook, func(ctx context.Context, tx generic.Tx) error {
			steps.reset()
			p := req.proposal()

			conflicts, err := g.detector.FindConflicts(ctx, tx, p)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 {
				return scheduling.ConflictError(p, conflicts)
			}

			bal, err := g.ledger.ReserveTx(ctx, tx, req.AuthorizationID, req.EstimatedUnits)
			steps.add(quota.OpReserve, req.AuthorizationID, req.EstimatedUnits, bal, err)
			if err != nil {
				return err
			}
			if day := generic.DateOf(p.Start, g.ledger.Location()); !bal.Authorization.Covers(day) {
				return generic.InvalidArgument("start", fmt.Sprintf(
					"session on %s is outside authorization window %s..%s",
					day, bal.Authorization.StartDate, bal.Authorization.EndDate))
			}

			booking = generic.Booking{
				ID:              id,
				ProviderID:      req.ProviderID,
				PatientID:       req.PatientID,
				AuthorizationID: req.AuthorizationID,
				Start:           p.Start,
				End:             p.End,
				Status:          generic.BookingScheduled,
				ReservedUnits:   req.EstimatedUnits,
				BillingStatus:   generic.BillingNone,
			}
			return tx.InsertBooking(ctx, booking)
		})
	}

	g.emit(ctx, OpBook, req.AuthorizationID, id, req.EstimatedUnits, steps, err)
	if err != nil {
		span.RecordError(err)
		return generic.Booking{}, err
	}
	return booking, nil
}

func (g *Guardrail) validateBook(req BookRequest) error {
	if req.AuthorizationID == "" {
		return generic.InvalidArgument("authorization_id", "required")
	}
	if req.EstimatedUnits <= 0 {
		return generic.InvalidArgument("estimated_units", "must be positive")
	}
	return req.proposal().Validate()
}

// =============================================================================
// STATE TRANSITIONS
// =============================================================================

// CheckIn marks a session as started. The slot stays blocked and the hold
// stays in place until completion.
func (g *Guardrail) CheckIn(ctx context.Context, id generic.BookingID) (generic.Booking, error) {
	return g.transition(ctx, OpCheckIn, id, 0, func(ctx context.Context, tx generic.Tx, b *generic.Booking, steps *stepLog) error {
		b.Status = generic.BookingInProgress
		return nil
	})
}

// CompleteSession settles the booking's hold against the units actually
// delivered and marks it COMPLETED.
func (g *Guardrail) CompleteSession(ctx context.Context, id generic.BookingID, actualUnits generic.Units) (generic.Booking, error) {
	if actualUnits < 0 {
		return generic.Booking{}, generic.InvalidArgument("actual_units", "must not be negative")
	}
	return g.transition(ctx, OpComplete, id, actualUnits, func(ctx context.Context, tx generic.Tx, b *generic.Booking, steps *stepLog) error {
		bal, err := g.ledger.ConsumeTx(ctx, tx, b.AuthorizationID, b.ReservedUnits, actualUnits)
		steps.add(quota.OpConsume, b.AuthorizationID, actualUnits, bal, err)

		var insufficient *generic.InsufficientUnitsError
		switch {
		case err == nil:
			b.ConsumedUnits = actualUnits
			b.UnbilledUnits = 0
			b.BillingStatus = generic.BillingReady
		case errors.As(err, &insufficient) && g.overrun == OverrunFlag:
			covered := insufficient.Available
			bal, err = g.ledger.ConsumeTx(ctx, tx, b.AuthorizationID, b.ReservedUnits, covered)
			steps.add(quota.OpConsume, b.AuthorizationID, covered, bal, err)
			if err != nil {
				return err
			}
			b.ConsumedUnits = covered
			b.UnbilledUnits = actualUnits - covered
			b.BillingStatus = generic.BillingRequiresReview
		default:
			return err
		}
		b.Status = generic.BookingCompleted
		return nil
	})
}

// CancelBooking returns the booking's hold to the pool.
func (g *Guardrail) CancelBooking(ctx context.Context, id generic.BookingID) (generic.Booking, error) {
	return g.transition(ctx, OpCancel, id, 0, g.releaseTo(generic.BookingCancelled))
}

// RecordNoShow is CancelBooking with a distinct terminal status for reporting.
func (g *Guardrail) RecordNoShow(ctx context.Context, id generic.BookingID) (generic.Booking, error) {
	return g.transition(ctx, OpNoShow, id, 0, g.releaseTo(generic.BookingNoShow))
}

func (g *Guardrail) releaseTo(status generic.BookingStatus) transitionFunc {
	return func(ctx context.Context, tx generic.Tx, b *generic.Booking, steps *stepLog) error {
		if b.ReservedUnits > 0 {
			bal, err := g.ledger.ReleaseTx(ctx, tx, b.AuthorizationID, b.ReservedUnits)
			steps.add(quota.OpRelease, b.AuthorizationID, b.ReservedUnits, bal, err)
			if err != nil {
				return err
			}
		}
		b.Status = status
		return nil
	}
}

// GetBooking reads one booking.
func (g *Guardrail) GetBooking(ctx context.Context, id generic.BookingID) (generic.Booking, error) {
	var b generic.Booking
	err := g.exec.Read(ctx, OpGet, func(ctx context.Context, tx generic.Tx) error {
		var err error
		b, err = tx.GetBooking(ctx, id)
		return err
	})
	return b, err
}

type transitionFunc func(ctx context.Context, tx generic.Tx, b *generic.Booking, steps *stepLog) error

// statusFor maps an operation to the status it moves a booking into.
var statusFor = map[string]generic.BookingStatus{
	OpCheckIn:  generic.BookingInProgress,
	OpComplete: generic.BookingCompleted,
	OpCancel:   generic.BookingCancelled,
	OpNoShow:   generic.BookingNoShow,
}

func (g *Guardrail) transition(ctx context.Context, op string, id generic.BookingID, units generic.Units, apply transitionFunc) (generic.Booking, error) {
	ctx, span := tracer.Start(ctx, "guardrail."+op)
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", string(id)))

	steps := &stepLog{}
	var booking generic.Booking
	var authID generic.AuthorizationID

	attempts, err := g.exec.Run(ctx, op, func(ctx context.Context, tx generic.Tx) error {
		steps.reset()
		b, err := tx.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		authID = b.AuthorizationID
		if to := statusFor[op]; !b.Status.CanTransition(to) {
			return &generic.InvalidTransitionError{BookingID: id, From: b.Status, To: to}
		}
		if err := apply(ctx, tx, &b, steps); err != nil {
			return err
		}
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		booking = b
		return nil
	})
	steps.attempts = attempts

	if units == 0 && err == nil {
		switch op {
		case OpCancel, OpNoShow:
			units = booking.ReservedUnits
		default:
			units = booking.ConsumedUnits
		}
	}
	g.emit(ctx, op, authID, id, units, steps, err)
	if err != nil {
		span.RecordError(err)
		return generic.Booking{}, err
	}
	return booking, nil
}

// =============================================================================
// AUDIT
// =============================================================================

// stepLog collects the ledger steps of the current attempt. It is reset at
// the start of every attempt so retried work is reported once.
type stepLog struct {
	events   []audit.Event
	attempts int
}

func (s *stepLog) reset() { s.events = s.events[:0] }

func (s *stepLog) add(op string, authID generic.AuthorizationID, units generic.Units, bal quota.Balance, err error) {
	e := audit.NewEvent(op, err)
	e.AuthorizationID = authID
	e.Units = units
	if bal.Authorization.ID != "" {
		e = e.WithAvailable(bal.Available)
	}
	s.events = append(s.events, e)
}

// emit publishes the ledger steps and then the guardrail event. Steps that
// succeeded inside an attempt that did not commit carry the final outcome.
func (g *Guardrail) emit(ctx context.Context, op string, authID generic.AuthorizationID, id generic.BookingID, units generic.Units, steps *stepLog, err error) {
	final := generic.KindOf(err)
	for _, e := range steps.events {
		e.BookingID = id
		e.Attempts = steps.attempts
		if e.Succeeded() && err != nil {
			e.Outcome = final
			e.Error = err.Error()
			e.Available = nil
		}
		g.audit.Publish(ctx, e)
	}

	e := audit.NewEvent(op, err)
	e.AuthorizationID = authID
	e.BookingID = id
	e.Units = units
	e.Attempts = steps.attempts
	g.audit.Publish(ctx, e)
}
