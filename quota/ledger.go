/*
Package quota implements the authorization quota ledger.

PURPOSE:
  The ledger is the only code that changes an authorization's UsedUnits and
  ScheduledUnits. Every change runs through the retrying executor, so two
  racing callers behave as if they had run one after the other and the pool
  can never be overcommitted.

OPERATIONS:
  Reserve(auth, n)                  scheduled += n
  Release(auth, n)                  scheduled -= n
  Consume(auth, release, actual)    scheduled -= release, used += actual
  AvailableUnits(auth)              single consistent read
  ActiveAuthorization(patient, svc) the ACTIVE grant for a pair, if any

CHECK ORDER (Reserve):
  1. n > 0                          else InvalidArgument
  2. today <= EndDate               else AuthorizationExpired
  3. available >= n                 else InsufficientUnits{available}

COMPOSITION:
  The *Tx variants run inside a transaction the caller already owns and do
  not emit audit events. The booking guardrail uses them so the conflict
  check, the reservation and the booking row share one attempt.

SEE ALSO:
  - executor/executor.go: Retry loop
  - guardrail/guardrail.go: Booking orchestration
  - audit/audit.go: Event emission
*/
package quota

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/dadesina/omnirapeutic-sub000/audit"
	"github.com/dadesina/omnirapeutic-sub000/executor"
	"github.com/dadesina/omnirapeutic-sub000/generic"
)

const (
	OpReserve             = "reserve"
	OpRelease             = "release"
	OpConsume             = "consume"
	OpAvailableUnits      = "available_units"
	OpActiveAuthorization = "active_authorization"
)

// Balance is the state of one authorization after an operation.
type Balance struct {
	Authorization generic.Authorization
	Available     generic.Units
	Status        generic.AuthorizationStatus
}

func (b Balance) ScheduledUnits() generic.Units { return b.Authorization.ScheduledUnits }
func (b Balance) UsedUnits() generic.Units      { return b.Authorization.UsedUnits }

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	exec  *executor.Executor
	clock generic.Clock
	loc   *time.Location
	audit *audit.Publisher
}

type Option func(*Ledger)

func WithClock(c generic.Clock) Option { return func(l *Ledger) { l.clock = c } }

// WithLocation sets the clinic time zone used to decide what "today" is.
func WithLocation(loc *time.Location) Option { return func(l *Ledger) { l.loc = loc } }

func WithAudit(p *audit.Publisher) Option { return func(l *Ledger) { l.audit = p } }

func New(exec *executor.Executor, opts ...Option) *Ledger {
	l := &Ledger{
		exec:  exec,
		clock: generic.SystemClock{},
		loc:   time.UTC,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Today returns the calendar day used for expiry decisions.
func (l *Ledger) Today() generic.Date {
	return generic.Today(l.clock, l.loc)
}

func (l *Ledger) Location() *time.Location { return l.loc }

func (l *Ledger) balance(a generic.Authorization) Balance {
	return Balance{Authorization: a, Available: a.Available(), Status: a.StatusOn(l.Today())}
}

// =============================================================================
// PUBLIC OPERATIONS - One executor invocation each
// =============================================================================

func (l *Ledger) Reserve(ctx context.Context, id generic.AuthorizationID, units generic.Units) (Balance, error) {
	var bal Balance
	attempts, err := l.exec.Run(ctx, OpReserve, func(ctx context.Context, tx generic.Tx) error {
		var err error
		bal, err = l.ReserveTx(ctx, tx, id, units)
		return err
	})
	l.publish(ctx, OpReserve, id, units, attempts, bal, err)
	return bal, err
}

func (l *Ledger) Release(ctx context.Context, id generic.AuthorizationID, units generic.Units) (Balance, error) {
	var bal Balance
	attempts, err := l.exec.Run(ctx, OpRelease, func(ctx context.Context, tx generic.Tx) error {
		var err error
		bal, err = l.ReleaseTx(ctx, tx, id, units)
		return err
	})
	l.publish(ctx, OpRelease, id, units, attempts, bal, err)
	return bal, err
}

// Consume settles a completed session: the original hold is removed and the
// real cost recorded, in one step. It only reports an overrun; deciding what
// happens to the session is the caller's job.
func (l *Ledger) Consume(ctx context.Context, id generic.AuthorizationID, release, actual generic.Units) (Balance, error) {
	var bal Balance
	attempts, err := l.exec.Run(ctx, OpConsume, func(ctx context.Context, tx generic.Tx) error {
		var err error
		bal, err = l.ConsumeTx(ctx, tx, id, release, actual)
		return err
	})
	l.publish(ctx, OpConsume, id, actual, attempts, bal, err)
	return bal, err
}

// AvailableUnits returns the free pool and derived status from one read.
func (l *Ledger) AvailableUnits(ctx context.Context, id generic.AuthorizationID) (Balance, error) {
	var bal Balance
	err := l.exec.Read(ctx, OpAvailableUnits, func(ctx context.Context, tx generic.Tx) error {
		a, err := tx.GetAuthorization(ctx, id)
		if err != nil {
			return err
		}
		bal = l.balance(a)
		return nil
	})
	l.publish(ctx, OpAvailableUnits, id, 0, 1, bal, err)
	return bal, err
}

// ActiveAuthorization returns the ACTIVE authorization for the pair.
// found is false when every match is expired or exhausted; that is not an error.
func (l *Ledger) ActiveAuthorization(ctx context.Context, patientID generic.PatientID, serviceCode generic.ServiceCode) (bal Balance, found bool, err error) {
	defer func() { l.publish(ctx, OpActiveAuthorization, bal.Authorization.ID, 0, 1, bal, err) }()
	if patientID == "" {
		return Balance{}, false, generic.InvalidArgument("patient_id", "required")
	}
	if serviceCode == "" {
		return Balance{}, false, generic.InvalidArgument("service_code", "required")
	}
	err = l.exec.Read(ctx, OpActiveAuthorization, func(ctx context.Context, tx generic.Tx) error {
		auths, err := tx.FindAuthorizations(ctx, patientID, serviceCode)
		if err != nil {
			return err
		}
		a, ok := pickActive(auths, l.Today())
		if ok {
			bal, found = l.balance(a), true
		}
		return nil
	})
	return bal, found, err
}

// pickActive prefers a window that has already started, then the earliest
// end date, then the lowest id.
func pickActive(auths []generic.Authorization, today generic.Date) (generic.Authorization, bool) {
	var active []generic.Authorization
	for _, a := range auths {
		if a.StatusOn(today) == generic.StatusActive {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return generic.Authorization{}, false
	}
	sort.Slice(active, func(i, j int) bool {
		si, sj := !today.Before(active[i].StartDate), !today.Before(active[j].StartDate)
		if si != sj {
			return si
		}
		if !active[i].EndDate.Equal(active[j].EndDate) {
			return active[i].EndDate.Before(active[j].EndDate)
		}
		return active[i].ID < active[j].ID
	})
	return active[0], true
}

// =============================================================================
// IN-TRANSACTION OPERATIONS - For composition inside an existing attempt
// =============================================================================

func (l *Ledger) ReserveTx(ctx context.Context, tx generic.Tx, id generic.AuthorizationID, units generic.Units) (Balance, error) {
	if units <= 0 {
		return Balance{}, generic.InvalidArgument("units", "reserve requires a positive unit count")
	}
	a, err := tx.GetAuthorization(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	today := l.Today()
	if today.After(a.EndDate) {
		return l.balance(a), &generic.AuthorizationExpiredError{AuthorizationID: id, EndDate: a.EndDate, Today: today}
	}
	if available := a.Available(); available < units {
		return l.balance(a), &generic.InsufficientUnitsError{AuthorizationID: id, Available: available, Requested: units}
	}

	a.ScheduledUnits += units
	if err := tx.UpdateAuthorizationUnits(ctx, id, a.UsedUnits, a.ScheduledUnits); err != nil {
		return Balance{}, err
	}
	return l.balance(a), nil
}

func (l *Ledger) ReleaseTx(ctx context.Context, tx generic.Tx, id generic.AuthorizationID, units generic.Units) (Balance, error) {
	if units <= 0 {
		return Balance{}, generic.InvalidArgument("units", "release requires a positive unit count")
	}
	a, err := tx.GetAuthorization(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	if units > a.ScheduledUnits {
		return l.balance(a), &generic.InvalidReleaseError{AuthorizationID: id, Requested: units, Scheduled: a.ScheduledUnits}
	}

	a.ScheduledUnits -= units
	if err := tx.UpdateAuthorizationUnits(ctx, id, a.UsedUnits, a.ScheduledUnits); err != nil {
		return Balance{}, err
	}
	return l.balance(a), nil
}

// ConsumeTx fails with InsufficientUnits when used+scheduled would exceed the
// total. The error's Available is the most this consumption could record:
// the released hold plus the free pool.
func (l *Ledger) ConsumeTx(ctx context.Context, tx generic.Tx, id generic.AuthorizationID, release, actual generic.Units) (Balance, error) {
	if release < 0 {
		return Balance{}, generic.InvalidArgument("scheduled_units_to_release", "must not be negative")
	}
	if actual < 0 {
		return Balance{}, generic.InvalidArgument("actual_units_used", "must not be negative")
	}
	a, err := tx.GetAuthorization(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	if release > a.ScheduledUnits {
		return l.balance(a), &generic.InvalidReleaseError{AuthorizationID: id, Requested: release, Scheduled: a.ScheduledUnits}
	}

	used, scheduled := a.UsedUnits+actual, a.ScheduledUnits-release
	if used+scheduled > a.TotalUnits {
		return l.balance(a), &generic.InsufficientUnitsError{
			AuthorizationID: id,
			Available:       a.Available() + release,
			Requested:       actual,
		}
	}

	a.UsedUnits, a.ScheduledUnits = used, scheduled
	if err := tx.UpdateAuthorizationUnits(ctx, id, a.UsedUnits, a.ScheduledUnits); err != nil {
		return Balance{}, err
	}
	return l.balance(a), nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (l *Ledger) publish(ctx context.Context, op string, id generic.AuthorizationID, units generic.Units, attempts int, bal Balance, err error) {
	e := audit.NewEvent(op, err)
	e.AuthorizationID = id
	e.Units = units
	e.Attempts = attempts
	// Balances read inside an attempt that never committed are not reported.
	if err == nil || (generic.IsDomainError(err) && !errors.Is(err, generic.ErrNotFound)) {
		if bal.Authorization.ID != "" {
			e = e.WithAvailable(bal.Available)
		}
	}
	l.audit.Publish(ctx, e)
}
