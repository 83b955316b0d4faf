/*
Package audit emits one structured event per ledger or guardrail operation.

PURPOSE:
  Billing and compliance need a record of every attempt to move units,
  including the ones that failed. The ledger builds an Event after the
  executor has settled the final outcome and hands it to a Publisher
  before returning to its caller.

EVENT FIELDS:
  operation, authorizationId, bookingId, units, outcome, attempts, available

SINKS:
  - LogSink:         zerolog line per event
  - RedisStreamSink: XADD onto a capped stream for downstream consumers
  - MetricsSink:     Prometheus outcome/unit counters
  - Multi:           fan-out to several sinks
  - Recorder:        in-memory, for tests

FAILURE POLICY:
  A sink error is logged by the Publisher and never changes the result of
  the operation that produced the event.

SEE ALSO:
  - quota/ledger.go: Emits reserve/release/consume/read events
  - guardrail/guardrail.go: Emits book/complete/cancel events
*/
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dadesina/omnirapeutic-sub000/generic"
)

// =============================================================================
// EVENT
// =============================================================================

type Event struct {
	ID              string
	At              time.Time
	Operation       string
	AuthorizationID generic.AuthorizationID
	BookingID       generic.BookingID
	Units           generic.Units
	Outcome         generic.ErrorKind
	Attempts        int
	// Available is the remaining pool after the operation, when known.
	Available *generic.Units
	Error     string
}

// Succeeded reports whether the event records a committed operation.
func (e Event) Succeeded() bool { return e.Outcome == generic.KindNone }

// NewEvent builds an event whose outcome is derived from err.
func NewEvent(operation string, err error) Event {
	e := Event{Operation: operation, Outcome: generic.KindOf(err)}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithAvailable sets the remaining pool.
func (e Event) WithAvailable(u generic.Units) Event {
	e.Available = &u
	return e
}

// =============================================================================
// SINK
// =============================================================================

type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// PUBLISHER
// =============================================================================

// Publisher stamps events and delivers them synchronously.
// A nil *Publisher drops everything.
type Publisher struct {
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time
}

func NewPublisher(sink Sink, logger zerolog.Logger) *Publisher {
	return &Publisher{sink: sink, logger: logger, now: time.Now}
}

// Publish delivers e. The caller's cancellation does not suppress the event:
// a canceled operation is still worth recording.
func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p == nil || p.sink == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = p.now().UTC()
	}
	if err := p.sink.Emit(context.WithoutCancel(ctx), e); err != nil {
		p.logger.Error().
			Err(err).
			Str("operation", e.Operation).
			Str("authorization_id", string(e.AuthorizationID)).
			Str("booking_id", string(e.BookingID)).
			Msg("audit sink failed")
	}
}

// =============================================================================
// RECORDER - In-memory sink (for tests)
// =============================================================================

type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Last returns the most recent event, or the zero Event.
func (r *Recorder) Last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
