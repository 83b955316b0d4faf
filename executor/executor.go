/*
Package executor runs units of work against the Authorization Store with
serializable isolation and bounded, jittered retries.

PURPOSE:
  Every ledger write goes through Run. Centralizing the retry loop means the
  isolation level, the attempt ceiling and the delay curve are applied
  uniformly and can be tuned in one place.

RETRY RULES:
  - Only errors wrapping generic.ErrSerializationConflict are retried.
  - The WHOLE closure is re-run from scratch on a fresh transaction.
  - Domain errors return immediately on first occurrence.
  - Infrastructure errors return immediately and unchanged.
  - After MaxAttempts conflicts, Run returns *generic.ContentionError.

DELAY CURVE:
  delay(n) = min(BaseDelay * 2^(n-1), MaxDelay) * (1 ± Jitter), capped at MaxDelay

CANCELLATION:
  The caller's context is checked before every attempt and during every
  backoff sleep. Each attempt is one atomic transaction, so aborting
  between attempts never leaves partial effects.

SEE ALSO:
  - generic/store.go: Transaction contract
  - quota/ledger.go: Primary caller
*/
package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dadesina/omnirapeutic-sub000/generic"
	"github.com/dadesina/omnirapeutic-sub000/metrics"
)

var tracer = otel.Tracer("omnirapeutic/executor")

// =============================================================================
// POLICY
// =============================================================================

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the maximum relative deviation, 0.10 = ±10%.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    1000 * time.Millisecond,
		Jitter:      0.10,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	case p.BaseDelay < 0:
		return fmt.Errorf("retry policy: base delay must not be negative")
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("retry policy: max delay %s below base delay %s", p.MaxDelay, p.BaseDelay)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("retry policy: jitter must be in [0, 1), got %v", p.Jitter)
	}
	return nil
}

// Delay returns the sleep after the given failed attempt (1-based).
// r is a uniform sample in [0, 1) that selects the jitter.
func (p Policy) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	d = time.Duration(float64(d) * (1 + p.Jitter*(2*r-1)))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// =============================================================================
// EXECUTOR
// =============================================================================

// Work is one transaction attempt. It may run several times.
type Work func(ctx context.Context, tx generic.Tx) error

type Executor struct {
	store   generic.Store
	policy  Policy
	logger  zerolog.Logger
	metrics *metrics.LedgerMetrics
	sleep   func(ctx context.Context, d time.Duration) error
	random  func() float64
}

type Option func(*Executor)

func WithLogger(l zerolog.Logger) Option { return func(e *Executor) { e.logger = l } }

func WithMetrics(m *metrics.LedgerMetrics) Option { return func(e *Executor) { e.metrics = m } }

// WithSleep replaces the backoff sleep (tests use it to record delays).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRandom replaces the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) Option { return func(e *Executor) { e.random = fn } }

func New(store generic.Store, policy Policy, opts ...Option) *Executor {
	e := &Executor{
		store:  store,
		policy: policy,
		logger: zerolog.Nop(),
		sleep:  sleepContext,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Policy() Policy { return e.policy }

// Run executes work in a serializable transaction, retrying the whole attempt
// on serialization conflicts. It returns the number of attempts made.
func (e *Executor) Run(ctx context.Context, operation string, work Work) (int, error) {
	ctx, span := tracer.Start(ctx, "ledger."+operation, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	attempts, err := e.run(ctx, operation, work)

	span.SetAttributes(
		attribute.String("ledger.operation", operation),
		attribute.Int("ledger.attempts", attempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(generic.KindOf(err)))
	}
	e.metrics.ObserveAttempts(operation, attempts)
	return attempts, err
}

func (e *Executor) run(ctx context.Context, operation string, work Work) (int, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := e.store.WithTx(ctx, generic.TxOptions{}, func(tx generic.Tx) error {
			return work(ctx, tx)
		})
		if err == nil || !generic.IsRetryable(err) {
			return attempt, err
		}

		e.metrics.ObserveConflict(operation)
		if attempt >= e.policy.MaxAttempts {
			e.metrics.ObserveContention(operation)
			e.logger.Warn().
				Str("operation", operation).
				Int("attempts", attempt).
				Err(err).
				Msg("retry budget exhausted")
			return attempt, &generic.ContentionError{Operation: operation, Attempts: attempt, Last: err}
		}

		delay := e.policy.Delay(attempt, e.random())
		e.logger.Debug().
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("serialization conflict, retrying")

		if err := e.sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
}

// Read runs work once in a read-only transaction. A single consistent read
// needs no retry; a conflict is still reported as contention.
func (e *Executor) Read(ctx context.Context, operation string, work Work) error {
	ctx, span := tracer.Start(ctx, "ledger."+operation, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	err := e.store.WithTx(ctx, generic.TxOptions{ReadOnly: true}, func(tx generic.Tx) error {
		return work(ctx, tx)
	})
	if generic.IsRetryable(err) {
		e.metrics.ObserveContention(operation)
		err = &generic.ContentionError{Operation: operation, Attempts: 1, Last: err}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(generic.KindOf(err)))
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
