package executor_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dadesina/omnirapeutic-sub000/executor"
	"github.com/dadesina/omnirapeutic-sub000/generic"
	"github.com/dadesina/omnirapeutic-sub000/generic/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// scriptedStore returns the scripted errors from successive WithTx calls,
// then nil forever.
type scriptedStore struct {
	script []error
	calls  int
	opts   []generic.TxOptions
}

func (s *scriptedStore) WithTx(_ context.Context, opts generic.TxOptions, fn func(generic.Tx) error) error {
	s.calls++
	s.opts = append(s.opts, opts)
	if err := fn(nil); err != nil {
		return err
	}
	if len(s.script) == 0 {
		return nil
	}
	err := s.script[0]
	s.script = s.script[1:]
	return err
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func conflict() error {
	return fmt.Errorf("commit: %w", generic.ErrSerializationConflict)
}

func newTestExecutor(s generic.Store, rec *sleepRecorder) *executor.Executor {
	return executor.New(s, executor.DefaultPolicy(),
		executor.WithSleep(rec.sleep),
		executor.WithRandom(func() float64 { return 0.5 }),
	)
}

// =============================================================================
// RETRY BEHAVIOR
// =============================================================================

func TestRun_SingleConflict_RetriesOnceAndSucceeds(t *testing.T) {
	// GIVEN: A store whose first commit fails with a serialization conflict
	s := &scriptedStore{script: []error{conflict()}}
	rec := &sleepRecorder{}
	exec := newTestExecutor(s, rec)

	// WHEN: Running a unit of work
	runs := 0
	attempts, err := exec.Run(context.Background(), "reserve", func(ctx context.Context, tx generic.Tx) error {
		runs++
		return nil
	})

	// THEN: Exactly one retry, the whole closure re-ran, caller sees success
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, runs)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, rec.delays)
}

func TestRun_NestedContention_NotRetriedAgain(t *testing.T) {
	// GIVEN: Work that calls a ledger operation which already gave up
	s := &scriptedStore{}
	rec := &sleepRecorder{}
	exec := newTestExecutor(s, rec)
	nested := &generic.ContentionError{Operation: "reserve", Attempts: 5, Last: conflict()}

	// WHEN
	attempts, err := exec.Run(context.Background(), "book", func(ctx context.Context, tx generic.Tx) error {
		return nested
	})

	// THEN: The outer run does not multiply the retry budget
	assert.Same(t, nested, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, s.calls)
	assert.Empty(t, rec.delays)
}

func TestRun_DomainError_NeverRetried(t *testing.T) {
	s := &scriptedStore{}
	rec := &sleepRecorder{}
	exec := newTestExecutor(s, rec)

	domainErrs := []error{
		&generic.InsufficientUnitsError{AuthorizationID: "auth-1", Available: 3, Requested: 4},
		&generic.AuthorizationExpiredError{AuthorizationID: "auth-1"},
		&generic.InvalidReleaseError{AuthorizationID: "auth-1", Requested: 2},
		generic.InvalidArgument("units", "must be positive"),
		&generic.SchedulingConflictError{ProviderID: "prov-1"},
	}

	for _, domainErr := range domainErrs {
		t.Run(string(generic.KindOf(domainErr)), func(t *testing.T) {
			s.calls = 0
			attempts, err := exec.Run(context.Background(), "reserve", func(ctx context.Context, tx generic.Tx) error {
				return domainErr
			})
			assert.Same(t, domainErr, err)
			assert.Equal(t, 1, attempts)
			assert.Equal(t, 1, s.calls)
		})
	}
	assert.Empty(t, rec.delays)
}

func TestRun_InfrastructureError_PropagatedUnchanged(t *testing.T) {
	boom := errors.New("connection refused")
	s := &scriptedStore{script: []error{boom}}
	exec := newTestExecutor(s, &sleepRecorder{})

	attempts, err := exec.Run(context.Background(), "release", func(ctx context.Context, tx generic.Tx) error { return nil })

	assert.Same(t, boom, err)
	assert.Equal(t, 1, attempts)
}

func TestRun_ExhaustsIntoContention(t *testing.T) {
	// GIVEN: Every attempt conflicts
	s := &scriptedStore{script: []error{conflict(), conflict(), conflict(), conflict(), conflict(), conflict()}}
	rec := &sleepRecorder{}
	exec := newTestExecutor(s, rec)

	// WHEN
	attempts, err := exec.Run(context.Background(), "consume", func(ctx context.Context, tx generic.Tx) error { return nil })

	// THEN: Contention after MaxAttempts, distinct from domain errors
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrContention)
	assert.False(t, generic.IsDomainError(err))
	assert.Equal(t, generic.KindContention, generic.KindOf(err))

	var contention *generic.ContentionError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, 5, contention.Attempts)
	assert.Equal(t, "consume", contention.Operation)
	assert.Equal(t, 5, attempts)
	assert.Equal(t, 5, s.calls)

	// Four sleeps between five attempts, doubling from the base delay
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
	}, rec.delays)
}

func TestRun_ContextCanceledDuringBackoff_AbortsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &scriptedStore{script: []error{conflict(), conflict()}}
	exec := executor.New(s, executor.DefaultPolicy(),
		executor.WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)

	attempts, err := exec.Run(ctx, "reserve", func(ctx context.Context, tx generic.Tx) error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, s.calls, "no attempt may start after cancellation")
}

func TestRun_DeadlineAlreadyElapsed_NoAttempt(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	s := &scriptedStore{}
	exec := newTestExecutor(s, &sleepRecorder{})

	attempts, err := exec.Run(ctx, "reserve", func(ctx context.Context, tx generic.Tx) error { return nil })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, attempts)
	assert.Equal(t, 0, s.calls)
}

func TestRun_WithMemoryStoreInjection(t *testing.T) {
	// GIVEN: A memory store that aborts the next commit
	mem := store.NewMemory()
	require.NoError(t, mem.CreateAuthorization(context.Background(), generic.Authorization{
		ID: "auth-1", PatientID: "pat-1", ServiceCode: "97153", TotalUnits: 10,
		StartDate: generic.NewDate(2026, 1, 1), EndDate: generic.NewDate(2026, 12, 31),
	}))
	mem.InjectConflicts(1)
	rec := &sleepRecorder{}
	exec := newTestExecutor(mem, rec)

	// WHEN: Writing through the executor
	attempts, err := exec.Run(context.Background(), "reserve", func(ctx context.Context, tx generic.Tx) error {
		a, err := tx.GetAuthorization(ctx, "auth-1")
		if err != nil {
			return err
		}
		return tx.UpdateAuthorizationUnits(ctx, a.ID, a.UsedUnits, a.ScheduledUnits+3)
	})

	// THEN: One retry, the write lands exactly once
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	a, _ := mem.Authorization("auth-1")
	assert.Equal(t, generic.Units(3), a.ScheduledUnits)
	assert.Equal(t, 1, mem.Conflicts())
}

// =============================================================================
// READ-ONLY
// =============================================================================

func TestRead_SingleAttemptReadOnly(t *testing.T) {
	s := &scriptedStore{script: []error{conflict()}}
	exec := newTestExecutor(s, &sleepRecorder{})

	err := exec.Read(context.Background(), "available_units", func(ctx context.Context, tx generic.Tx) error { return nil })

	assert.ErrorIs(t, err, generic.ErrContention)
	assert.Equal(t, 1, s.calls)
	assert.True(t, s.opts[0].ReadOnly)
}

// =============================================================================
// DELAY CURVE
// =============================================================================

func TestPolicy_Delay(t *testing.T) {
	p := executor.DefaultPolicy()

	// r = 0.5 means zero jitter
	assert.Equal(t, 10*time.Millisecond, p.Delay(1, 0.5))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2, 0.5))
	assert.Equal(t, 640*time.Millisecond, p.Delay(7, 0.5))
	assert.Equal(t, 1000*time.Millisecond, p.Delay(8, 0.5), "capped at max delay")
	assert.Equal(t, 1000*time.Millisecond, p.Delay(60, 0.5), "no overflow on large attempts")

	// Jitter bounds: ±10%
	assert.Equal(t, 9*time.Millisecond, p.Delay(1, 0))
	assert.InDelta(t, float64(11*time.Millisecond), float64(p.Delay(1, 0.999999)), float64(time.Microsecond))
	assert.Equal(t, 1000*time.Millisecond, p.Delay(10, 0.999999), "jitter never exceeds the cap")
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, executor.DefaultPolicy().Validate())

	bad := executor.DefaultPolicy()
	bad.MaxAttempts = 0
	assert.Error(t, bad.Validate())

	bad = executor.DefaultPolicy()
	bad.MaxDelay = time.Millisecond
	assert.Error(t, bad.Validate())

	bad = executor.DefaultPolicy()
	bad.Jitter = 1.5
	assert.Error(t, bad.Validate())
}
