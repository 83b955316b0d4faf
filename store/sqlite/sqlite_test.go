package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dadesina/omnirapeutic-sub000/executor"
	"github.com/dadesina/omnirapeutic-sub000/generic"
	"github.com/dadesina/omnirapeutic-sub000/guardrail"
	"github.com/dadesina/omnirapeutic-sub000/quota"
	"github.com/dadesina/omnirapeutic-sub000/scheduling"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var today = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func authorization(id string, total generic.Units) generic.Authorization {
	return generic.Authorization{
		ID: generic.AuthorizationID(id), PatientID: "pat-1", ServiceCode: "97153", TotalUnits: total,
		StartDate: generic.NewDate(2026, 1, 1), EndDate: generic.NewDate(2026, 6, 30),
	}
}

func readAuth(t *testing.T, s *Store, id generic.AuthorizationID) generic.Authorization {
	t.Helper()
	var a generic.Authorization
	require.NoError(t, s.WithTx(context.Background(), generic.TxOptions{ReadOnly: true}, func(tx generic.Tx) error {
		var err error
		a, err = tx.GetAuthorization(context.Background(), id)
		return err
	}))
	return a
}

func at(hour int) time.Time { return time.Date(2026, 3, 2, hour, 0, 0, 0, time.UTC) }

// =============================================================================
// AUTHORIZATIONS
// =============================================================================

func TestCreateAuthorization_RoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateAuthorization(context.Background(), authorization("auth-1", 100)))

	a := readAuth(t, s, "auth-1")

	assert.Equal(t, generic.PatientID("pat-1"), a.PatientID)
	assert.Equal(t, generic.Units(100), a.TotalUnits)
	assert.Equal(t, generic.NewDate(2026, 6, 30), a.EndDate)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestCreateAuthorization_RejectsDuplicatesAndBadRows(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateAuthorization(context.Background(), authorization("auth-1", 100)))

	err := s.CreateAuthorization(context.Background(), authorization("auth-1", 100))
	assert.ErrorIs(t, err, generic.ErrInvalidArgument)

	bad := authorization("auth-2", 10)
	bad.UsedUnits = 3
	assert.ErrorIs(t, s.CreateAuthorization(context.Background(), bad), generic.ErrInvalidArgument)
}

func TestUpdateAuthorizationUnits_CheckConstraintGuardsInvariant(t *testing.T) {
	// GIVEN: A 10-unit authorization
	s := newStore(t)
	require.NoError(t, s.CreateAuthorization(context.Background(), authorization("auth-1", 10)))

	// WHEN: Something tries to write used+scheduled > total
	err := s.WithTx(context.Background(), generic.TxOptions{}, func(tx generic.Tx) error {
		return tx.UpdateAuthorizationUnits(context.Background(), "auth-1", 6, 5)
	})

	// THEN: The database refuses and nothing changes
	assert.ErrorIs(t, err, generic.ErrInvariantViolation)
	assert.Equal(t, generic.Units(0), readAuth(t, s, "auth-1").UsedUnits)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateAuthorization(context.Background(), authorization("auth-1", 10)))
	boom := errors.New("boom")

	err := s.WithTx(context.Background(), generic.TxOptions{}, func(tx generic.Tx) error {
		if err := tx.UpdateAuthorizationUnits(context.Background(), "auth-1", 0, 4); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, generic.Units(0), readAuth(t, s, "auth-1").ScheduledUnits)
}

func TestFindAuthorizations(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateAuthorization(context.Background(), authorization("b", 10)))
	require.NoError(t, s.CreateAuthorization(context.Background(), authorization("a", 10)))
	other := authorization("c", 10)
	other.ServiceCode = "97155"
	require.NoError(t, s.CreateAuthorization(context.Background(), other))

	var found []generic.Authorization
	require.NoError(t, s.WithTx(context.Background(), generic.TxOptions{ReadOnly: true}, func(tx generic.Tx) error {
		var err error
		found, err = tx.FindAuthorizations(context.Background(), "pat-1", "97153")
		return err
	}))

	require.Len(t, found, 2)
	assert.Equal(t, generic.AuthorizationID("a"), found[0].ID)
	assert.Equal(t, generic.AuthorizationID("b"), found[1].ID)
}

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateAuthorization(context.Background(), authorization("auth-1", 10)))

	err := s.WithTx(context.Background(), generic.TxOptions{ReadOnly: true}, func(tx generic.Tx) error {
		return tx.UpdateAuthorizationUnits(context.Background(), "auth-1", 0, 1)
	})

	assert.Error(t, err)
}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestBookings_OverlapQueryIsHalfOpen(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateAuthorization(context.Background(), authorization("auth-1", 10)))
	require.NoError(t, s.WithTx(context.Background(), generic.TxOptions{}, func(tx generic.Tx) error {
		return tx.InsertBooking(context.Background(), generic.Booking{
			ID: "bk-1", ProviderID: "prov-1", PatientID: "pat-1", AuthorizationID: "auth-1",
			Start: at(10), End: at(11), Status: generic.BookingScheduled, ReservedUnits: 4,
		})
	}))

	find := func(provider generic.ProviderID, patient generic.PatientID, start, end time.Time) []generic.Booking {
		var out []generic.Booking
		require.NoError(t, s.WithTx(context.Background(), generic.TxOptions{ReadOnly: true}, func(tx generic.Tx) error {
			var err error
			out, err = tx.FindOverlappingBookings(context.Background(), provider, patient, start, end)
			return err
		}))
		return out
	}

	assert.Len(t, find("prov-1", "pat-2", at(10).Add(30*time.Minute), at(11).Add(30*time.Minute)), 1)
	assert.Empty(t, find("prov-1", "pat-2", at(11), at(12)), "touching end")
	assert.Empty(t, find("prov-1", "pat-2", at(9), at(10)), "touching start")
	assert.Len(t, find("prov-9", "pat-1", at(10), at(11)), 1, "patient side")
	assert.Empty(t, find("prov-9", "pat-9", at(10), at(11)))
}

func TestBookings_UpdateRoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateAuthorization(context.Background(), authorization("auth-1", 10)))
	b := generic.Booking{
		ID: "bk-1", ProviderID: "prov-1", PatientID: "pat-1", AuthorizationID: "auth-1",
		Start: at(10), End: at(11), Status: generic.BookingScheduled, ReservedUnits: 4,
	}
	require.NoError(t, s.WithTx(context.Background(), generic.TxOptions{}, func(tx generic.Tx) error {
		return tx.InsertBooking(context.Background(), b)
	}))

	b.Status = generic.BookingCompleted
	b.ConsumedUnits = 3
	b.BillingStatus = generic.BillingReady
	require.NoError(t, s.WithTx(context.Background(), generic.TxOptions{}, func(tx generic.Tx) error {
		return tx.UpdateBooking(context.Background(), b)
	}))

	var got generic.Booking
	require.NoError(t, s.WithTx(context.Background(), generic.TxOptions{ReadOnly: true}, func(tx generic.Tx) error {
		var err error
		got, err = tx.GetBooking(context.Background(), "bk-1")
		return err
	}))
	assert.Equal(t, generic.BookingCompleted, got.Status)
	assert.Equal(t, generic.Units(3), got.ConsumedUnits)
	assert.Equal(t, generic.BillingReady, got.BillingStatus)
	assert.True(t, got.Start.Equal(at(10)))

	err := s.WithTx(context.Background(), generic.TxOptions{ReadOnly: true}, func(tx generic.Tx) error {
		_, err := tx.GetBooking(context.Background(), "missing")
		return err
	})
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// END TO END ON A FILE DATABASE
// =============================================================================

func TestConcurrentReserves_NeverOvercommit(t *testing.T) {
	// GIVEN: A file database shared by several connections
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreateAuthorization(context.Background(), authorization("auth-1", 100)))

	policy := executor.Policy{MaxAttempts: 20, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond, Jitter: 0.1}
	ledger := quota.New(executor.New(s, policy), quota.WithClock(generic.FixedClock{At: today}))

	// WHEN: 10 concurrent Reserve(15)
	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Reserve(context.Background(), "auth-1", 15)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	// THEN: At most 6 succeed and the pool never goes over
	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, generic.ErrInsufficientUnits):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 6, ok)
	assert.Equal(t, 4, insufficient)
	a := readAuth(t, s, "auth-1")
	assert.Equal(t, generic.Units(90), a.ScheduledUnits)
}

func TestGuardrail_BookCompleteCancel(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateAuthorization(context.Background(), authorization("auth-1", 20)))
	exec := executor.New(s, executor.DefaultPolicy())
	ledger := quota.New(exec, quota.WithClock(generic.FixedClock{At: today}))
	g := guardrail.New(exec, ledger, scheduling.NewDetector(exec))

	b, err := g.Book(context.Background(), guardrail.BookRequest{
		ProviderID: "prov-1", PatientID: "pat-1", AuthorizationID: "auth-1",
		Start: at(10), End: at(11), EstimatedUnits: 4,
	})
	require.NoError(t, err)

	_, err = g.Book(context.Background(), guardrail.BookRequest{
		ProviderID: "prov-1", PatientID: "pat-2", AuthorizationID: "auth-1",
		Start: at(10).Add(30 * time.Minute), End: at(11).Add(30 * time.Minute), EstimatedUnits: 4,
	})
	assert.ErrorIs(t, err, generic.ErrSchedulingConflict)

	second, err := g.Book(context.Background(), guardrail.BookRequest{
		ProviderID: "prov-1", PatientID: "pat-2", AuthorizationID: "auth-1",
		Start: at(11), End: at(12), EstimatedUnits: 4,
	})
	require.NoError(t, err)

	_, err = g.CompleteSession(context.Background(), b.ID, 4)
	require.NoError(t, err)
	_, err = g.CancelBooking(context.Background(), second.ID)
	require.NoError(t, err)

	a := readAuth(t, s, "auth-1")
	assert.Equal(t, generic.Units(4), a.UsedUnits)
	assert.Equal(t, generic.Units(0), a.ScheduledUnits)
}

// =============================================================================
// ERROR TRANSLATION
// =============================================================================

func TestTranslate_BusyAndLockedAreRetryable(t *testing.T) {
	assert.True(t, generic.IsRetryable(translate(sqlite3.Error{Code: sqlite3.ErrBusy})))
	assert.True(t, generic.IsRetryable(translate(sqlite3.Error{Code: sqlite3.ErrLocked})))
	assert.False(t, generic.IsRetryable(translate(sqlite3.Error{Code: sqlite3.ErrConstraint})))
	assert.Nil(t, translate(nil))

	domain := generic.InvalidArgument("units", "bad")
	assert.Same(t, domain, translate(domain))
}

func TestReset(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateAuthorization(context.Background(), authorization("auth-1", 10)))

	require.NoError(t, s.Reset(context.Background()))

	err := s.WithTx(context.Background(), generic.TxOptions{ReadOnly: true}, func(tx generic.Tx) error {
		_, err := tx.GetAuthorization(context.Background(), "auth-1")
		return err
	})
	assert.True(t, generic.IsNotFound(err))
}
