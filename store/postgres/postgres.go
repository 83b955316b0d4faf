/*
Package postgres provides a PostgreSQL-backed implementation of the Authorization Store.

PURPOSE:
  Implements generic.Store and generic.Provisioner on PostgreSQL so that
  several service instances can share one ledger. Correctness comes from
  SERIALIZABLE isolation: PostgreSQL aborts any attempt whose outcome
  could not have happened in some serial order, and the executor retries.

ISOLATION:
  Every attempt runs in BEGIN ISOLATION LEVEL SERIALIZABLE. SQLSTATE
  40001 (serialization_failure) and 40P01 (deadlock_detected) are
  reported as generic.ErrSerializationConflict, on any statement or on
  COMMIT. Read-only attempts add READ ONLY.

INVARIANT ENFORCEMENT:
  CHECK constraints (migrations/0001_init.up.sql) reject negative
  counters and used_units + scheduled_units > total_units. A violation
  (23514) is reported as generic.ErrInvariantViolation.

SEE ALSO:
  - migrate.go: Versioned schema migrations
  - generic/store.go: Interface definitions
  - store/sqlite/sqlite.go: Single-file variant of the same contract
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dadesina/omnirapeutic-sub000/generic"
)

// SQLSTATE codes the store branches on.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
)

// Pool is the subset of *pgxpool.Pool the store needs.
type Pool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Store implements the storage interfaces using PostgreSQL.
type Store struct {
	pool Pool
}

func New(pool Pool) *Store {
	if pool == nil {
		panic("postgres: pool required")
	}
	return &Store{pool: pool}
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx implements generic.Store.
func (s *Store) WithTx(ctx context.Context, opts generic.TxOptions, fn func(tx generic.Tx) error) error {
	txOpts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	if opts.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}

	tx, err := s.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return translate(fmt.Errorf("begin transaction: %w", err))
	}

	if err := fn(&txView{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return translate(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translate(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type txView struct {
	tx pgx.Tx
}

// =============================================================================
// AUTHORIZATIONS
// =============================================================================

const authColumns = `id, patient_id, service_code, total_units, used_units, scheduled_units,
	start_date, end_date, created_at, updated_at`

// CreateAuthorization implements generic.Provisioner.
func (s *Store) CreateAuthorization(ctx context.Context, a generic.Authorization) error {
	if err := generic.ValidateNewAuthorization(a); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO authorizations (id, patient_id, service_code, total_units, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(a.ID), string(a.PatientID), string(a.ServiceCode), int64(a.TotalUnits),
		a.StartDate.Time, a.EndDate.Time,
	)
	if hasCode(err, codeUniqueViolation) {
		return generic.InvalidArgument("id", fmt.Sprintf("authorization %s already exists", a.ID))
	}
	if err != nil {
		return translate(fmt.Errorf("insert authorization: %w", err))
	}
	return nil
}

func (t *txView) GetAuthorization(ctx context.Context, id generic.AuthorizationID) (generic.Authorization, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+authColumns+` FROM authorizations WHERE id = $1`, string(id))
	a, err := scanAuthorization(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Authorization{}, &generic.NotFoundError{Resource: "authorization", ID: string(id)}
	}
	if err != nil {
		return generic.Authorization{}, fmt.Errorf("get authorization %s: %w", id, err)
	}
	return a, nil
}

func (t *txView) FindAuthorizations(ctx context.Context, patientID generic.PatientID, serviceCode generic.ServiceCode) ([]generic.Authorization, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+authColumns+` FROM authorizations
		WHERE patient_id = $1 AND service_code = $2
		ORDER BY id`,
		string(patientID), string(serviceCode),
	)
	if err != nil {
		return nil, fmt.Errorf("find authorizations: %w", err)
	}
	defer rows.Close()

	var out []generic.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, fmt.Errorf("scan authorization: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txView) UpdateAuthorizationUnits(ctx context.Context, id generic.AuthorizationID, used, scheduled generic.Units) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE authorizations
		SET used_units = $2, scheduled_units = $3, updated_at = now()
		WHERE id = $1`,
		string(id), int64(used), int64(scheduled),
	)
	if hasCode(err, codeCheckViolation) {
		return fmt.Errorf("%w: authorization %s used=%d scheduled=%d", generic.ErrInvariantViolation, id, used, scheduled)
	}
	if err != nil {
		return fmt.Errorf("update authorization %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Resource: "authorization", ID: string(id)}
	}
	return nil
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, provider_id, patient_id, authorization_id, start_at, end_at, status,
	reserved_units, consumed_units, unbilled_units, billing_status, created_at, updated_at`

func (t *txView) FindOverlappingBookings(ctx context.Context, providerID generic.ProviderID, patientID generic.PatientID, start, end time.Time) ([]generic.Booking, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE (provider_id = $1 OR patient_id = $2)
		  AND status IN ('SCHEDULED', 'IN_PROGRESS')
		  AND start_at < $4 AND $3 < end_at
		ORDER BY start_at, id`,
		string(providerID), string(patientID), start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("find overlapping bookings: %w", err)
	}
	defer rows.Close()

	var out []generic.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *txView) InsertBooking(ctx context.Context, b generic.Booking) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bookings (id, provider_id, patient_id, authorization_id, start_at, end_at, status,
			reserved_units, consumed_units, unbilled_units, billing_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(b.ID), string(b.ProviderID), string(b.PatientID), string(b.AuthorizationID),
		b.Start, b.End, string(b.Status),
		int64(b.ReservedUnits), int64(b.ConsumedUnits), int64(b.UnbilledUnits), billingOrNone(b.BillingStatus),
	)
	if hasCode(err, codeUniqueViolation) {
		return generic.InvalidArgument("booking_id", fmt.Sprintf("booking %s already exists", b.ID))
	}
	if err != nil {
		return fmt.Errorf("insert booking %s: %w", b.ID, err)
	}
	return nil
}

func (t *txView) GetBooking(ctx context.Context, id generic.BookingID) (generic.Booking, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Booking{}, &generic.NotFoundError{Resource: "booking", ID: string(id)}
	}
	if err != nil {
		return generic.Booking{}, fmt.Errorf("get booking %s: %w", id, err)
	}
	return b, nil
}

func (t *txView) UpdateBooking(ctx context.Context, b generic.Booking) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET status = $2, reserved_units = $3, consumed_units = $4, unbilled_units = $5,
			billing_status = $6, updated_at = now()
		WHERE id = $1`,
		string(b.ID), string(b.Status), int64(b.ReservedUnits), int64(b.ConsumedUnits),
		int64(b.UnbilledUnits), billingOrNone(b.BillingStatus),
	)
	if err != nil {
		return fmt.Errorf("update booking %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Resource: "booking", ID: string(b.ID)}
	}
	return nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data (for scenario loading).
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE bookings, authorizations`); err != nil {
		return translate(fmt.Errorf("reset: %w", err))
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

func scanAuthorization(row pgx.Row) (generic.Authorization, error) {
	var (
		id, patient, service   string
		total, used, scheduled int64
		startDate, endDate     time.Time
		createdAt, updatedAt   time.Time
	)
	if err := row.Scan(&id, &patient, &service, &total, &used, &scheduled,
		&startDate, &endDate, &createdAt, &updatedAt); err != nil {
		return generic.Authorization{}, err
	}
	return generic.Authorization{
		ID:             generic.AuthorizationID(id),
		PatientID:      generic.PatientID(patient),
		ServiceCode:    generic.ServiceCode(service),
		TotalUnits:     generic.Units(total),
		UsedUnits:      generic.Units(used),
		ScheduledUnits: generic.Units(scheduled),
		StartDate:      generic.NewDate(startDate.Year(), startDate.Month(), startDate.Day()),
		EndDate:        generic.NewDate(endDate.Year(), endDate.Month(), endDate.Day()),
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}, nil
}

func scanBooking(row pgx.Row) (generic.Booking, error) {
	var (
		id, provider, patient, auth, status, billing string
		start, end, createdAt, updatedAt             time.Time
		reserved, consumed, unbilled                 int64
	)
	if err := row.Scan(&id, &provider, &patient, &auth, &start, &end, &status,
		&reserved, &consumed, &unbilled, &billing, &createdAt, &updatedAt); err != nil {
		return generic.Booking{}, err
	}
	return generic.Booking{
		ID:              generic.BookingID(id),
		ProviderID:      generic.ProviderID(provider),
		PatientID:       generic.PatientID(patient),
		AuthorizationID: generic.AuthorizationID(auth),
		Start:           start.UTC(),
		End:             end.UTC(),
		Status:          generic.BookingStatus(status),
		ReservedUnits:   generic.Units(reserved),
		ConsumedUnits:   generic.Units(consumed),
		UnbilledUnits:   generic.Units(unbilled),
		BillingStatus:   generic.BillingStatus(billing),
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}, nil
}

func billingOrNone(b generic.BillingStatus) string {
	if b == "" {
		return string(generic.BillingNone)
	}
	return string(b)
}

// =============================================================================
// ERROR TRANSLATION
// =============================================================================

// translate maps serialization failures and deadlocks to the retryable
// conflict signal. Everything else passes through unchanged.
func translate(err error) error {
	if err == nil || generic.IsRetryable(err) {
		return err
	}
	if hasCode(err, codeSerializationFailure) || hasCode(err, codeDeadlockDetected) {
		return fmt.Errorf("%w: %v", generic.ErrSerializationConflict, err)
	}
	return err
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
