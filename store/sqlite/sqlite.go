/*
Package sqlite provides a SQLite-backed implementation of the Authorization Store.

PURPOSE:
  Implements generic.Store and generic.Provisioner on a single SQLite file.
  Suitable for a single clinic deployment and for integration tests; the
  PostgreSQL store carries the same contract for multi-instance setups.

INTERFACES IMPLEMENTED:
  generic.Store:       Transaction attempts
  generic.Provisioner: Authorization creation (intake)

ISOLATION:
  Every transaction is opened with BEGIN IMMEDIATE (_txlock=immediate), so
  the write lock is taken up front and transactions are serialized by the
  database itself. A writer that cannot get the lock within the busy
  timeout gets SQLITE_BUSY, which is reported as
  generic.ErrSerializationConflict and retried by the executor.

INVARIANT ENFORCEMENT:
  CHECK constraints on the authorizations table reject any row where
  used_units or scheduled_units is negative or their sum exceeds
  total_units. Status is never stored.

KEY TABLES:
  authorizations: Unit pool per patient/service grant
  bookings:       Sessions holding or consuming units

INDEXES:
  - idx_authorizations_patient_service: ActiveAuthorization lookup
  - idx_bookings_provider_time / idx_bookings_patient_time: conflict checks,
    partial on occupying statuses

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). PostgreSQL uses versioned migrations
  (store/postgres/migrations).

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/dadesina/omnirapeutic-sub000/generic"
)

// timeLayout is fixed width so stored instants compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS authorizations (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		service_code TEXT NOT NULL,
		total_units INTEGER NOT NULL CHECK (total_units > 0),
		used_units INTEGER NOT NULL DEFAULT 0 CHECK (used_units >= 0),
		scheduled_units INTEGER NOT NULL DEFAULT 0 CHECK (scheduled_units >= 0),
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (used_units + scheduled_units <= total_units),
		CHECK (start_date <= end_date)
	);

	CREATE INDEX IF NOT EXISTS idx_authorizations_patient_service
		ON authorizations(patient_id, service_code);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		authorization_id TEXT NOT NULL REFERENCES authorizations(id),
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		status TEXT NOT NULL
			CHECK (status IN ('SCHEDULED', 'IN_PROGRESS', 'COMPLETED', 'CANCELLED', 'NO_SHOW')),
		reserved_units INTEGER NOT NULL CHECK (reserved_units >= 0),
		consumed_units INTEGER NOT NULL DEFAULT 0 CHECK (consumed_units >= 0),
		unbilled_units INTEGER NOT NULL DEFAULT 0 CHECK (unbilled_units >= 0),
		billing_status TEXT NOT NULL DEFAULT 'NONE',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (start_at < end_at)
	);

	-- Conflict checks only look at occupying bookings
	CREATE INDEX IF NOT EXISTS idx_bookings_provider_time
		ON bookings(provider_id, start_at, end_at)
		WHERE status IN ('SCHEDULED', 'IN_PROGRESS');
	CREATE INDEX IF NOT EXISTS idx_bookings_patient_time
		ON bookings(patient_id, start_at, end_at)
		WHERE status IN ('SCHEDULED', 'IN_PROGRESS');

	CREATE INDEX IF NOT EXISTS idx_bookings_authorization
		ON bookings(authorization_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx implements generic.Store.
func (s *Store) WithTx(ctx context.Context, opts generic.TxOptions, fn func(tx generic.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: opts.ReadOnly})
	if err != nil {
		return translate(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{q: sqlTx, now: s.now, readOnly: opts.ReadOnly}); err != nil {
		return translate(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return translate(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txView struct {
	q        querier
	now      func() time.Time
	readOnly bool
}

var errReadOnly = errors.New("sqlite store: write in read-only transaction")

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
	now := s.now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorizations (`+authColumns+`)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, ?)`,
		string(a.ID), string(a.PatientID), string(a.ServiceCode), int64(a.TotalUnits),
		a.StartDate.String(), a.EndDate.String(), now, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.InvalidArgument("id", fmt.Sprintf("authorization %s already exists", a.ID))
		}
		return translate(fmt.Errorf("insert authorization: %w", err))
	}
	return nil
}

func (t *txView) GetAuthorization(ctx context.Context, id generic.AuthorizationID) (generic.Authorization, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+authColumns+` FROM authorizations WHERE id = ?`, string(id))
	a, err := scanAuthorization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Authorization{}, &generic.NotFoundError{Resource: "authorization", ID: string(id)}
	}
	if err != nil {
		return generic.Authorization{}, fmt.Errorf("get authorization %s: %w", id, err)
	}
	return a, nil
}

func (t *txView) FindAuthorizations(ctx context.Context, patientID generic.PatientID, serviceCode generic.ServiceCode) ([]generic.Authorization, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+authColumns+` FROM authorizations
		WHERE patient_id = ? AND service_code = ?
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
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txView) UpdateAuthorizationUnits(ctx context.Context, id generic.AuthorizationID, used, scheduled generic.Units) error {
	if t.readOnly {
		return errReadOnly
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE authorizations
		SET used_units = ?, scheduled_units = ?, updated_at = ?
		WHERE id = ?`,
		int64(used), int64(scheduled), t.now().UTC().Format(timeLayout), string(id),
	)
	if err != nil {
		if isCheckConstraintError(err) {
			return fmt.Errorf("%w: authorization %s used=%d scheduled=%d", generic.ErrInvariantViolation, id, used, scheduled)
		}
		return fmt.Errorf("update authorization %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
	// Half-open overlap: existing.start < end AND start < existing.end
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE (provider_id = ? OR patient_id = ?)
		  AND status IN ('SCHEDULED', 'IN_PROGRESS')
		  AND start_at < ? AND ? < end_at
		ORDER BY start_at, id`,
		string(providerID), string(patientID), formatTime(end), formatTime(start),
	)
	if err != nil {
		return nil, fmt.Errorf("find overlapping bookings: %w", err)
	}
	defer rows.Close()

	var out []generic.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *txView) InsertBooking(ctx context.Context, b generic.Booking) error {
	if t.readOnly {
		return errReadOnly
	}
	now := t.now().UTC().Format(timeLayout)
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.ID), string(b.ProviderID), string(b.PatientID), string(b.AuthorizationID),
		formatTime(b.Start), formatTime(b.End), string(b.Status),
		int64(b.ReservedUnits), int64(b.ConsumedUnits), int64(b.UnbilledUnits),
		billingOrNone(b.BillingStatus), now, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.InvalidArgument("booking_id", fmt.Sprintf("booking %s already exists", b.ID))
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (t *txView) GetBooking(ctx context.Context, id generic.BookingID) (generic.Booking, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Booking{}, &generic.NotFoundError{Resource: "booking", ID: string(id)}
	}
	if err != nil {
		return generic.Booking{}, fmt.Errorf("get booking %s: %w", id, err)
	}
	return b, nil
}

func (t *txView) UpdateBooking(ctx context.Context, b generic.Booking) error {
	if t.readOnly {
		return errReadOnly
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE bookings
		SET status = ?, reserved_units = ?, consumed_units = ?, unbilled_units = ?,
		    billing_status = ?, updated_at = ?
		WHERE id = ?`,
		string(b.Status), int64(b.ReservedUnits), int64(b.ConsumedUnits), int64(b.UnbilledUnits),
		billingOrNone(b.BillingStatus), t.now().UTC().Format(timeLayout), string(b.ID),
	)
	if err != nil {
		return fmt.Errorf("update booking %s: %w", b.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Resource: "booking", ID: string(b.ID)}
	}
	return nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data (for scenario loading).
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"bookings", "authorizations"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return translate(fmt.Errorf("reset %s: %w", table, err))
		}
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanAuthorization(row scanner) (generic.Authorization, error) {
	var (
		a                               generic.Authorization
		id, patient, service            string
		total, used, scheduled          int64
		startDate, endDate, created, up string
	)
	if err := row.Scan(&id, &patient, &service, &total, &used, &scheduled, &startDate, &endDate, &created, &up); err != nil {
		return a, err
	}
	var err error
	a.ID = generic.AuthorizationID(id)
	a.PatientID = generic.PatientID(patient)
	a.ServiceCode = generic.ServiceCode(service)
	a.TotalUnits, a.UsedUnits, a.ScheduledUnits = generic.Units(total), generic.Units(used), generic.Units(scheduled)
	if a.StartDate, err = generic.ParseDate(startDate); err != nil {
		return a, err
	}
	if a.EndDate, err = generic.ParseDate(endDate); err != nil {
		return a, err
	}
	a.CreatedAt, _ = parseTime(created)
	a.UpdatedAt, _ = parseTime(up)
	return a, nil
}

func scanBooking(row scanner) (generic.Booking, error) {
	var (
		b                                        generic.Booking
		id, provider, patient, auth              string
		start, end, status, billing, created, up string
		reserved, consumed, unbilled             int64
	)
	if err := row.Scan(&id, &provider, &patient, &auth, &start, &end, &status,
		&reserved, &consumed, &unbilled, &billing, &created, &up); err != nil {
		return b, err
	}
	var err error
	b.ID = generic.BookingID(id)
	b.ProviderID = generic.ProviderID(provider)
	b.PatientID = generic.PatientID(patient)
	b.AuthorizationID = generic.AuthorizationID(auth)
	if b.Start, err = parseTime(start); err != nil {
		return b, err
	}
	if b.End, err = parseTime(end); err != nil {
		return b, err
	}
	b.Status = generic.BookingStatus(status)
	b.ReservedUnits, b.ConsumedUnits, b.UnbilledUnits = generic.Units(reserved), generic.Units(consumed), generic.Units(unbilled)
	b.BillingStatus = generic.BillingStatus(billing)
	b.CreatedAt, _ = parseTime(created)
	b.UpdatedAt, _ = parseTime(up)
	return b, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func billingOrNone(b generic.BillingStatus) string {
	if b == "" {
		return string(generic.BillingNone)
	}
	return string(b)
}

// translate maps SQLite lock contention to the retryable conflict signal.
func translate(err error) error {
	if err == nil || generic.IsRetryable(err) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", generic.ErrSerializationConflict, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isCheckConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintCheck
	}
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}
