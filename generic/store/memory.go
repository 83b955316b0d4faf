// Package store provides Store implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dadesina/omnirapeutic-sub000/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================
//
// Transactions are optimistic: each attempt works on a private write set and
// records the conflict keys it read. Commit fails with
// generic.ErrSerializationConflict if any of those keys was written by a
// transaction that committed after the attempt began (first committer wins).
// That validation gives serializable outcomes, so the ledger's retry
// discipline can be exercised without a database.

var errReadOnly = errors.New("memory store: write in read-only transaction")

type Memory struct {
	mu       sync.Mutex
	version  uint64
	auths    map[generic.AuthorizationID]generic.Authorization
	bookings map[generic.BookingID]generic.Booking
	written  map[string]uint64

	injected  int
	commits   int
	conflicts int
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		auths:    make(map[generic.AuthorizationID]generic.Authorization),
		bookings: make(map[generic.BookingID]generic.Booking),
		written:  make(map[string]uint64),
		now:      time.Now,
	}
}

// InjectConflicts makes the next n write commits fail with a serialization
// conflict, as a database under contention would.
func (m *Memory) InjectConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injected = n
}

// Commits returns the number of committed write transactions.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Conflicts returns the number of attempts aborted by validation or injection.
func (m *Memory) Conflicts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflicts
}

// CreateAuthorization implements generic.Provisioner.
func (m *Memory) CreateAuthorization(_ context.Context, a generic.Authorization) error {
	if err := generic.ValidateNewAuthorization(a); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.auths[a.ID]; exists {
		return generic.InvalidArgument("id", fmt.Sprintf("authorization %s already exists", a.ID))
	}
	now := m.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	m.auths[a.ID] = a
	m.version++
	m.written[authKey(a.ID)] = m.version
	m.written[pairKey(a.PatientID, a.ServiceCode)] = m.version
	return nil
}

// Reset clears all data (for scenario loading). Open attempts conflict.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	for id := range m.auths {
		m.written[authKey(id)] = m.version
	}
	for id, b := range m.bookings {
		m.written[bookingKey(id)] = m.version
		m.written[providerKey(b.ProviderID)] = m.version
		m.written[patientKey(b.PatientID)] = m.version
	}
	m.auths = make(map[generic.AuthorizationID]generic.Authorization)
	m.bookings = make(map[generic.BookingID]generic.Booking)
	return nil
}

// Authorization returns the committed row, bypassing transactions. For tests.
func (m *Memory) Authorization(id generic.AuthorizationID) (generic.Authorization, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auths[id]
	return a, ok
}

// Bookings returns every committed booking ordered by start. For tests.
func (m *Memory) Bookings() []generic.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]generic.Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// WithTx implements generic.Store.
func (m *Memory) WithTx(ctx context.Context, opts generic.TxOptions, fn func(generic.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	tx := &memoryTx{
		parent:   m,
		begin:    m.version,
		readOnly: opts.ReadOnly,
		reads:    make(map[string]struct{}),
		writes:   make(map[string]struct{}),
		auths:    make(map[generic.AuthorizationID]generic.Authorization),
		bookings: make(map[generic.BookingID]generic.Booking),
	}
	m.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.readOnly || len(tx.writes) == 0 {
		return nil
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.injected > 0 {
		m.injected--
		m.conflicts++
		return fmt.Errorf("memory store: injected abort: %w", generic.ErrSerializationConflict)
	}
	for _, set := range []map[string]struct{}{tx.reads, tx.writes} {
		for k := range set {
			if m.written[k] > tx.begin {
				m.conflicts++
				return fmt.Errorf("memory store: %s changed concurrently: %w", k, generic.ErrSerializationConflict)
			}
		}
	}

	m.version++
	now := m.now().UTC()
	for id, a := range tx.auths {
		a.UpdatedAt = now
		m.auths[id] = a
	}
	for id, b := range tx.bookings {
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		b.UpdatedAt = now
		m.bookings[id] = b
	}
	for k := range tx.writes {
		m.written[k] = m.version
	}
	m.commits++
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memoryTx struct {
	parent   *Memory
	begin    uint64
	readOnly bool
	reads    map[string]struct{}
	writes   map[string]struct{}
	auths    map[generic.AuthorizationID]generic.Authorization
	bookings map[generic.BookingID]generic.Booking
}

func (tx *memoryTx) GetAuthorization(_ context.Context, id generic.AuthorizationID) (generic.Authorization, error) {
	tx.reads[authKey(id)] = struct{}{}
	if a, ok := tx.auths[id]; ok {
		return a, nil
	}
	tx.parent.mu.Lock()
	a, ok := tx.parent.auths[id]
	tx.parent.mu.Unlock()
	if !ok {
		return generic.Authorization{}, &generic.NotFoundError{Resource: "authorization", ID: string(id)}
	}
	return a, nil
}

func (tx *memoryTx) FindAuthorizations(_ context.Context, patientID generic.PatientID, serviceCode generic.ServiceCode) ([]generic.Authorization, error) {
	tx.reads[pairKey(patientID, serviceCode)] = struct{}{}

	tx.parent.mu.Lock()
	var out []generic.Authorization
	for id, a := range tx.parent.auths {
		if a.PatientID != patientID || a.ServiceCode != serviceCode {
			continue
		}
		if pending, ok := tx.auths[id]; ok {
			a = pending
		}
		tx.reads[authKey(id)] = struct{}{}
		out = append(out, a)
	}
	tx.parent.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memoryTx) UpdateAuthorizationUnits(ctx context.Context, id generic.AuthorizationID, used, scheduled generic.Units) error {
	if tx.readOnly {
		return errReadOnly
	}
	a, err := tx.GetAuthorization(ctx, id)
	if err != nil {
		return err
	}
	a.UsedUnits, a.ScheduledUnits = used, scheduled
	if err := a.CheckInvariant(); err != nil {
		return err
	}
	tx.auths[id] = a
	tx.writes[authKey(id)] = struct{}{}
	return nil
}

func (tx *memoryTx) FindOverlappingBookings(_ context.Context, providerID generic.ProviderID, patientID generic.PatientID, start, end time.Time) ([]generic.Booking, error) {
	tx.reads[providerKey(providerID)] = struct{}{}
	tx.reads[patientKey(patientID)] = struct{}{}

	want := generic.TimeRange{Start: start, End: end}
	match := func(b generic.Booking) bool {
		return (b.ProviderID == providerID || b.PatientID == patientID) &&
			b.Status.Occupying() && b.Range().Overlaps(want)
	}

	seen := make(map[generic.BookingID]bool)
	var out []generic.Booking
	for id, b := range tx.bookings {
		seen[id] = true
		if match(b) {
			out = append(out, b)
		}
	}
	tx.parent.mu.Lock()
	for id, b := range tx.parent.bookings {
		if !seen[id] && match(b) {
			out = append(out, b)
		}
	}
	tx.parent.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (tx *memoryTx) InsertBooking(_ context.Context, b generic.Booking) error {
	if tx.readOnly {
		return errReadOnly
	}
	tx.parent.mu.Lock()
	_, exists := tx.parent.bookings[b.ID]
	tx.parent.mu.Unlock()
	if _, pending := tx.bookings[b.ID]; exists || pending {
		return generic.InvalidArgument("booking_id", fmt.Sprintf("booking %s already exists", b.ID))
	}
	tx.bookings[b.ID] = b
	tx.markBookingWrite(b)
	return nil
}

func (tx *memoryTx) GetBooking(_ context.Context, id generic.BookingID) (generic.Booking, error) {
	tx.reads[bookingKey(id)] = struct{}{}
	if b, ok := tx.bookings[id]; ok {
		return b, nil
	}
	tx.parent.mu.Lock()
	b, ok := tx.parent.bookings[id]
	tx.parent.mu.Unlock()
	if !ok {
		return generic.Booking{}, &generic.NotFoundError{Resource: "booking", ID: string(id)}
	}
	return b, nil
}

func (tx *memoryTx) UpdateBooking(ctx context.Context, b generic.Booking) error {
	if tx.readOnly {
		return errReadOnly
	}
	existing, err := tx.GetBooking(ctx, b.ID)
	if err != nil {
		return err
	}
	b.CreatedAt = existing.CreatedAt
	tx.bookings[b.ID] = b
	tx.markBookingWrite(b)
	return nil
}

func (tx *memoryTx) markBookingWrite(b generic.Booking) {
	tx.writes[bookingKey(b.ID)] = struct{}{}
	tx.writes[providerKey(b.ProviderID)] = struct{}{}
	tx.writes[patientKey(b.PatientID)] = struct{}{}
}

// =============================================================================
// CONFLICT KEYS
// =============================================================================

func authKey(id generic.AuthorizationID) string { return "auth:" + string(id) }
func bookingKey(id generic.BookingID) string    { return "booking:" + string(id) }
func providerKey(id generic.ProviderID) string  { return "provider:" + string(id) }
func patientKey(id generic.PatientID) string    { return "patient:" + string(id) }

func pairKey(p generic.PatientID, s generic.ServiceCode) string {
	return "pair:" + string(p) + "|" + string(s)
}
