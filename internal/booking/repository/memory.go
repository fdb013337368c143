package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/motoride/internal/booking/domain"
)

// MemoryRepository is an in-memory booking repository suitable for tests
// and local runs. All conditional transitions happen under one mutex so
// the accept guard is atomic with respect to every other write on the
// same booking.
type MemoryRepository struct {
	mu          sync.RWMutex
	bookings    map[uuid.UUID]domain.Booking
	events      []domain.BookingEvent
	nextEventID int64
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{bookings: make(map[uuid.UUID]domain.Booking)}
}

// Create stores a new booking.
func (m *MemoryRepository) Create(_ context.Context, b domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.Version == 0 {
		b.Version = 1
	}
	m.bookings[b.ID] = b
	return b, nil
}

// Get retrieves a booking.
func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	return b, nil
}

// ListByPassenger returns bookings created by the passenger, newest first.
func (m *MemoryRepository) ListByPassenger(_ context.Context, passengerID uuid.UUID) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Booking
	for _, b := range m.bookings {
		if b.PassengerID == passengerID {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

// ListByRider returns bookings assigned to the rider, newest first.
func (m *MemoryRepository) ListByRider(_ context.Context, riderID uuid.UUID) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Booking
	for _, b := range m.bookings {
		if b.RiderID != nil && *b.RiderID == riderID {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

// Accept performs the atomic conditional accept: status must be notified
// and no rider assigned. Exactly one concurrent caller can observe that
// precondition; the rest are classified by the state they found.
func (m *MemoryRepository) Accept(_ context.Context, id, riderID uuid.UUID, at time.Time) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	if b.Status != domain.StatusNotified || b.RiderID != nil {
		if b.Status == domain.StatusAccepted && b.RiderID != nil {
			return domain.Booking{}, domain.ErrConcurrencyConflict
		}
		return domain.Booking{}, domain.ErrInvalidTransition
	}
	rid := riderID
	acceptedAt := at
	b.RiderID = &rid
	b.Status = domain.StatusAccepted
	b.AcceptedTime = &acceptedAt
	b.Version++
	m.bookings[id] = b
	return b, nil
}

// Update replaces the stored booking when the caller's version matches,
// bumping the version. A mismatch means another writer got there first.
func (m *MemoryRepository) Update(_ context.Context, b domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.bookings[b.ID]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	if existing.Version != b.Version {
		return domain.Booking{}, domain.ErrConcurrencyConflict
	}
	b.Version = existing.Version + 1
	m.bookings[b.ID] = b
	return b, nil
}

// MarkNotified transitions pending -> notified. Bookings already at
// notified or beyond are returned unchanged so re-dispatch is a no-op.
func (m *MemoryRepository) MarkNotified(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	if b.Status != domain.StatusPending {
		return b, nil
	}
	b.Status = domain.StatusNotified
	b.Version++
	m.bookings[id] = b
	return b, nil
}

// EngagedRiderIDs returns riders assigned to a booking in an active
// post-acceptance state.
func (m *MemoryRepository) EngagedRiderIDs(_ context.Context) (map[uuid.UUID]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]struct{})
	for _, b := range m.bookings {
		if b.RiderID != nil && b.Status.Engaging() {
			out[*b.RiderID] = struct{}{}
		}
	}
	return out, nil
}

// AppendEvent records a lifecycle event.
func (m *MemoryRepository) AppendEvent(_ context.Context, event domain.BookingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	event.ID = m.nextEventID
	m.events = append(m.events, event)
	return nil
}

// Events returns recorded events (for tests).
func (m *MemoryRepository) Events() []domain.BookingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.BookingEvent(nil), m.events...)
}

func sortBookings(bs []domain.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].BookingTime.Equal(bs[j].BookingTime) {
			return bs[i].ID.String() < bs[j].ID.String()
		}
		return bs[i].BookingTime.After(bs[j].BookingTime)
	})
}
