package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/motoride/internal/booking/dispatch"
	"github.com/example/motoride/internal/booking/domain"
	"github.com/example/motoride/internal/booking/matching"
	"github.com/example/motoride/internal/booking/repository"
	"github.com/example/motoride/internal/geo"
)

type fakePush struct {
	failFor map[uuid.UUID]bool
	sent    []domain.Notification
}

func (f *fakePush) Send(_ context.Context, n domain.Notification) error {
	if f.failFor[n.RecipientID] {
		return errors.New("push unreachable")
	}
	f.sent = append(f.sent, n)
	return nil
}

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

func newPendingBooking(t *testing.T, repo *repository.MemoryRepository) domain.Booking {
	t.Helper()
	b, err := repo.Create(context.Background(), domain.Booking{
		ID:            uuid.New(),
		PassengerID:   uuid.New(),
		Pickup:        geo.Coordinate{Lat: 0, Lng: 0},
		PickupAddress: "Jl. Sudirman 1",
		VehicleType:   "motorcycle",
		Status:        domain.StatusPending,
		BookingTime:   time.Now().UTC(),
	})
	require.NoError(t, err)
	return b
}

func candidate(id uuid.UUID, dist float64) matching.Candidate {
	return matching.Candidate{
		Rider:      domain.User{ID: id, Role: domain.RoleRider, Online: true},
		DistanceKM: dist,
	}
}

func TestDispatcherNotifiesAllCandidates(t *testing.T) {
	bookings := repository.NewMemoryRepository()
	notifications := repository.NewMemoryNotificationStore()
	push := &fakePush{}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	d := dispatch.NewDispatcher(bookings, notifications, push, fixedClock{at: now}, nil)

	booking := newPendingBooking(t, bookings)
	riderA, riderB := uuid.New(), uuid.New()

	res, err := d.Notify(context.Background(), booking, domain.User{Name: "Sari", Rating: 4.7},
		[]matching.Candidate{candidate(riderA, 1.2), candidate(riderB, 3.4)})
	require.NoError(t, err)
	require.Equal(t, domain.StatusNotified, res.Booking.Status)
	require.Len(t, res.Deliveries, 2)
	require.Len(t, push.sent, 2)

	for _, del := range res.Deliveries {
		require.True(t, del.Delivered)
	}

	got, err := notifications.ListByRecipient(context.Background(), riderA)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, domain.NotificationBookingRequest, got[0].Type)
	require.True(t, got[0].Delivered)
	data, ok := got[0].Data.(domain.BookingRequestData)
	require.True(t, ok)
	require.Equal(t, "Sari", data.PassengerName)
	require.InDelta(t, 1.2, data.DistanceKM, 1e-9)
}

func TestDispatcherRoundsDistanceInPayload(t *testing.T) {
	bookings := repository.NewMemoryRepository()
	notifications := repository.NewMemoryNotificationStore()
	push := &fakePush{}
	d := dispatch.NewDispatcher(bookings, notifications, push, nil, nil)

	booking := newPendingBooking(t, bookings)
	rider := uuid.New()
	raw := geo.DistanceKM(geo.Coordinate{Lat: 0, Lng: 0}, geo.Coordinate{Lat: 0, Lng: 0.1})

	_, err := d.Notify(context.Background(), booking, domain.User{Name: "Sari"},
		[]matching.Candidate{candidate(rider, raw)})
	require.NoError(t, err)

	got, err := notifications.ListByRecipient(context.Background(), rider)
	require.NoError(t, err)
	require.Len(t, got, 1)
	data, ok := got[0].Data.(domain.BookingRequestData)
	require.True(t, ok)
	require.Equal(t, 11.12, data.DistanceKM)
}

func TestDispatcherIsolatesPushFailures(t *testing.T) {
	bookings := repository.NewMemoryRepository()
	notifications := repository.NewMemoryNotificationStore()
	broken := uuid.New()
	healthy := uuid.New()
	push := &fakePush{failFor: map[uuid.UUID]bool{broken: true}}
	d := dispatch.NewDispatcher(bookings, notifications, push, nil, nil)

	booking := newPendingBooking(t, bookings)
	res, err := d.Notify(context.Background(), booking, domain.User{Name: "Sari"},
		[]matching.Candidate{candidate(broken, 0.5), candidate(healthy, 2)})
	require.NoError(t, err)
	require.Equal(t, domain.StatusNotified, res.Booking.Status)
	require.Len(t, res.Deliveries, 2)
	require.False(t, res.Deliveries[0].Delivered)
	require.True(t, res.Deliveries[1].Delivered)

	// the failed recipient still has a persisted, undelivered record
	got, err := notifications.ListByRecipient(context.Background(), broken)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.False(t, got[0].Delivered)
}

func TestDispatcherNoCandidatesIsNoOp(t *testing.T) {
	bookings := repository.NewMemoryRepository()
	notifications := repository.NewMemoryNotificationStore()
	d := dispatch.NewDispatcher(bookings, notifications, &fakePush{}, nil, nil)

	booking := newPendingBooking(t, bookings)
	res, err := d.Notify(context.Background(), booking, domain.User{}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, res.Booking.Status)
	require.Empty(t, res.Deliveries)

	stored, err := bookings.Get(context.Background(), booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stored.Status)
}

func TestDispatcherRedispatchIsIdempotentOnStatus(t *testing.T) {
	bookings := repository.NewMemoryRepository()
	notifications := repository.NewMemoryNotificationStore()
	push := &fakePush{}
	d := dispatch.NewDispatcher(bookings, notifications, push, nil, nil)

	booking := newPendingBooking(t, bookings)
	rider := uuid.New()
	first, err := d.Notify(context.Background(), booking, domain.User{}, []matching.Candidate{candidate(rider, 1)})
	require.NoError(t, err)
	require.Equal(t, domain.StatusNotified, first.Booking.Status)

	second, err := d.Notify(context.Background(), first.Booking, domain.User{}, []matching.Candidate{candidate(rider, 1)})
	require.NoError(t, err)
	require.Equal(t, domain.StatusNotified, second.Booking.Status)
}
