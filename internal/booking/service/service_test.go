package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/motoride/internal/booking/dispatch"
	"github.com/example/motoride/internal/booking/domain"
	"github.com/example/motoride/internal/booking/matching"
	"github.com/example/motoride/internal/booking/repository"
	"github.com/example/motoride/internal/booking/service"
	"github.com/example/motoride/internal/directory"
	"github.com/example/motoride/internal/geo"
	"github.com/example/motoride/internal/rating"
)

type recordingPush struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (p *recordingPush) Send(_ context.Context, n domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

func (p *recordingPush) byType(t domain.NotificationType) []domain.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Notification
	for _, n := range p.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.BookingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type fixture struct {
	svc       *service.Service
	bookings  *repository.MemoryRepository
	dir       *directory.MemoryDirectory
	push      *recordingPush
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bookings := repository.NewMemoryRepository()
	notifications := repository.NewMemoryNotificationStore()
	reviews := repository.NewMemoryReviewStore()
	dir := directory.NewMemoryDirectory()
	push := &recordingPush{}
	publisher := &recordingPublisher{}

	svc := service.New(service.Config{
		Bookings:      bookings,
		Notifications: notifications,
		Reviews:       reviews,
		Directory:     dir,
		Matcher:       matching.NewEngine(dir, bookings, 15, 5, nil),
		Dispatcher:    dispatch.NewDispatcher(bookings, notifications, push, nil, nil),
		Ratings:       rating.NewAggregator(reviews, dir),
		Push:          push,
		Events:        publisher,
		Idempotent:    repository.NewMemoryIdempotencyRepo(),
	})
	return &fixture{svc: svc, bookings: bookings, dir: dir, push: push, publisher: publisher}
}

func (f *fixture) addPassenger(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.dir.Upsert(context.Background(), domain.User{
		ID: id, Name: "Sari", Role: domain.RolePassenger, Rating: 4.7,
	}))
	return id
}

func (f *fixture) addRider(t *testing.T, loc geo.Coordinate) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.dir.Upsert(context.Background(), domain.User{
		ID: id, Name: "Budi", Role: domain.RoleRider, Location: loc, Online: true, Rating: 4.9,
	}))
	return id
}

func createBooking(t *testing.T, f *fixture, passenger uuid.UUID, withDropoff bool) service.CreateBookingResponse {
	t.Helper()
	req := service.CreateBookingRequest{
		PassengerID:   passenger,
		Pickup:        geo.Coordinate{Lat: 0, Lng: 0},
		PickupAddress: "Jl. Sudirman 1",
		VehicleType:   "motorcycle",
	}
	if withDropoff {
		req.Dropoff = &geo.Coordinate{Lat: 0, Lng: 0.1}
		req.DropoffAddress = "Jl. Thamrin 9"
	}
	resp, err := f.svc.CreateBooking(context.Background(), "", req)
	require.NoError(t, err)
	return resp
}

func TestCreateBookingEstimatesFareAndNotifies(t *testing.T) {
	f := newFixture(t)
	passenger := f.addPassenger(t)
	rider := f.addRider(t, geo.Coordinate{Lat: 0, Lng: 0.01})

	resp := createBooking(t, f, passenger, true)
	require.Equal(t, domain.StatusNotified, resp.Booking.Status)
	require.Equal(t, 1, resp.NotifiedRiders)
	require.NotNil(t, resp.Booking.EstimatedFare)
	require.InDelta(t, 25.86, *resp.Booking.EstimatedFare, 0.02)

	requests := f.push.byType(domain.NotificationBookingRequest)
	require.Len(t, requests, 1)
	require.Equal(t, rider, requests[0].RecipientID)
}

func TestCreateBookingWithoutDropoffHasNoFare(t *testing.T) {
	f := newFixture(t)
	passenger := f.addPassenger(t)
	f.addRider(t, geo.Coordinate{Lat: 0, Lng: 0.01})

	resp := createBooking(t, f, passenger, false)
	require.Nil(t, resp.Booking.EstimatedFare)
	require.Equal(t, domain.StatusNotified, resp.Booking.Status)
}

func TestCreateBookingNoCandidatesStaysPending(t *testing.T) {
	f := newFixture(t)
	passenger := f.addPassenger(t)

	resp := createBooking(t, f, passenger, true)
	require.Equal(t, domain.StatusPending, resp.Booking.Status)
	require.Zero(t, resp.NotifiedRiders)

	// the booking stays pending indefinitely, there is no timeout
	stored, err := f.bookings.Get(context.Background(), resp.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stored.Status)
}

func TestCreateBookingIdempotencyKeyReturnsCachedResponse(t *testing.T) {
	f := newFixture(t)
	passenger := f.addPassenger(t)
	f.addRider(t, geo.Coordinate{Lat: 0, Lng: 0.01})

	req := service.CreateBookingRequest{
		PassengerID:   passenger,
		Pickup:        geo.Coordinate{},
		PickupAddress: "Jl. Sudirman 1",
		VehicleType:   "motorcycle",
	}
	first, err := f.svc.CreateBooking(context.Background(), "key-1", req)
	require.NoError(t, err)
	second, err := f.svc.CreateBooking(context.Background(), "key-1", req)
	require.NoError(t, err)
	require.Equal(t, first.Booking.ID, second.Booking.ID)
}

func TestConcurrentAcceptHasExactlyOneWinner(t *testing.T) {
	f := newFixture(t)
	passenger := f.addPassenger(t)
	riders := make([]uuid.UUID, 5)
	for i := range riders {
		riders[i] = f.addRider(t, geo.Coordinate{Lat: 0, Lng: 0.001 * float64(i+1)})
	}

	resp := createBooking(t, f, passenger, true)
	require.Equal(t, domain.StatusNotified, resp.Booking.Status)

	var wg sync.WaitGroup
	results := make([]error, len(riders))
	for i, riderID := range riders {
		wg.Add(1)
		go func(i int, riderID uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.AcceptBooking(context.Background(), resp.Booking.ID, riderID)
			results[i] = err
		}(i, riderID)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
		}
	}
	require.Equal(t, 1, winners)

	stored, err := f.bookings.Get(context.Background(), resp.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, stored.Status)
	require.NotNil(t, stored.RiderID)
	require.NotNil(t, stored.AcceptedTime)

	accepted := f.push.byType(domain.NotificationBookingAccepted)
	require.Len(t, accepted, 1)
	require.Equal(t, passenger, accepted[0].RecipientID)
}

func TestAcceptRequiresRiderRole(t *testing.T) {
	f := newFixture(t)
	passenger := f.addPassenger(t)
	f.addRider(t, geo.Coordinate{Lat: 0, Lng: 0.01})
	resp := createBooking(t, f, passenger, true)

	_, err := f.svc.AcceptBooking(context.Background(), resp.Booking.ID, passenger)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAcceptPendingBookingIsInvalid(t *testing.T) {
	f := newFixture(t)
	passenger := f.addPassenger(t)
	resp := createBooking(t, f, passenger, true)
	require.Equal(t, domain.StatusPending, resp.Booking.Status)

	rider := f.addRider(t, geo.Coordinate{})
	_, err := f.svc.AcceptBooking(context.Background(), resp.Booking.ID, rider)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func acceptedBooking(t *testing.T, f *fixture) (domain.Booking, uuid.UUID, uuid.UUID) {
	t.Helper()
	passenger := f.addPassenger(t)
	rider := f.addRider(t, geo.Coordinate{Lat: 0, Lng: 0.01})
	resp := createBooking(t, f, passenger, true)
	accepted, err := f.svc.AcceptBooking(context.Background(), resp.Booking.ID, rider)
	require.NoError(t, err)
	require.Equal(t, rider, accepted.Rider.ID)
	require.Equal(t, passenger, accepted.Passenger.ID)
	return accepted.Booking, passenger, rider
}

func TestFullLifecycleToCompletion(t *testing.T) {
	f := newFixture(t)
	booking, passenger, rider := acceptedBooking(t, f)
	ctx := context.Background()

	b, err := f.svc.MarkArriving(ctx, booking.ID, rider)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRiderArriving, b.Status)

	b, err = f.svc.MarkArrived(ctx, booking.ID, rider)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRiderArrived, b.Status)

	b, err = f.svc.StartRide(ctx, booking.ID, rider)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInTransit, b.Status)

	b, err = f.svc.CompleteRide(ctx, booking.ID, rider)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, b.Status)
	require.NotNil(t, b.CompletedTime)
	require.NotNil(t, b.ActualFare)
	require.Equal(t, *b.EstimatedFare, *b.ActualFare)

	arriving := f.push.byType(domain.NotificationRiderArriving)
	require.Len(t, arriving, 1)
	require.Equal(t, passenger, arriving[0].RecipientID)
	completed := f.push.byType(domain.NotificationRideCompleted)
	require.Len(t, completed, 1)

	u, err := f.dir.Get(ctx, rider)
	require.NoError(t, err)
	require.Equal(t, 1, u.TotalRides)
}

func TestAdvanceRejectsSkippedStates(t *testing.T) {
	f := newFixture(t)
	booking, _, rider := acceptedBooking(t, f)

	_, err := f.svc.StartRide(context.Background(), booking.ID, rider)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.svc.CompleteRide(context.Background(), booking.ID, rider)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAdvanceRejectsOtherRiders(t *testing.T) {
	f := newFixture(t)
	booking, _, _ := acceptedBooking(t, f)
	other := f.addRider(t, geo.Coordinate{Lat: 1, Lng: 1})

	_, err := f.svc.MarkArriving(context.Background(), booking.ID, other)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCancelBooking(t *testing.T) {
	f := newFixture(t)
	booking, passenger, rider := acceptedBooking(t, f)

	cancelled, err := f.svc.CancelBooking(context.Background(), booking.ID, passenger)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.Equal(t, 1, cancelled.CancellationCount)

	// the assigned rider hears about it
	notices := f.push.byType(domain.NotificationBookingCancelled)
	require.Len(t, notices, 1)
	require.Equal(t, rider, notices[0].RecipientID)

	_, err = f.svc.CancelBooking(context.Background(), booking.ID, passenger)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

// acceptRacingRepo lets one rival accept slip in between a read and the
// following write, simulating an accept that lands mid-cancel.
type acceptRacingRepo struct {
	*repository.MemoryRepository
	mu    sync.Mutex
	rival uuid.UUID
	armed bool
}

func (r *acceptRacingRepo) arm(rival uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rival = rival
	r.armed = true
}

func (r *acceptRacingRepo) Get(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	b, err := r.MemoryRepository.Get(ctx, id)
	r.mu.Lock()
	armed, rival := r.armed, r.rival
	r.armed = false
	r.mu.Unlock()
	if err == nil && armed {
		_, _ = r.MemoryRepository.Accept(ctx, id, rival, time.Now().UTC())
	}
	return b, err
}

func TestCancelLosingToAcceptIsInvalidTransition(t *testing.T) {
	bookings := &acceptRacingRepo{MemoryRepository: repository.NewMemoryRepository()}
	notifications := repository.NewMemoryNotificationStore()
	reviews := repository.NewMemoryReviewStore()
	dir := directory.NewMemoryDirectory()
	push := &recordingPush{}
	svc := service.New(service.Config{
		Bookings:      bookings,
		Notifications: notifications,
		Reviews:       reviews,
		Directory:     dir,
		Matcher:       matching.NewEngine(dir, bookings, 15, 5, nil),
		Dispatcher:    dispatch.NewDispatcher(bookings, notifications, push, nil, nil),
		Ratings:       rating.NewAggregator(reviews, dir),
		Push:          push,
		Events:        &recordingPublisher{},
		Idempotent:    repository.NewMemoryIdempotencyRepo(),
	})

	ctx := context.Background()
	passenger, rival := uuid.New(), uuid.New()
	require.NoError(t, dir.Upsert(ctx, domain.User{ID: passenger, Name: "Sari", Role: domain.RolePassenger}))
	require.NoError(t, dir.Upsert(ctx, domain.User{
		ID: rival, Name: "Budi", Role: domain.RoleRider, Online: true,
		Location: geo.Coordinate{Lat: 0, Lng: 0.01},
	}))

	resp, err := svc.CreateBooking(ctx, "", service.CreateBookingRequest{
		PassengerID:   passenger,
		Pickup:        geo.Coordinate{Lat: 0, Lng: 0},
		PickupAddress: "Jl. Sudirman 1",
		VehicleType:   "motorcycle",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusNotified, resp.Booking.Status)

	bookings.arm(rival)
	_, err = svc.CancelBooking(ctx, resp.Booking.ID, passenger)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	// the accept that won stays in place
	stored, err := bookings.MemoryRepository.Get(ctx, resp.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, stored.Status)
	require.Equal(t, rival, *stored.RiderID)
}

func TestCancelRequiresPassenger(t *testing.T) {
	f := newFixture(t)
	booking, _, rider := acceptedBooking(t, f)

	_, err := f.svc.CancelBooking(context.Background(), booking.ID, rider)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCancelCompletedBookingFails(t *testing.T) {
	f := newFixture(t)
	booking, passenger, rider := acceptedBooking(t, f)
	ctx := context.Background()

	_, err := f.svc.MarkArriving(ctx, booking.ID, rider)
	require.NoError(t, err)
	_, err = f.svc.MarkArrived(ctx, booking.ID, rider)
	require.NoError(t, err)
	_, err = f.svc.StartRide(ctx, booking.ID, rider)
	require.NoError(t, err)
	_, err = f.svc.CompleteRide(ctx, booking.ID, rider)
	require.NoError(t, err)

	_, err = f.svc.CancelBooking(ctx, booking.ID, passenger)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func completeRide(t *testing.T, f *fixture) (domain.Booking, uuid.UUID, uuid.UUID) {
	t.Helper()
	booking, passenger, rider := acceptedBooking(t, f)
	ctx := context.Background()
	_, err := f.svc.MarkArriving(ctx, booking.ID, rider)
	require.NoError(t, err)
	_, err = f.svc.MarkArrived(ctx, booking.ID, rider)
	require.NoError(t, err)
	_, err = f.svc.StartRide(ctx, booking.ID, rider)
	require.NoError(t, err)
	done, err := f.svc.CompleteRide(ctx, booking.ID, rider)
	require.NoError(t, err)
	return done, passenger, rider
}

func TestSubmitReviewUpdatesRating(t *testing.T) {
	f := newFixture(t)
	booking, passenger, rider := completeRide(t, f)
	ctx := context.Background()

	review, err := f.svc.SubmitReview(ctx, service.SubmitReviewRequest{
		BookingID:  booking.ID,
		ReviewerID: passenger,
		Rating:     4,
		Comment:    "smooth ride",
	})
	require.NoError(t, err)
	require.Equal(t, rider, review.RevieweeID)

	u, err := f.dir.Get(ctx, rider)
	require.NoError(t, err)
	require.Equal(t, 4.00, u.Rating)

	_, err = f.svc.SubmitReview(ctx, service.SubmitReviewRequest{
		BookingID:  booking.ID,
		ReviewerID: passenger,
		Rating:     5,
	})
	require.ErrorIs(t, err, domain.ErrAlreadyReviewed)
}

func TestSubmitReviewRequiresCompletedBooking(t *testing.T) {
	f := newFixture(t)
	booking, passenger, _ := acceptedBooking(t, f)

	_, err := f.svc.SubmitReview(context.Background(), service.SubmitReviewRequest{
		BookingID:  booking.ID,
		ReviewerID: passenger,
		Rating:     5,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSubmitReviewRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	booking, _, _ := completeRide(t, f)

	_, err := f.svc.SubmitReview(context.Background(), service.SubmitReviewRequest{
		BookingID:  booking.ID,
		ReviewerID: uuid.New(),
		Rating:     5,
	})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestGetBookingRestrictedToParticipants(t *testing.T) {
	f := newFixture(t)
	booking, passenger, rider := acceptedBooking(t, f)
	ctx := context.Background()

	_, err := f.svc.GetBooking(ctx, booking.ID, passenger)
	require.NoError(t, err)
	_, err = f.svc.GetBooking(ctx, booking.ID, rider)
	require.NoError(t, err)
	_, err = f.svc.GetBooking(ctx, booking.ID, uuid.New())
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestEngagedRiderExcludedFromNextMatch(t *testing.T) {
	f := newFixture(t)
	_, _, rider := acceptedBooking(t, f)

	// the engaged rider must not be notified for the next booking
	otherPassenger := f.addPassenger(t)
	resp := createBooking(t, f, otherPassenger, true)
	require.Equal(t, domain.StatusPending, resp.Booking.Status)
	require.Zero(t, resp.NotifiedRiders)

	for _, n := range f.push.byType(domain.NotificationBookingRequest) {
		if n.BookingID == resp.Booking.ID {
			t.Fatalf("engaged rider %s received a request", rider)
		}
	}
}

func TestNotificationReadState(t *testing.T) {
	f := newFixture(t)
	_, passenger, _ := acceptedBooking(t, f)
	ctx := context.Background()

	list, err := f.svc.ListNotifications(ctx, passenger)
	require.NoError(t, err)
	require.NotEmpty(t, list)

	unread, err := f.svc.UnreadNotifications(ctx, passenger)
	require.NoError(t, err)
	require.Equal(t, len(list), unread)

	marked, err := f.svc.MarkNotificationRead(ctx, list[0].ID, passenger)
	require.NoError(t, err)
	require.NotNil(t, marked.ReadAt)

	_, err = f.svc.MarkNotificationRead(ctx, list[0].ID, uuid.New())
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, f.svc.MarkAllNotificationsRead(ctx, passenger))
	unread, err = f.svc.UnreadNotifications(ctx, passenger)
	require.NoError(t, err)
	require.Zero(t, unread)
}

func TestCompleteRideWithoutDropoffHasNoFare(t *testing.T) {
	f := newFixture(t)
	passenger := f.addPassenger(t)
	rider := f.addRider(t, geo.Coordinate{Lat: 0, Lng: 0.01})
	resp := createBooking(t, f, passenger, false)
	ctx := context.Background()

	_, err := f.svc.AcceptBooking(ctx, resp.Booking.ID, rider)
	require.NoError(t, err)
	_, err = f.svc.MarkArriving(ctx, resp.Booking.ID, rider)
	require.NoError(t, err)
	_, err = f.svc.MarkArrived(ctx, resp.Booking.ID, rider)
	require.NoError(t, err)
	_, err = f.svc.StartRide(ctx, resp.Booking.ID, rider)
	require.NoError(t, err)

	done, err := f.svc.CompleteRide(ctx, resp.Booking.ID, rider)
	require.NoError(t, err)
	require.Nil(t, done.ActualFare)

	completed := f.push.byType(domain.NotificationRideCompleted)
	require.Len(t, completed, 1)
	data, ok := completed[0].Data.(domain.RideCompletedData)
	require.True(t, ok)
	require.Zero(t, data.ActualFare)
}

func TestEventsRecordedAcrossLifecycle(t *testing.T) {
	f := newFixture(t)
	_, _, _ = completeRide(t, f)

	var types []domain.BookingEventType
	for _, e := range f.bookings.Events() {
		types = append(types, e.Type)
	}
	require.Contains(t, types, domain.EventBookingRequested)
	require.Contains(t, types, domain.EventRidersNotified)
	require.Contains(t, types, domain.EventBookingAccepted)
	require.Contains(t, types, domain.EventRiderArriving)
	require.Contains(t, types, domain.EventRideStarted)
	require.Contains(t, types, domain.EventRideCompleted)

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	require.NotEmpty(t, f.publisher.events)
}
