package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/motoride/internal/booking/dispatch"
	"github.com/example/motoride/internal/booking/domain"
	"github.com/example/motoride/internal/booking/matching"
	"github.com/example/motoride/internal/fare"
	"github.com/example/motoride/internal/geo"
	"github.com/example/motoride/internal/rating"
)

// CandidateFinder selects riders for a pickup point.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, pickup geo.Coordinate) ([]matching.Candidate, error)
}

// Notifier fans a booking request out to candidates.
type Notifier interface {
	Notify(ctx context.Context, booking domain.Booking, passenger domain.User, candidates []matching.Candidate) (dispatch.Result, error)
}

// IdempotencyStore caches booking-creation responses by client key.
type IdempotencyStore interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

// Service coordinates booking operations between handlers and the
// repositories, matcher and dispatcher.
type Service struct {
	bookings      domain.BookingRepository
	notifications domain.NotificationRepository
	reviews       domain.ReviewRepository
	directory     domain.UserDirectory
	matcher       CandidateFinder
	dispatcher    Notifier
	estimator     *fare.Estimator
	ratings       *rating.Aggregator
	push          domain.PushSender
	events        domain.EventPublisher
	clock         domain.Clock
	idempotent    IdempotencyStore
	logger        *zap.Logger
}

// Config carries the collaborators for New.
type Config struct {
	Bookings      domain.BookingRepository
	Notifications domain.NotificationRepository
	Reviews       domain.ReviewRepository
	Directory     domain.UserDirectory
	Matcher       CandidateFinder
	Dispatcher    Notifier
	Estimator     *fare.Estimator
	Ratings       *rating.Aggregator
	Push          domain.PushSender
	Events        domain.EventPublisher
	Clock         domain.Clock
	Idempotent    IdempotencyStore
	Logger        *zap.Logger
}

// New constructs a Service.
func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = domain.SystemClock{}
	}
	if cfg.Estimator == nil {
		cfg.Estimator = fare.NewEstimator()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		bookings:      cfg.Bookings,
		notifications: cfg.Notifications,
		reviews:       cfg.Reviews,
		directory:     cfg.Directory,
		matcher:       cfg.Matcher,
		dispatcher:    cfg.Dispatcher,
		estimator:     cfg.Estimator,
		ratings:       cfg.Ratings,
		push:          cfg.Push,
		events:        cfg.Events,
		clock:         cfg.Clock,
		idempotent:    cfg.Idempotent,
		logger:        cfg.Logger,
	}
}

// CreateBookingRequest is the payload for creating a booking.
type CreateBookingRequest struct {
	PassengerID         uuid.UUID
	Pickup              geo.Coordinate
	PickupAddress       string
	Dropoff             *geo.Coordinate
	DropoffAddress      string
	VehicleType         string
	SpecialInstructions string
}

// CreateBookingResponse returns the stored booking and how many riders
// were notified.
type CreateBookingResponse struct {
	Booking        domain.Booking `json:"booking"`
	NotifiedRiders int            `json:"notified_riders"`
}

// CreateBooking stores the booking, estimates the fare when a dropoff
// is known, and dispatches the request to nearby riders. A booking with
// no candidates stays pending.
func (s *Service) CreateBooking(ctx context.Context, key string, req CreateBookingRequest) (CreateBookingResponse, error) {
	if key != "" && s.idempotent != nil {
		if cached, ok, err := s.idempotent.GetResponse(ctx, key); err == nil && ok {
			var resp CreateBookingResponse
			if err := json.Unmarshal(cached, &resp); err == nil {
				return resp, nil
			}
		}
	}

	passenger, err := s.directory.Get(ctx, req.PassengerID)
	if err != nil {
		return CreateBookingResponse{}, fmt.Errorf("load passenger: %w", err)
	}

	booking := domain.Booking{
		ID:                  uuid.New(),
		PassengerID:         req.PassengerID,
		Pickup:              req.Pickup,
		PickupAddress:       req.PickupAddress,
		Dropoff:             req.Dropoff,
		DropoffAddress:      req.DropoffAddress,
		VehicleType:         req.VehicleType,
		Status:              domain.StatusPending,
		BookingTime:         s.clock.Now(),
		SpecialInstructions: req.SpecialInstructions,
		Version:             1,
	}
	if req.Dropoff != nil {
		estimate := s.estimator.Estimate(req.Pickup, *req.Dropoff)
		booking.EstimatedFare = &estimate
	}

	created, err := s.bookings.Create(ctx, booking)
	if err != nil {
		return CreateBookingResponse{}, fmt.Errorf("create booking: %w", err)
	}
	s.appendEvent(ctx, created.ID, domain.EventBookingRequested, map[string]any{
		"passenger_id": created.PassengerID.String(),
	})

	candidates, err := s.matcher.FindCandidates(ctx, created.Pickup)
	if err != nil {
		s.logger.Error("matching failed", zap.String("booking_id", created.ID.String()), zap.Error(err))
		candidates = nil
	}

	result := dispatch.Result{Booking: created}
	if len(candidates) > 0 {
		result, err = s.dispatcher.Notify(ctx, created, passenger, candidates)
		if err != nil {
			return CreateBookingResponse{}, fmt.Errorf("dispatch booking: %w", err)
		}
		s.appendEvent(ctx, created.ID, domain.EventRidersNotified, map[string]any{
			"candidates": len(candidates),
		})
	} else {
		s.logger.Info("booking has no candidates", zap.String("booking_id", created.ID.String()))
	}

	resp := CreateBookingResponse{Booking: result.Booking, NotifiedRiders: len(result.Deliveries)}
	if key != "" && s.idempotent != nil {
		if payload, err := json.Marshal(resp); err == nil {
			_ = s.idempotent.PutResponse(ctx, key, payload)
		}
	}
	return resp, nil
}

// GetBooking returns the booking to one of its participants.
func (s *Service) GetBooking(ctx context.Context, id, actorID uuid.UUID) (domain.Booking, error) {
	b, err := s.bookings.Get(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if b.PassengerID != actorID && (b.RiderID == nil || *b.RiderID != actorID) {
		return domain.Booking{}, domain.ErrUnauthorized
	}
	return b, nil
}

// ListBookings returns the actor's bookings by their directory role.
func (s *Service) ListBookings(ctx context.Context, actorID uuid.UUID) ([]domain.Booking, error) {
	actor, err := s.directory.Get(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleRider {
		return s.bookings.ListByRider(ctx, actorID)
	}
	return s.bookings.ListByPassenger(ctx, actorID)
}

// AcceptBookingResponse pairs the accepted booking with the directory
// records of both participants.
type AcceptBookingResponse struct {
	Booking   domain.Booking `json:"booking"`
	Passenger domain.User    `json:"passenger"`
	Rider     domain.User    `json:"rider"`
}

// AcceptBooking races the rider against other candidates. Exactly one
// caller can win; losers see ErrConcurrencyConflict once the booking is
// accepted and ErrInvalidTransition for any other state.
func (s *Service) AcceptBooking(ctx context.Context, bookingID, riderID uuid.UUID) (AcceptBookingResponse, error) {
	rider, err := s.directory.Get(ctx, riderID)
	if err != nil {
		return AcceptBookingResponse{}, fmt.Errorf("load rider: %w", err)
	}
	if rider.Role != domain.RoleRider {
		return AcceptBookingResponse{}, domain.ErrUnauthorized
	}

	accepted, err := s.bookings.Accept(ctx, bookingID, riderID, s.clock.Now())
	if err != nil {
		return AcceptBookingResponse{}, err
	}

	passenger, err := s.directory.Get(ctx, accepted.PassengerID)
	if err != nil {
		// the accept already committed; the response just misses details
		s.logger.Warn("load passenger after accept",
			zap.String("booking_id", accepted.ID.String()),
			zap.Error(err))
	}

	s.notifyUser(ctx, domain.Notification{
		BookingID:   accepted.ID,
		RecipientID: accepted.PassengerID,
		Type:        domain.NotificationBookingAccepted,
		Title:       "Rider Found",
		Message:     fmt.Sprintf("%s accepted your booking", rider.Name),
		Data: domain.BookingAcceptedData{
			RiderID:     rider.ID,
			RiderName:   rider.Name,
			RiderRating: rider.Rating,
			RiderPhone:  rider.PhoneNumber,
		},
	})
	s.appendEvent(ctx, accepted.ID, domain.EventBookingAccepted, map[string]any{
		"rider_id": riderID.String(),
	})
	return AcceptBookingResponse{Booking: accepted, Passenger: passenger, Rider: rider}, nil
}

// MarkArriving transitions accepted -> rider_arriving.
func (s *Service) MarkArriving(ctx context.Context, bookingID, riderID uuid.UUID) (domain.Booking, error) {
	updated, rider, err := s.advance(ctx, bookingID, riderID, domain.StatusRiderArriving, domain.EventRiderArriving)
	if err != nil {
		return domain.Booking{}, err
	}
	s.notifyUser(ctx, domain.Notification{
		BookingID:   updated.ID,
		RecipientID: updated.PassengerID,
		Type:        domain.NotificationRiderArriving,
		Title:       "Rider On The Way",
		Message:     fmt.Sprintf("%s is heading to your pickup point", rider.Name),
		Data: domain.RiderArrivingData{
			BookingID: updated.ID,
			RiderName: rider.Name,
		},
	})
	return updated, nil
}

// MarkArrived transitions rider_arriving -> rider_arrived.
func (s *Service) MarkArrived(ctx context.Context, bookingID, riderID uuid.UUID) (domain.Booking, error) {
	updated, _, err := s.advance(ctx, bookingID, riderID, domain.StatusRiderArrived, domain.EventRiderArrived)
	return updated, err
}

// StartRide transitions rider_arrived -> in_transit.
func (s *Service) StartRide(ctx context.Context, bookingID, riderID uuid.UUID) (domain.Booking, error) {
	updated, _, err := s.advance(ctx, bookingID, riderID, domain.StatusInTransit, domain.EventRideStarted)
	return updated, err
}

// CompleteRide finishes the booking. The actual fare settles to the
// estimate; a booking created without a dropoff completes with no fare.
func (s *Service) CompleteRide(ctx context.Context, bookingID, riderID uuid.UUID) (domain.Booking, error) {
	booking, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if booking.RiderID == nil || *booking.RiderID != riderID {
		return domain.Booking{}, domain.ErrUnauthorized
	}
	if !booking.Status.CanTransitionTo(domain.StatusCompleted) {
		return domain.Booking{}, domain.ErrInvalidTransition
	}

	now := s.clock.Now()
	booking.Status = domain.StatusCompleted
	booking.CompletedTime = &now
	if booking.EstimatedFare != nil {
		actual := *booking.EstimatedFare
		booking.ActualFare = &actual
	}

	updated, err := s.bookings.Update(ctx, booking)
	if err != nil {
		return domain.Booking{}, err
	}

	if rider, err := s.directory.Get(ctx, riderID); err == nil {
		rider.TotalRides++
		if err := s.directory.Upsert(ctx, rider); err != nil {
			s.logger.Warn("update rider ride count failed", zap.String("rider_id", riderID.String()), zap.Error(err))
		}
	}

	var fareValue float64
	if updated.ActualFare != nil {
		fareValue = *updated.ActualFare
	}
	s.notifyUser(ctx, domain.Notification{
		BookingID:   updated.ID,
		RecipientID: updated.PassengerID,
		Type:        domain.NotificationRideCompleted,
		Title:       "Ride Completed",
		Message:     "Thanks for riding with us",
		Data: domain.RideCompletedData{
			BookingID:  updated.ID,
			ActualFare: fareValue,
		},
	})
	s.appendEvent(ctx, updated.ID, domain.EventRideCompleted, map[string]any{
		"actual_fare": updated.ActualFare,
	})
	return updated, nil
}

// CancelBooking lets the passenger cancel any non-terminal booking. The
// assigned rider, if any, is notified.
func (s *Service) CancelBooking(ctx context.Context, bookingID, passengerID uuid.UUID) (domain.Booking, error) {
	booking, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if booking.PassengerID != passengerID {
		return domain.Booking{}, domain.ErrUnauthorized
	}
	if booking.Status.Terminal() {
		return domain.Booking{}, domain.ErrInvalidTransition
	}

	booking.Status = domain.StatusCancelled
	booking.CancellationCount++
	updated, err := s.bookings.Update(ctx, booking)
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		// a rival transition (typically an accept) won between the read
		// and the write; the cancel loses as an invalid transition
		return domain.Booking{}, domain.ErrInvalidTransition
	}
	if err != nil {
		return domain.Booking{}, err
	}

	if updated.RiderID != nil {
		s.notifyUser(ctx, domain.Notification{
			BookingID:   updated.ID,
			RecipientID: *updated.RiderID,
			Type:        domain.NotificationBookingCancelled,
			Title:       "Booking Cancelled",
			Message:     "The passenger cancelled this booking",
			Data: domain.BookingCancelledData{
				BookingID:   updated.ID,
				CancelledBy: passengerID,
			},
		})
	}
	s.appendEvent(ctx, updated.ID, domain.EventBookingCancelled, map[string]any{
		"cancelled_by": passengerID.String(),
	})
	return updated, nil
}

// SubmitReviewRequest is the payload for reviewing a completed booking.
type SubmitReviewRequest struct {
	BookingID  uuid.UUID
	ReviewerID uuid.UUID
	Rating     int
	Comment    string
}

// SubmitReview stores a review for a completed booking and refreshes
// the reviewee's aggregate rating. The reviewee is the other side of
// the booking.
func (s *Service) SubmitReview(ctx context.Context, req SubmitReviewRequest) (domain.Review, error) {
	booking, err := s.bookings.Get(ctx, req.BookingID)
	if err != nil {
		return domain.Review{}, err
	}
	if booking.Status != domain.StatusCompleted {
		return domain.Review{}, domain.ErrInvalidTransition
	}

	var revieweeID uuid.UUID
	switch {
	case req.ReviewerID == booking.PassengerID && booking.RiderID != nil:
		revieweeID = *booking.RiderID
	case booking.RiderID != nil && req.ReviewerID == *booking.RiderID:
		revieweeID = booking.PassengerID
	default:
		return domain.Review{}, domain.ErrUnauthorized
	}

	review, err := s.reviews.Create(ctx, domain.Review{
		ID:         uuid.New(),
		BookingID:  req.BookingID,
		ReviewerID: req.ReviewerID,
		RevieweeID: revieweeID,
		Rating:     req.Rating,
		Comment:    req.Comment,
		CreatedAt:  s.clock.Now(),
	})
	if err != nil {
		return domain.Review{}, err
	}

	if s.ratings != nil {
		if _, err := s.ratings.Recalculate(ctx, revieweeID); err != nil {
			s.logger.Warn("rating recalculation failed", zap.String("user_id", revieweeID.String()), zap.Error(err))
		}
	}
	return review, nil
}

// ListReviews returns reviews received by a user with their current
// average.
func (s *Service) ListReviews(ctx context.Context, userID uuid.UUID) ([]domain.Review, float64, error) {
	reviews, err := s.reviews.ListByReviewee(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	avg, count, err := s.reviews.AverageRating(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	if count == 0 {
		return reviews, 0, nil
	}
	return reviews, avg, nil
}

// ListNotifications returns the actor's notifications.
func (s *Service) ListNotifications(ctx context.Context, actorID uuid.UUID) ([]domain.Notification, error) {
	return s.notifications.ListByRecipient(ctx, actorID)
}

// UnreadNotifications counts the actor's unread notifications.
func (s *Service) UnreadNotifications(ctx context.Context, actorID uuid.UUID) (int, error) {
	return s.notifications.UnreadCount(ctx, actorID)
}

// MarkNotificationRead stamps one notification as read.
func (s *Service) MarkNotificationRead(ctx context.Context, id, actorID uuid.UUID) (domain.Notification, error) {
	return s.notifications.MarkRead(ctx, id, actorID, s.clock.Now())
}

// MarkAllNotificationsRead stamps every unread notification of the actor.
func (s *Service) MarkAllNotificationsRead(ctx context.Context, actorID uuid.UUID) error {
	return s.notifications.MarkAllRead(ctx, actorID, s.clock.Now())
}

// UpdateLocation stores the actor's current coordinate.
func (s *Service) UpdateLocation(ctx context.Context, actorID uuid.UUID, loc geo.Coordinate) error {
	return s.directory.UpdateLocation(ctx, actorID, loc, s.clock.Now())
}

// SetOnline flips the actor's presence flag.
func (s *Service) SetOnline(ctx context.Context, actorID uuid.UUID, online bool) error {
	return s.directory.SetOnline(ctx, actorID, online)
}

// NearbyRiders exposes the directory search for the discovery endpoint.
func (s *Service) NearbyRiders(ctx context.Context, origin geo.Coordinate, radiusKM float64, limit int) ([]domain.RiderDistance, error) {
	if radiusKM <= 0 {
		radiusKM = matching.DefaultRadiusKM
	}
	return s.directory.NearbyRiders(ctx, origin, radiusKM, limit)
}

func (s *Service) advance(ctx context.Context, bookingID, riderID uuid.UUID, next domain.BookingStatus, event domain.BookingEventType) (domain.Booking, domain.User, error) {
	booking, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, domain.User{}, err
	}
	if booking.RiderID == nil || *booking.RiderID != riderID {
		return domain.Booking{}, domain.User{}, domain.ErrUnauthorized
	}
	if !booking.Status.CanTransitionTo(next) {
		return domain.Booking{}, domain.User{}, domain.ErrInvalidTransition
	}

	booking.Status = next
	updated, err := s.bookings.Update(ctx, booking)
	if err != nil {
		return domain.Booking{}, domain.User{}, err
	}

	rider, err := s.directory.Get(ctx, riderID)
	if err != nil {
		rider = domain.User{ID: riderID}
	}
	s.appendEvent(ctx, updated.ID, event, map[string]any{"rider_id": riderID.String()})
	return updated, rider, nil
}

// notifyUser persists a notification then attempts push delivery.
// Failures are logged, never returned; booking state does not depend on
// delivery.
func (s *Service) notifyUser(ctx context.Context, n domain.Notification) {
	n.ID = uuid.New()
	n.SentAt = s.clock.Now()
	stored, err := s.notifications.Create(ctx, n)
	if err != nil {
		s.logger.Warn("persist notification failed", zap.String("booking_id", n.BookingID.String()), zap.Error(err))
		return
	}
	if s.push == nil {
		return
	}
	if err := s.push.Send(ctx, stored); err != nil {
		s.logger.Warn("push delivery failed",
			zap.String("notification_id", stored.ID.String()),
			zap.String("recipient_id", stored.RecipientID.String()),
			zap.Error(err))
		return
	}
	if err := s.notifications.MarkDelivered(ctx, stored.ID); err != nil {
		s.logger.Warn("mark delivered failed", zap.String("notification_id", stored.ID.String()), zap.Error(err))
	}
}

func (s *Service) appendEvent(ctx context.Context, bookingID uuid.UUID, eventType domain.BookingEventType, payload map[string]any) {
	event := domain.BookingEvent{
		BookingID: bookingID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: s.clock.Now(),
	}
	if err := s.bookings.AppendEvent(ctx, event); err != nil {
		s.logger.Warn("append event failed", zap.String("booking_id", bookingID.String()), zap.Error(err))
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, event); err != nil {
			s.logger.Warn("publish event failed", zap.String("booking_id", bookingID.String()), zap.Error(err))
		}
	}
}
