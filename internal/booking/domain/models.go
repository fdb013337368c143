package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/motoride/internal/geo"
)

// BookingStatus enumerates the booking lifecycle.
type BookingStatus string

const (
	StatusPending       BookingStatus = "pending"
	StatusNotified      BookingStatus = "notified"
	StatusAccepted      BookingStatus = "accepted"
	StatusRiderArriving BookingStatus = "rider_arriving"
	StatusRiderArrived  BookingStatus = "rider_arrived"
	StatusInTransit     BookingStatus = "in_transit"
	StatusCompleted     BookingStatus = "completed"
	StatusCancelled     BookingStatus = "cancelled"
)

var ErrNotFound = errors.New("entity not found")
var ErrInvalidTransition = errors.New("invalid booking state transition")
var ErrConcurrencyConflict = errors.New("booking was claimed concurrently")
var ErrUnauthorized = errors.New("actor not permitted for this action")
var ErrAlreadyReviewed = errors.New("booking already reviewed by this user")

var allowedTransitions = map[BookingStatus][]BookingStatus{
	StatusPending:       {StatusNotified, StatusCancelled},
	StatusNotified:      {StatusAccepted, StatusCancelled},
	StatusAccepted:      {StatusRiderArriving, StatusCancelled},
	StatusRiderArriving: {StatusRiderArrived, StatusCancelled},
	StatusRiderArrived:  {StatusInTransit, StatusCancelled},
	StatusInTransit:     {StatusCompleted, StatusCancelled},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Engaging reports whether a rider assigned to a booking in this status
// counts as engaged and must be excluded from matching.
func (s BookingStatus) Engaging() bool {
	switch s {
	case StatusAccepted, StatusRiderArriving, StatusRiderArrived, StatusInTransit:
		return true
	default:
		return false
	}
}

// Role distinguishes the two sides of a booking.
type Role string

const (
	RolePassenger Role = "passenger"
	RoleRider     Role = "rider"
)

// VehicleTypes lists the accepted vehicle_type values on creation.
var VehicleTypes = []string{"motorcycle"}

// Booking is the aggregate owned by this engine. RiderID is nil until a
// rider wins the accept race; EstimatedFare is nil when the dropoff was
// unknown at creation.
type Booking struct {
	ID                  uuid.UUID       `json:"id"`
	PassengerID         uuid.UUID       `json:"passenger_id"`
	RiderID             *uuid.UUID      `json:"rider_id,omitempty"`
	Pickup              geo.Coordinate  `json:"pickup"`
	PickupAddress       string          `json:"pickup_address"`
	Dropoff             *geo.Coordinate `json:"dropoff,omitempty"`
	DropoffAddress      string          `json:"dropoff_address,omitempty"`
	VehicleType         string          `json:"vehicle_type"`
	Status              BookingStatus   `json:"status"`
	BookingTime         time.Time       `json:"booking_time"`
	AcceptedTime        *time.Time      `json:"accepted_time,omitempty"`
	CompletedTime       *time.Time      `json:"completed_time,omitempty"`
	EstimatedFare       *float64        `json:"estimated_fare,omitempty"`
	ActualFare          *float64        `json:"actual_fare,omitempty"`
	SpecialInstructions string          `json:"special_instructions,omitempty"`
	CancellationCount   int             `json:"cancellation_count"`
	Version             int64           `json:"-"`
}

// User is the directory view of a passenger or rider. For riders the
// coordinate and online flag drive matching.
type User struct {
	ID                 uuid.UUID      `json:"id"`
	Name               string         `json:"name"`
	PhoneNumber        string         `json:"phone_number,omitempty"`
	Role               Role           `json:"role"`
	Location           geo.Coordinate `json:"location"`
	LastLocationUpdate time.Time      `json:"last_location_update"`
	Online             bool           `json:"is_online"`
	Rating             float64        `json:"rating"`
	TotalRides         int            `json:"total_rides"`
}

// Review is immutable after creation; at most one exists per
// (booking, reviewer) pair.
type Review struct {
	ID         uuid.UUID `json:"id"`
	BookingID  uuid.UUID `json:"booking_id"`
	ReviewerID uuid.UUID `json:"reviewer_id"`
	RevieweeID uuid.UUID `json:"reviewee_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// BookingEventType tags lifecycle events emitted to the event stream.
type BookingEventType string

const (
	EventBookingRequested BookingEventType = "BookingRequested"
	EventRidersNotified   BookingEventType = "RidersNotified"
	EventBookingAccepted  BookingEventType = "BookingAccepted"
	EventRiderArriving    BookingEventType = "RiderArriving"
	EventRiderArrived     BookingEventType = "RiderArrived"
	EventRideStarted      BookingEventType = "RideStarted"
	EventRideCompleted    BookingEventType = "RideCompleted"
	EventBookingCancelled BookingEventType = "BookingCancelled"
)

// BookingEvent is an append-only record of a lifecycle transition.
type BookingEvent struct {
	ID        int64            `json:"id"`
	BookingID uuid.UUID        `json:"booking_id"`
	Type      BookingEventType `json:"type"`
	Payload   map[string]any   `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// BookingRepository persists bookings and their events.
//
// Accept must be a single atomic conditional update: the transition from
// status=notified with no rider to status=accepted with rider set either
// fully applies or fully fails. Under concurrent accepts on the same
// booking exactly one caller wins; losers get ErrConcurrencyConflict when
// the booking reached accepted and ErrInvalidTransition otherwise.
//
// Update performs optimistic locking on Version and returns
// ErrConcurrencyConflict when the stored version moved.
type BookingRepository interface {
	Create(ctx context.Context, b Booking) (Booking, error)
	Get(ctx context.Context, id uuid.UUID) (Booking, error)
	ListByPassenger(ctx context.Context, passengerID uuid.UUID) ([]Booking, error)
	ListByRider(ctx context.Context, riderID uuid.UUID) ([]Booking, error)
	Accept(ctx context.Context, id, riderID uuid.UUID, at time.Time) (Booking, error)
	Update(ctx context.Context, b Booking) (Booking, error)
	MarkNotified(ctx context.Context, id uuid.UUID) (Booking, error)
	EngagedRiderIDs(ctx context.Context) (map[uuid.UUID]struct{}, error)
	AppendEvent(ctx context.Context, event BookingEvent) error
}

// NotificationRepository persists notification records and their
// read/delivery state.
type NotificationRepository interface {
	Create(ctx context.Context, n Notification) (Notification, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (Notification, error)
	MarkAllRead(ctx context.Context, recipientID uuid.UUID, at time.Time) error
	ListByRecipient(ctx context.Context, recipientID uuid.UUID) ([]Notification, error)
	UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error)
}

// ReviewRepository persists reviews. Create returns ErrAlreadyReviewed
// when the (booking, reviewer) pair already has one.
type ReviewRepository interface {
	Create(ctx context.Context, r Review) (Review, error)
	ListByReviewee(ctx context.Context, revieweeID uuid.UUID) ([]Review, error)
	AverageRating(ctx context.Context, revieweeID uuid.UUID) (float64, int, error)
}

// UserDirectory is the queryable owner of user presence, location and
// rating state. NearbyRiders returns online riders within radiusKM of
// origin with their distance; limit <= 0 means no limit. Reads may be
// slightly stale with respect to concurrent location updates.
type UserDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (User, error)
	Upsert(ctx context.Context, u User) error
	UpdateLocation(ctx context.Context, id uuid.UUID, loc geo.Coordinate, at time.Time) error
	SetOnline(ctx context.Context, id uuid.UUID, online bool) error
	UpdateRating(ctx context.Context, id uuid.UUID, rating float64) error
	NearbyRiders(ctx context.Context, origin geo.Coordinate, radiusKM float64, limit int) ([]RiderDistance, error)
}

// RiderDistance pairs a rider with its distance to a query origin.
type RiderDistance struct {
	Rider      User
	DistanceKM float64
}

// PushSender delivers a notification to its recipient out of band.
// Delivery failure never affects booking state.
type PushSender interface {
	Send(ctx context.Context, n Notification) error
}

// EventPublisher emits booking events to the event stream.
type EventPublisher interface {
	Publish(ctx context.Context, event BookingEvent) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
