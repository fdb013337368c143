package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/motoride/internal/booking/domain"
	"github.com/example/motoride/internal/booking/matching"
	"github.com/example/motoride/internal/geo"
)

// DeliveryResult records the outcome of one candidate notification.
type DeliveryResult struct {
	RiderID        uuid.UUID
	NotificationID uuid.UUID
	Delivered      bool
}

// Result summarizes a dispatch run.
type Result struct {
	Booking    domain.Booking
	Deliveries []DeliveryResult
}

// Dispatcher fans a booking request out to candidate riders. Each
// candidate gets a persisted notification record first, then a push
// attempt; a failed push is logged and recorded, never propagated, so
// one broken recipient cannot block the rest. After all attempts the
// booking moves pending -> notified regardless of delivery outcomes.
type Dispatcher struct {
	bookings      domain.BookingRepository
	notifications domain.NotificationRepository
	push          domain.PushSender
	clock         domain.Clock
	logger        *zap.Logger
}

// NewDispatcher constructs the dispatcher.
func NewDispatcher(bookings domain.BookingRepository, notifications domain.NotificationRepository, push domain.PushSender, clock domain.Clock, logger *zap.Logger) *Dispatcher {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{bookings: bookings, notifications: notifications, push: push, clock: clock, logger: logger}
}

// Notify runs the fan-out for one booking. With no candidates the
// booking stays pending and nothing is written.
func (d *Dispatcher) Notify(ctx context.Context, booking domain.Booking, passenger domain.User, candidates []matching.Candidate) (Result, error) {
	if len(candidates) == 0 {
		d.logger.Info("no candidates for booking", zap.String("booking_id", booking.ID.String()))
		return Result{Booking: booking}, nil
	}

	now := d.clock.Now()
	deliveries := make([]DeliveryResult, 0, len(candidates))
	for _, c := range candidates {
		distance := geo.RoundKM(c.DistanceKM)
		n := domain.Notification{
			ID:          uuid.New(),
			BookingID:   booking.ID,
			RecipientID: c.Rider.ID,
			Type:        domain.NotificationBookingRequest,
			Title:       "New Booking Request",
			Message:     fmt.Sprintf("Pickup at %s, %.1f km away", booking.PickupAddress, distance),
			Data: domain.BookingRequestData{
				BookingID:       booking.ID,
				PassengerName:   passenger.Name,
				PassengerRating: passenger.Rating,
				PickupAddress:   booking.PickupAddress,
				DistanceKM:      distance,
				EstimatedFare:   booking.EstimatedFare,
			},
			SentAt: now,
		}
		stored, err := d.notifications.Create(ctx, n)
		if err != nil {
			return Result{}, fmt.Errorf("persist notification: %w", err)
		}

		delivered := true
		if err := d.push.Send(ctx, stored); err != nil {
			delivered = false
			d.logger.Warn("push delivery failed",
				zap.String("booking_id", booking.ID.String()),
				zap.String("rider_id", c.Rider.ID.String()),
				zap.Error(err))
		} else if err := d.notifications.MarkDelivered(ctx, stored.ID); err != nil {
			d.logger.Warn("mark delivered failed",
				zap.String("notification_id", stored.ID.String()),
				zap.Error(err))
		}
		deliveries = append(deliveries, DeliveryResult{
			RiderID:        c.Rider.ID,
			NotificationID: stored.ID,
			Delivered:      delivered,
		})
	}

	updated, err := d.bookings.MarkNotified(ctx, booking.ID)
	if err != nil {
		return Result{}, fmt.Errorf("mark notified: %w", err)
	}
	return Result{Booking: updated, Deliveries: deliveries}, nil
}
