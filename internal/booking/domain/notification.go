package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotificationType tags the fixed payload schema carried by a
// notification. Each type owns exactly one Data shape.
type NotificationType string

const (
	NotificationBookingRequest   NotificationType = "booking_request"
	NotificationBookingAccepted  NotificationType = "booking_accepted"
	NotificationRiderArriving    NotificationType = "rider_arriving"
	NotificationRideCompleted    NotificationType = "ride_completed"
	NotificationBookingCancelled NotificationType = "booking_cancelled"
)

// NotificationData is the closed set of per-type payloads.
type NotificationData interface {
	notificationData()
}

// BookingRequestData is sent to candidate riders during dispatch.
type BookingRequestData struct {
	BookingID       uuid.UUID `json:"booking_id"`
	PassengerName   string    `json:"passenger_name"`
	PassengerRating float64   `json:"passenger_rating"`
	PickupAddress   string    `json:"pickup_address"`
	DistanceKM      float64   `json:"distance_km"`
	EstimatedFare   *float64  `json:"estimated_fare"`
}

// BookingAcceptedData is sent to the passenger when a rider wins accept.
type BookingAcceptedData struct {
	RiderID     uuid.UUID `json:"rider_id"`
	RiderName   string    `json:"rider_name"`
	RiderRating float64   `json:"rider_rating"`
	RiderPhone  string    `json:"rider_phone"`
}

// RiderArrivingData is sent to the passenger when the rider heads over.
type RiderArrivingData struct {
	BookingID uuid.UUID `json:"booking_id"`
	RiderName string    `json:"rider_name"`
}

// RideCompletedData is sent to the passenger on completion.
type RideCompletedData struct {
	BookingID  uuid.UUID `json:"booking_id"`
	ActualFare float64   `json:"actual_fare"`
}

// BookingCancelledData is sent to an assigned rider when the passenger
// cancels.
type BookingCancelledData struct {
	BookingID   uuid.UUID `json:"booking_id"`
	CancelledBy uuid.UUID `json:"cancelled_by"`
}

func (BookingRequestData) notificationData()   {}
func (BookingAcceptedData) notificationData()  {}
func (RiderArrivingData) notificationData()    {}
func (RideCompletedData) notificationData()    {}
func (BookingCancelledData) notificationData() {}

// Notification records a message to a recipient. The record is the
// source of truth for read state; Delivered tracks whether the push
// transport attempt succeeded.
type Notification struct {
	ID          uuid.UUID        `json:"id"`
	BookingID   uuid.UUID        `json:"booking_id"`
	RecipientID uuid.UUID        `json:"recipient_id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	Data        NotificationData `json:"data,omitempty"`
	SentAt      time.Time        `json:"sent_at"`
	ReadAt      *time.Time       `json:"read_at,omitempty"`
	Delivered   bool             `json:"is_sent"`
}

// UnmarshalJSON decodes Data into the concrete payload named by Type.
func (n *Notification) UnmarshalJSON(b []byte) error {
	type alias Notification
	aux := struct {
		*alias
		Data json.RawMessage `json:"data"`
	}{alias: (*alias)(n)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if len(aux.Data) == 0 || string(aux.Data) == "null" {
		n.Data = nil
		return nil
	}
	data, err := decodeNotificationData(n.Type, aux.Data)
	if err != nil {
		return err
	}
	n.Data = data
	return nil
}

func decodeNotificationData(t NotificationType, raw json.RawMessage) (NotificationData, error) {
	switch t {
	case NotificationBookingRequest:
		var d BookingRequestData
		return d, json.Unmarshal(raw, &d)
	case NotificationBookingAccepted:
		var d BookingAcceptedData
		return d, json.Unmarshal(raw, &d)
	case NotificationRiderArriving:
		var d RiderArrivingData
		return d, json.Unmarshal(raw, &d)
	case NotificationRideCompleted:
		var d RideCompletedData
		return d, json.Unmarshal(raw, &d)
	case NotificationBookingCancelled:
		var d BookingCancelledData
		return d, json.Unmarshal(raw, &d)
	default:
		return nil, fmt.Errorf("unknown notification type %q", t)
	}
}
