package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/example/motoride/internal/auth"
	"github.com/example/motoride/internal/booking/domain"
	"github.com/example/motoride/internal/booking/service"
	"github.com/example/motoride/internal/geo"
)

// HTTP exposes the booking API.
type HTTP struct {
	svc *service.Service
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service) *HTTP {
	return &HTTP{svc: svc}
}

// Router builds the chi router with all endpoints and middlewares. The
// caller wires auth in front; every route expects claims in context.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Route("/v1/bookings", func(r chi.Router) {
		r.Post("/", h.createBooking)
		r.Get("/", h.listBookings)
		r.Get("/{id}", h.getBooking)
		r.Post("/{id}/accept", h.acceptBooking)
		r.Post("/{id}/cancel", h.cancelBooking)
		r.Post("/{id}/arriving", h.markArriving)
		r.Post("/{id}/arrived", h.markArrived)
		r.Post("/{id}/start", h.startRide)
		r.Post("/{id}/complete", h.completeRide)
	})

	r.Post("/v1/reviews", h.submitReview)
	r.Get("/v1/users/{id}/reviews", h.listReviews)

	r.Route("/v1/notifications", func(r chi.Router) {
		r.Get("/", h.listNotifications)
		r.Get("/unread-count", h.unreadCount)
		r.Post("/{id}/read", h.markNotificationRead)
		r.Post("/read-all", h.markAllNotificationsRead)
	})

	r.Post("/v1/location", h.updateLocation)
	r.Post("/v1/presence/online", h.goOnline)
	r.Post("/v1/presence/offline", h.goOffline)
	r.Get("/v1/riders/nearby", h.nearbyRiders)

	return r
}

func actorID(r *http.Request) (uuid.UUID, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return uuid.Nil, false
	}
	id, err := claims.UserID()
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

type createBookingRequest struct {
	Pickup              *geo.Coordinate `json:"pickup"`
	PickupAddress       string          `json:"pickup_address"`
	Dropoff             *geo.Coordinate `json:"dropoff"`
	DropoffAddress      string          `json:"dropoff_address"`
	VehicleType         string          `json:"vehicle_type"`
	SpecialInstructions string          `json:"special_instructions"`
}

func validCoordinate(c geo.Coordinate) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func (p createBookingRequest) validate() string {
	if p.Pickup == nil {
		return "pickup is required"
	}
	if !validCoordinate(*p.Pickup) {
		return "pickup coordinate out of range"
	}
	if p.PickupAddress == "" {
		return "pickup_address is required"
	}
	if p.Dropoff != nil && !validCoordinate(*p.Dropoff) {
		return "dropoff coordinate out of range"
	}
	// dropoff coordinates and address travel together
	if p.Dropoff == nil && p.DropoffAddress != "" {
		return "dropoff_address requires dropoff coordinates"
	}
	if p.Dropoff != nil && p.DropoffAddress == "" {
		return "dropoff requires dropoff_address"
	}
	if p.VehicleType != "" {
		for _, vt := range domain.VehicleTypes {
			if vt == p.VehicleType {
				return ""
			}
		}
		return "unsupported vehicle_type"
	}
	return ""
}

func (h *HTTP) createBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var payload createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg := payload.validate(); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	vehicleType := payload.VehicleType
	if vehicleType == "" {
		vehicleType = domain.VehicleTypes[0]
	}

	resp, err := h.svc.CreateBooking(r.Context(), r.Header.Get("Idempotency-Key"), service.CreateBookingRequest{
		PassengerID:         actor,
		Pickup:              *payload.Pickup,
		PickupAddress:       payload.PickupAddress,
		Dropoff:             payload.Dropoff,
		DropoffAddress:      payload.DropoffAddress,
		VehicleType:         vehicleType,
		SpecialInstructions: payload.SpecialInstructions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *HTTP) listBookings(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	bookings, err := h.svc.ListBookings(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (h *HTTP) getBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	booking, err := h.svc.GetBooking(r.Context(), id, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

type lifecycleFunc func(r *http.Request, bookingID, actor uuid.UUID) (domain.Booking, error)

func (h *HTTP) lifecycle(next lifecycleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorID(r)
		if !ok {
			http.Error(w, "missing identity", http.StatusUnauthorized)
			return
		}
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		booking, err := next(r, id, actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, booking)
	}
}

// acceptBooking responds with the booking plus both participants so the
// winning rider has the passenger's details in hand immediately.
func (h *HTTP) acceptBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	resp, err := h.svc.AcceptBooking(r.Context(), id, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTP) cancelBooking(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(func(r *http.Request, id, actor uuid.UUID) (domain.Booking, error) {
		return h.svc.CancelBooking(r.Context(), id, actor)
	})(w, r)
}

func (h *HTTP) markArriving(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(func(r *http.Request, id, actor uuid.UUID) (domain.Booking, error) {
		return h.svc.MarkArriving(r.Context(), id, actor)
	})(w, r)
}

func (h *HTTP) markArrived(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(func(r *http.Request, id, actor uuid.UUID) (domain.Booking, error) {
		return h.svc.MarkArrived(r.Context(), id, actor)
	})(w, r)
}

func (h *HTTP) startRide(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(func(r *http.Request, id, actor uuid.UUID) (domain.Booking, error) {
		return h.svc.StartRide(r.Context(), id, actor)
	})(w, r)
}

func (h *HTTP) completeRide(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(func(r *http.Request, id, actor uuid.UUID) (domain.Booking, error) {
		return h.svc.CompleteRide(r.Context(), id, actor)
	})(w, r)
}

type submitReviewRequest struct {
	BookingID string `json:"booking_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
}

func (h *HTTP) submitReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var payload submitReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bookingID, err := uuid.Parse(payload.BookingID)
	if err != nil {
		http.Error(w, "invalid booking_id", http.StatusBadRequest)
		return
	}
	if payload.Rating < 1 || payload.Rating > 5 {
		http.Error(w, "rating must be between 1 and 5", http.StatusBadRequest)
		return
	}
	review, err := h.svc.SubmitReview(r.Context(), service.SubmitReviewRequest{
		BookingID:  bookingID,
		ReviewerID: actor,
		Rating:     payload.Rating,
		Comment:    payload.Comment,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (h *HTTP) listReviews(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	reviews, avg, err := h.svc.ListReviews(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews, "average_rating": avg})
}

func (h *HTTP) listNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	notifications, err := h.svc.ListNotifications(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

func (h *HTTP) unreadCount(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	count, err := h.svc.UnreadNotifications(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread_count": count})
}

func (h *HTTP) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	n, err := h.svc.MarkNotificationRead(r.Context(), id, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *HTTP) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	if err := h.svc.MarkAllNotificationsRead(r.Context(), actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *HTTP) updateLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var payload geo.Coordinate
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !validCoordinate(payload) {
		http.Error(w, "coordinate out of range", http.StatusBadRequest)
		return
	}
	if err := h.svc.UpdateLocation(r.Context(), actor, payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *HTTP) goOnline(w http.ResponseWriter, r *http.Request)  { h.setPresence(w, r, true) }
func (h *HTTP) goOffline(w http.ResponseWriter, r *http.Request) { h.setPresence(w, r, false) }

func (h *HTTP) setPresence(w http.ResponseWriter, r *http.Request, online bool) {
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	if err := h.svc.SetOnline(r.Context(), actor, online); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"is_online": online})
}

func (h *HTTP) nearbyRiders(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	origin := geo.Coordinate{Lat: lat, Lng: lng}
	if !validCoordinate(origin) {
		http.Error(w, "coordinate out of range", http.StatusBadRequest)
		return
	}
	radiusKM := 0.0
	if raw := r.URL.Query().Get("radius_km"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			http.Error(w, "invalid radius_km", http.StatusBadRequest)
			return
		}
		radiusKM = v
	}
	riders, err := h.svc.NearbyRiders(r.Context(), origin, radiusKM, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	type nearbyRider struct {
		Rider      domain.User `json:"rider"`
		DistanceKM float64     `json:"distance_km"`
	}
	out := make([]nearbyRider, 0, len(riders))
	for _, rd := range riders {
		out = append(out, nearbyRider{Rider: rd.Rider, DistanceKM: geo.RoundKM(rd.DistanceKM)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"riders": out})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrConcurrencyConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrAlreadyReviewed):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
