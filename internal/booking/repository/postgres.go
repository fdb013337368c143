package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/motoride/internal/booking/domain"
	"github.com/example/motoride/internal/geo"
)

// Schema creates the tables the Postgres repository relies on. Applied
// by the service binary when MIGRATE=true.
const Schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id UUID PRIMARY KEY,
	passenger_id UUID NOT NULL,
	rider_id UUID,
	pickup_lat DOUBLE PRECISION NOT NULL,
	pickup_lng DOUBLE PRECISION NOT NULL,
	pickup_address TEXT NOT NULL,
	dropoff_lat DOUBLE PRECISION,
	dropoff_lng DOUBLE PRECISION,
	dropoff_address TEXT,
	vehicle_type TEXT NOT NULL,
	status TEXT NOT NULL,
	booking_time TIMESTAMPTZ NOT NULL,
	accepted_time TIMESTAMPTZ,
	completed_time TIMESTAMPTZ,
	estimated_fare DOUBLE PRECISION,
	actual_fare DOUBLE PRECISION,
	special_instructions TEXT,
	cancellation_count INT NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS bookings_passenger_idx ON bookings (passenger_id);
CREATE INDEX IF NOT EXISTS bookings_rider_idx ON bookings (rider_id);
CREATE TABLE IF NOT EXISTS booking_outbox (
	id SERIAL PRIMARY KEY,
	subject TEXT NOT NULL,
	payload BYTEA NOT NULL,
	published BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const bookingColumns = `id, passenger_id, rider_id, pickup_lat, pickup_lng, pickup_address,
dropoff_lat, dropoff_lng, dropoff_address, vehicle_type, status, booking_time,
accepted_time, completed_time, estimated_fare, actual_fare, special_instructions,
cancellation_count, version`

// PostgresRepository persists bookings in Postgres. Accept and Update are
// conditional UPDATEs guarded by status/version predicates; the
// rows-affected count decides who won.
type PostgresRepository struct {
	db      *sql.DB
	subject string
}

// NewPostgresRepository wraps an open database handle. Events appended
// here land in the booking_outbox table under the given NATS subject.
func NewPostgresRepository(db *sql.DB, eventSubject string) *PostgresRepository {
	if eventSubject == "" {
		eventSubject = "booking.events"
	}
	return &PostgresRepository{db: db, subject: eventSubject}
}

// EnsureSchema applies the DDL.
func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

// Create inserts a new booking row.
func (p *PostgresRepository) Create(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	if b.Version == 0 {
		b.Version = 1
	}
	var dropLat, dropLng *float64
	if b.Dropoff != nil {
		dropLat, dropLng = &b.Dropoff.Lat, &b.Dropoff.Lng
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		b.ID, b.PassengerID, uuidPtr(b.RiderID), b.Pickup.Lat, b.Pickup.Lng, b.PickupAddress,
		dropLat, dropLng, nullString(b.DropoffAddress), b.VehicleType, string(b.Status), b.BookingTime,
		b.AcceptedTime, b.CompletedTime, b.EstimatedFare, b.ActualFare, nullString(b.SpecialInstructions),
		b.CancellationCount, b.Version)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("insert booking: %w", err)
	}
	return b, nil
}

// Get loads a booking by id.
func (p *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

// ListByPassenger returns the passenger's bookings, newest first.
func (p *PostgresRepository) ListByPassenger(ctx context.Context, passengerID uuid.UUID) ([]domain.Booking, error) {
	return p.list(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE passenger_id = $1 ORDER BY booking_time DESC`, passengerID)
}

// ListByRider returns the rider's bookings, newest first.
func (p *PostgresRepository) ListByRider(ctx context.Context, riderID uuid.UUID) ([]domain.Booking, error) {
	return p.list(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE rider_id = $1 ORDER BY booking_time DESC`, riderID)
}

func (p *PostgresRepository) list(ctx context.Context, query string, arg any) ([]domain.Booking, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("select bookings: %w", err)
	}
	defer rows.Close()
	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Accept performs the atomic accept as a single conditional UPDATE. The
// WHERE clause is the precondition; zero rows affected means another
// writer moved the booking first, and a re-read classifies the loss.
func (p *PostgresRepository) Accept(ctx context.Context, id, riderID uuid.UUID, at time.Time) (domain.Booking, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE bookings
		SET rider_id = $1, status = $2, accepted_time = $3, version = version + 1
		WHERE id = $4 AND status = $5 AND rider_id IS NULL`,
		riderID, string(domain.StatusAccepted), at, id, string(domain.StatusNotified))
	if err != nil {
		return domain.Booking{}, fmt.Errorf("accept booking: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Booking{}, fmt.Errorf("accept booking: %w", err)
	}
	if affected == 1 {
		return p.Get(ctx, id)
	}
	current, err := p.Get(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if current.Status == domain.StatusAccepted && current.RiderID != nil {
		return domain.Booking{}, domain.ErrConcurrencyConflict
	}
	return domain.Booking{}, domain.ErrInvalidTransition
}

// Update writes the booking back guarded by its version.
func (p *PostgresRepository) Update(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	var dropLat, dropLng *float64
	if b.Dropoff != nil {
		dropLat, dropLng = &b.Dropoff.Lat, &b.Dropoff.Lng
	}
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET
		rider_id = $1, status = $2, accepted_time = $3, completed_time = $4,
		estimated_fare = $5, actual_fare = $6, cancellation_count = $7,
		dropoff_lat = $8, dropoff_lng = $9, dropoff_address = $10,
		version = version + 1
		WHERE id = $11 AND version = $12`,
		uuidPtr(b.RiderID), string(b.Status), b.AcceptedTime, b.CompletedTime,
		b.EstimatedFare, b.ActualFare, b.CancellationCount,
		dropLat, dropLng, nullString(b.DropoffAddress),
		b.ID, b.Version)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("update booking: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Booking{}, fmt.Errorf("update booking: %w", err)
	}
	if affected == 0 {
		if _, getErr := p.Get(ctx, b.ID); errors.Is(getErr, domain.ErrNotFound) {
			return domain.Booking{}, domain.ErrNotFound
		}
		return domain.Booking{}, domain.ErrConcurrencyConflict
	}
	b.Version++
	return b, nil
}

// MarkNotified moves pending -> notified; anything later is a no-op.
func (p *PostgresRepository) MarkNotified(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	_, err := p.db.ExecContext(ctx, `UPDATE bookings
		SET status = $1, version = version + 1
		WHERE id = $2 AND status = $3`,
		string(domain.StatusNotified), id, string(domain.StatusPending))
	if err != nil {
		return domain.Booking{}, fmt.Errorf("mark notified: %w", err)
	}
	return p.Get(ctx, id)
}

// EngagedRiderIDs returns riders holding an active post-acceptance booking.
func (p *PostgresRepository) EngagedRiderIDs(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT rider_id FROM bookings
		WHERE rider_id IS NOT NULL AND status = ANY($1)`,
		engagedStatuses())
	if err != nil {
		return nil, fmt.Errorf("select engaged riders: %w", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan engaged rider: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// AppendEvent writes the event into the outbox for the worker to publish.
func (p *PostgresRepository) AppendEvent(ctx context.Context, event domain.BookingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `INSERT INTO booking_outbox (subject, payload, published) VALUES ($1, $2, false)`, p.subject, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (domain.Booking, error) {
	var b domain.Booking
	var riderID sql.NullString
	var dropLat, dropLng sql.NullFloat64
	var dropAddr, instructions sql.NullString
	var acceptedAt, completedAt sql.NullTime
	var estimated, actual sql.NullFloat64
	var status string

	err := row.Scan(&b.ID, &b.PassengerID, &riderID, &b.Pickup.Lat, &b.Pickup.Lng, &b.PickupAddress,
		&dropLat, &dropLng, &dropAddr, &b.VehicleType, &status, &b.BookingTime,
		&acceptedAt, &completedAt, &estimated, &actual, &instructions,
		&b.CancellationCount, &b.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Booking{}, fmt.Errorf("scan booking: %w", err)
	}

	b.Status = domain.BookingStatus(status)
	if riderID.Valid {
		id, err := uuid.Parse(riderID.String)
		if err != nil {
			return domain.Booking{}, fmt.Errorf("parse rider id: %w", err)
		}
		b.RiderID = &id
	}
	if dropLat.Valid && dropLng.Valid {
		b.Dropoff = &geo.Coordinate{Lat: dropLat.Float64, Lng: dropLng.Float64}
	}
	if dropAddr.Valid {
		b.DropoffAddress = dropAddr.String
	}
	if instructions.Valid {
		b.SpecialInstructions = instructions.String
	}
	b.AcceptedTime = timePtr(acceptedAt)
	b.CompletedTime = timePtr(completedAt)
	b.EstimatedFare = floatPtr(estimated)
	b.ActualFare = floatPtr(actual)
	return b, nil
}

func engagedStatuses() []string {
	return []string{
		string(domain.StatusAccepted),
		string(domain.StatusRiderArriving),
		string(domain.StatusRiderArrived),
		string(domain.StatusInTransit),
	}
}

func uuidPtr(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
