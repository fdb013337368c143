package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/motoride/internal/booking/domain"
	"github.com/example/motoride/internal/geo"
)

const (
	defaultGeoKey     = "rider:locs"
	defaultUserPrefix = "user:"
)

var errInvalidGeoResult = errors.New("invalid geo search result")

// RedisDirectory stores user metadata in hashes and rider coordinates in
// a Redis GEO set so NearbyRiders is a single GEOSEARCH.
type RedisDirectory struct {
	client     redis.Cmdable
	geoKey     string
	userPrefix string
}

// NewRedisDirectory constructs a Redis-backed directory.
func NewRedisDirectory(client redis.Cmdable, geoKey, userPrefix string) *RedisDirectory {
	if geoKey == "" {
		geoKey = defaultGeoKey
	}
	if userPrefix == "" {
		userPrefix = defaultUserPrefix
	}
	return &RedisDirectory{client: client, geoKey: geoKey, userPrefix: userPrefix}
}

func (r *RedisDirectory) userKey(id uuid.UUID) string {
	return r.userPrefix + id.String()
}

// Get loads the user hash.
func (r *RedisDirectory) Get(ctx context.Context, id uuid.UUID) (domain.User, error) {
	fields, err := r.client.HGetAll(ctx, r.userKey(id)).Result()
	if err != nil {
		return domain.User{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return domain.User{}, domain.ErrNotFound
	}
	return userFromFields(id, fields)
}

// Upsert writes the full user hash and indexes rider coordinates.
func (r *RedisDirectory) Upsert(ctx context.Context, u domain.User) error {
	fields := map[string]any{
		"name":        u.Name,
		"phone":       u.PhoneNumber,
		"role":        string(u.Role),
		"lat":         formatFloat(u.Location.Lat),
		"lng":         formatFloat(u.Location.Lng),
		"online":      strconv.FormatBool(u.Online),
		"rating":      formatFloat(u.Rating),
		"total_rides": strconv.Itoa(u.TotalRides),
		"updated_at":  u.LastLocationUpdate.UTC().Format(time.RFC3339Nano),
	}
	if err := r.client.HSet(ctx, r.userKey(u.ID), fields).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	if u.Role == domain.RoleRider {
		return r.indexLocation(ctx, u.ID, u.Location)
	}
	return nil
}

// UpdateLocation refreshes the coordinate fields and the GEO entry.
func (r *RedisDirectory) UpdateLocation(ctx context.Context, id uuid.UUID, loc geo.Coordinate, at time.Time) error {
	exists, err := r.client.Exists(ctx, r.userKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return domain.ErrNotFound
	}
	fields := map[string]any{
		"lat":        formatFloat(loc.Lat),
		"lng":        formatFloat(loc.Lng),
		"updated_at": at.UTC().Format(time.RFC3339Nano),
	}
	if err := r.client.HSet(ctx, r.userKey(id), fields).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return r.indexLocation(ctx, id, loc)
}

// SetOnline flips presence. Going offline removes the rider from the GEO
// set so it can never come back from a search.
func (r *RedisDirectory) SetOnline(ctx context.Context, id uuid.UUID, online bool) error {
	exists, err := r.client.Exists(ctx, r.userKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return domain.ErrNotFound
	}
	if err := r.client.HSet(ctx, r.userKey(id), "online", strconv.FormatBool(online)).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	if !online {
		if err := r.client.ZRem(ctx, r.geoKey, id.String()).Err(); err != nil {
			return fmt.Errorf("redis zrem: %w", err)
		}
	}
	return nil
}

// UpdateRating overwrites the aggregate rating field.
func (r *RedisDirectory) UpdateRating(ctx context.Context, id uuid.UUID, rating float64) error {
	exists, err := r.client.Exists(ctx, r.userKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return domain.ErrNotFound
	}
	if err := r.client.HSet(ctx, r.userKey(id), "rating", formatFloat(rating)).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// NearbyRiders runs a GEOSEARCH sorted by distance and hydrates each hit
// from its user hash, dropping riders that went offline since indexing.
func (r *RedisDirectory) NearbyRiders(ctx context.Context, origin geo.Coordinate, radiusKM float64, limit int) ([]domain.RiderDistance, error) {
	query := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lng,
			Latitude:   origin.Lat,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}
	if limit > 0 {
		query.Count = limit
	}
	results, err := r.client.GeoSearchLocation(ctx, r.geoKey, query).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}

	out := make([]domain.RiderDistance, 0, len(results))
	for _, res := range results {
		id, err := uuid.Parse(res.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, res.Name)
		}
		u, err := r.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !u.Online || u.Role != domain.RoleRider {
			continue
		}
		out = append(out, domain.RiderDistance{Rider: u, DistanceKM: res.Dist})
	}
	return out, nil
}

func (r *RedisDirectory) indexLocation(ctx context.Context, id uuid.UUID, loc geo.Coordinate) error {
	err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Name:      id.String(),
		Longitude: loc.Lng,
		Latitude:  loc.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

func userFromFields(id uuid.UUID, fields map[string]string) (domain.User, error) {
	u := domain.User{
		ID:          id,
		Name:        fields["name"],
		PhoneNumber: fields["phone"],
		Role:        domain.Role(fields["role"]),
	}
	var err error
	if u.Location.Lat, err = parseFloat(fields["lat"]); err != nil {
		return domain.User{}, fmt.Errorf("parse lat: %w", err)
	}
	if u.Location.Lng, err = parseFloat(fields["lng"]); err != nil {
		return domain.User{}, fmt.Errorf("parse lng: %w", err)
	}
	if u.Rating, err = parseFloat(fields["rating"]); err != nil {
		return domain.User{}, fmt.Errorf("parse rating: %w", err)
	}
	u.Online = fields["online"] == "true"
	if v := fields["total_rides"]; v != "" {
		if u.TotalRides, err = strconv.Atoi(v); err != nil {
			return domain.User{}, fmt.Errorf("parse total_rides: %w", err)
		}
	}
	if v := fields["updated_at"]; v != "" {
		if u.LastLocationUpdate, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return domain.User{}, fmt.Errorf("parse updated_at: %w", err)
		}
	}
	return u, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
