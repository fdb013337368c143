package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/motoride/internal/booking/domain"
	"github.com/example/motoride/internal/geo"
)

// MemoryDirectory is an in-memory user directory. NearbyRiders is a
// linear haversine scan, fine for tests and small local runs.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[uuid.UUID]domain.User
}

// NewMemoryDirectory constructs an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[uuid.UUID]domain.User)}
}

// Get returns the stored user.
func (m *MemoryDirectory) Get(_ context.Context, id uuid.UUID) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

// Upsert stores or replaces the user.
func (m *MemoryDirectory) Upsert(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

// UpdateLocation sets the user's coordinate and update timestamp.
func (m *MemoryDirectory) UpdateLocation(_ context.Context, id uuid.UUID, loc geo.Coordinate, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	u.Location = loc
	u.LastLocationUpdate = at
	m.users[id] = u
	return nil
}

// SetOnline flips the presence flag.
func (m *MemoryDirectory) SetOnline(_ context.Context, id uuid.UUID, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	u.Online = online
	m.users[id] = u
	return nil
}

// UpdateRating overwrites the aggregate rating.
func (m *MemoryDirectory) UpdateRating(_ context.Context, id uuid.UUID, rating float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	u.Rating = rating
	m.users[id] = u
	return nil
}

// NearbyRiders returns online riders within radiusKM of origin sorted by
// distance, ties broken by id so results are stable.
func (m *MemoryDirectory) NearbyRiders(_ context.Context, origin geo.Coordinate, radiusKM float64, limit int) ([]domain.RiderDistance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.RiderDistance
	for _, u := range m.users {
		if u.Role != domain.RoleRider || !u.Online {
			continue
		}
		d := geo.DistanceKM(origin, u.Location)
		if d > radiusKM {
			continue
		}
		out = append(out, domain.RiderDistance{Rider: u, DistanceKM: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKM == out[j].DistanceKM {
			return out[i].Rider.ID.String() < out[j].Rider.ID.String()
		}
		return out[i].DistanceKM < out[j].DistanceKM
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
