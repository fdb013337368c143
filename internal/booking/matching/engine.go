package matching

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/motoride/internal/booking/domain"
	"github.com/example/motoride/internal/geo"
)

const (
	// DefaultRadiusKM is the search radius around the pickup point.
	DefaultRadiusKM = 15.0
	// DefaultLimit caps how many riders a single booking fans out to.
	DefaultLimit = 5
)

// Candidate is a rider eligible for a booking, with its distance to the
// pickup point.
type Candidate struct {
	Rider      domain.User
	DistanceKM float64
}

// EngagementSource reports riders currently tied to an active booking.
type EngagementSource interface {
	EngagedRiderIDs(ctx context.Context) (map[uuid.UUID]struct{}, error)
}

// Engine selects candidate riders for a booking: online, within the
// radius, not engaged on another active booking, ordered by distance
// with rider id as the tie break so repeated queries over the same
// state return the same list.
type Engine struct {
	directory   domain.UserDirectory
	engagements EngagementSource
	radiusKM    float64
	limit       int
	logger      *zap.Logger
}

// NewEngine constructs the matching engine. Non-positive radius or
// limit fall back to the defaults.
func NewEngine(directory domain.UserDirectory, engagements EngagementSource, radiusKM float64, limit int, logger *zap.Logger) *Engine {
	if radiusKM <= 0 {
		radiusKM = DefaultRadiusKM
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{directory: directory, engagements: engagements, radiusKM: radiusKM, limit: limit, logger: logger}
}

// FindCandidates returns the candidate list for a pickup point. An empty
// list is a valid outcome, not an error.
func (e *Engine) FindCandidates(ctx context.Context, pickup geo.Coordinate) ([]Candidate, error) {
	start := time.Now()

	// Over-fetch so engaged riders being filtered out does not starve
	// the final list.
	nearby, err := e.directory.NearbyRiders(ctx, pickup, e.radiusKM, 0)
	if err != nil {
		observeMatch("error", time.Since(start))
		return nil, err
	}

	engaged, err := e.engagements.EngagedRiderIDs(ctx)
	if err != nil {
		observeMatch("error", time.Since(start))
		return nil, err
	}

	candidates := make([]Candidate, 0, len(nearby))
	for _, rd := range nearby {
		if _, busy := engaged[rd.Rider.ID]; busy {
			continue
		}
		candidates = append(candidates, Candidate{Rider: rd.Rider, DistanceKM: rd.DistanceKM})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DistanceKM == candidates[j].DistanceKM {
			return candidates[i].Rider.ID.String() < candidates[j].Rider.ID.String()
		}
		return candidates[i].DistanceKM < candidates[j].DistanceKM
	})
	if len(candidates) > e.limit {
		candidates = candidates[:e.limit]
	}

	result := "matched"
	if len(candidates) == 0 {
		result = "empty"
	}
	observeMatch(result, time.Since(start))
	e.logger.Debug("matching completed",
		zap.Int("nearby", len(nearby)),
		zap.Int("candidates", len(candidates)),
		zap.Float64("radius_km", e.radiusKM))
	return candidates, nil
}
