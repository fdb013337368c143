package fare

import (
	"math"

	"github.com/example/motoride/internal/geo"
)

// Pricing constants. These are part of the public API contract and must
// not drift between deployments.
const (
	BaseFare      = 2.50
	PerKMRate     = 1.50
	PerMinuteRate = 0.30
	MinimumFare   = 5.00
	AvgSpeedKMH   = 30.0
)

// Estimator converts a pickup/dropoff pair into a monetary fare.
type Estimator struct{}

// NewEstimator constructs an Estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Estimate returns the estimated fare for a trip between pickup and
// dropoff, rounded to two decimal places and never below MinimumFare.
func (e *Estimator) Estimate(pickup, dropoff geo.Coordinate) float64 {
	distanceKM := geo.DistanceKM(pickup, dropoff)
	minutes := estimateMinutes(distanceKM)

	total := BaseFare + distanceKM*PerKMRate + minutes*PerMinuteRate
	return round2(math.Max(total, MinimumFare))
}

// EstimateMinutes exposes the travel-time assumption for API responses.
func (e *Estimator) EstimateMinutes(pickup, dropoff geo.Coordinate) float64 {
	return estimateMinutes(geo.DistanceKM(pickup, dropoff))
}

func estimateMinutes(distanceKM float64) float64 {
	return (distanceKM / AvgSpeedKMH) * 60
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
