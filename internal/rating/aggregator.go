package rating

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/example/motoride/internal/booking/domain"
)

// Aggregator recomputes a user's aggregate rating from their reviews
// and writes it back to the directory.
type Aggregator struct {
	reviews   domain.ReviewRepository
	directory domain.UserDirectory
}

// NewAggregator constructs the aggregator.
func NewAggregator(reviews domain.ReviewRepository, directory domain.UserDirectory) *Aggregator {
	return &Aggregator{reviews: reviews, directory: directory}
}

// Recalculate recomputes the mean rating for the user, rounded to two
// decimals, and stores it. A user with no reviews keeps rating zero.
func (a *Aggregator) Recalculate(ctx context.Context, userID uuid.UUID) (float64, error) {
	avg, count, err := a.reviews.AverageRating(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("average rating: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	rounded := math.Round(avg*100) / 100
	if err := a.directory.UpdateRating(ctx, userID, rounded); err != nil {
		return 0, fmt.Errorf("update rating: %w", err)
	}
	return rounded, nil
}
