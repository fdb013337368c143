package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/motoride/internal/booking/domain"
)

// MemoryReviewStore keeps reviews in memory and enforces the
// one-review-per-(booking, reviewer) rule.
type MemoryReviewStore struct {
	mu      sync.RWMutex
	reviews []domain.Review
}

// NewMemoryReviewStore constructs an empty store.
func NewMemoryReviewStore() *MemoryReviewStore {
	return &MemoryReviewStore{}
}

// Create appends a review unless the reviewer already reviewed the booking.
func (m *MemoryReviewStore) Create(_ context.Context, r domain.Review) (domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reviews {
		if existing.BookingID == r.BookingID && existing.ReviewerID == r.ReviewerID {
			return domain.Review{}, domain.ErrAlreadyReviewed
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.reviews = append(m.reviews, r)
	return r, nil
}

// ListByReviewee returns reviews received by a user, newest first.
func (m *MemoryReviewStore) ListByReviewee(_ context.Context, revieweeID uuid.UUID) ([]domain.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Review
	for _, r := range m.reviews {
		if r.RevieweeID == revieweeID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// AverageRating returns the arithmetic mean of all ratings received by
// the user, plus the review count.
func (m *MemoryReviewStore) AverageRating(_ context.Context, revieweeID uuid.UUID) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum, count := 0, 0
	for _, r := range m.reviews {
		if r.RevieweeID == revieweeID {
			sum += r.Rating
			count++
		}
	}
	if count == 0 {
		return 0, 0, nil
	}
	return float64(sum) / float64(count), count, nil
}
