package matching

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/greenride/internal/ride/domain"
)

const (
	// NeutralRatingScore stands in for drivers nobody has rated yet. It sits
	// slightly above the midpoint so new drivers are not penalized.
	NeutralRatingScore = 0.6
	maxRating          = 5.0
)

// ReputationScore normalizes the driver's mean rating to [0,1], falling back
// to NeutralRatingScore when there are no ratings.
func ReputationScore(ctx context.Context, ratings domain.RatingSource, driverID uuid.UUID) (float64, error) {
	avg, ok, err := ratings.AverageRating(ctx, driverID)
	if err != nil {
		return 0, fmt.Errorf("average rating: %w", err)
	}
	if !ok {
		return NeutralRatingScore, nil
	}
	return avg / maxRating, nil
}
