package matching

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/example/greenride/internal/ride/domain"
)

const (
	// NeutralHistoryScore is returned for pairs that never rode together.
	NeutralHistoryScore = 0.5
	completedBoost      = 1.5
)

var problemStatuses = []domain.RequestStatus{domain.RequestCancelled, domain.RequestRejected}

// HistoryScore rates past interactions between a traveler and a driver in
// [0,1]. Completed rides count 1.5 times as much as cancelled or rejected
// requests.
func HistoryScore(ctx context.Context, history domain.HistorySource, travelerID, driverID uuid.UUID) (float64, error) {
	completed, err := history.CountInteractions(ctx, travelerID, driverID, domain.RequestCompleted)
	if err != nil {
		return 0, fmt.Errorf("count completed: %w", err)
	}
	problem, err := history.CountInteractions(ctx, travelerID, driverID, problemStatuses...)
	if err != nil {
		return 0, fmt.Errorf("count problems: %w", err)
	}
	total := completed + problem
	if total == 0 {
		return NeutralHistoryScore, nil
	}
	return math.Min(1.0, float64(completed)*completedBoost/float64(total)), nil
}
