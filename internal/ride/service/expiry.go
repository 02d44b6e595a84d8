package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/greenride/internal/ride/domain"
)

// ExpireRides completes every active ride whose departure has passed and
// returns how many were closed. Rides closed concurrently are skipped.
func (s *Service) ExpireRides(ctx context.Context) (int, error) {
	ids, err := s.repo.ExpiredRides(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		_, err := s.settleRide(ctx, id, domain.RideCompleted, domain.EventRideExpired)
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// RunExpirySweeper calls ExpireRides every interval until ctx is cancelled.
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := s.ExpireRides(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("expire rides failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("expired rides", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
