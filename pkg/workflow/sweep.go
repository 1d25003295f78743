package workflow

import (
	"context"
	"time"
)

// ExpireOverdue expires every pending instance whose deadline has passed
// and notifies the orchestrator. It returns the number of instances
// expired. Errors on individual instances are logged and do not stop the
// sweep.
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.store.ListPendingInstances(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, inst := range overdue {
		if err := s.expire(ctx, inst, now); err != nil {
			s.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("expiry failed")
			continue
		}
		expired++
	}
	return expired, nil
}

// RunSweeper expires overdue instances on the given interval until the
// context is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("expiry sweeper stopped")
			return
		case tick := <-ticker.C:
			if n, err := s.ExpireOverdue(ctx, tick.UTC()); err != nil {
				s.logger.Error().Err(err).Msg("expiry sweep failed")
			} else if n > 0 {
				s.logger.Info().Int("expired", n).Msg("expiry sweep")
			}
		}
	}
}
