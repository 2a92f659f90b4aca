package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const recoveryBatch = 100

// RecoverOnce claims transactions whose lease expired and resumes each one
// from its persisted state on its own goroutine. It returns how many were
// claimed without waiting for them, so one saga stuck on a bank that stays
// down never holds back the next sweep.
func (s *PaymentService) RecoverOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	claimed, err := s.store.ClaimStale(ctx, now, now.Add(s.cfg.Lease), recoveryBatch)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	recovered.Add(float64(len(claimed)))
	s.log.Info("recovering stale transactions", zap.Int("count", len(claimed)))

	for _, t := range claimed {
		s.launch(ctx, t)
	}
	return len(claimed), nil
}

// RunRecovery sweeps every RecoveryInterval until ctx is done.
func (s *PaymentService) RunRecovery(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RecoverOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("recovery sweep failed", zap.Error(err))
			}
		}
	}
}
