package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RecoverStale moves feeds left in syncing by a crashed process to error
func (s *Syncer) RecoverStale(ctx context.Context) {
	if s.cfg.StaleAfter <= 0 {
		return
	}
	n, err := s.gateway.ResetStaleSyncing(ctx, s.now().Add(-s.cfg.StaleAfter))
	if err != nil {
		s.log.Error("Failed to reset stale syncing feeds", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Warn("Reset feeds interrupted mid-sync", zap.Int64("count", n))
	}
}

// Run recovers stale feeds, then syncs due feeds on every tick until ctx
// is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	interval := s.cfg.SchedulerInterval
	if interval <= 0 {
		interval = time.Minute
	}

	s.RecoverStale(ctx)
	s.log.Info("Scheduler started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Syncer) tick(ctx context.Context) {
	sum := s.SyncDue(ctx)
	if sum.FeedsProcessed == 0 {
		return
	}
	s.log.Info("Scheduled sync finished",
		zap.Int("feeds", sum.FeedsProcessed),
		zap.Int("succeeded", sum.SuccessCount),
		zap.Int("failed", sum.ErrorCount),
		zap.Int("products", sum.TotalProducts),
		zap.Int64("duration_ms", sum.DurationMs))
}
