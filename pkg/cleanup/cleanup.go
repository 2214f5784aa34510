// Package cleanup runs the periodic retention sweep: demoting logs across
// tier boundaries as they age and expiring cold logs past their bound.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/fraware/accountabilitylayer/pkg/config"
	"github.com/fraware/accountabilitylayer/pkg/store"
)

// Service is the retention sweeper. One instance per deployment is enough;
// the sweep is idempotent, so concurrent instances are merely wasteful.
type Service struct {
	store  store.LogStore
	cfg    config.RetentionConfig
	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
}

// NewService creates a retention sweeper.
func NewService(s store.LogStore, cfg config.RetentionConfig) *Service {
	return &Service{
		store:  s,
		cfg:    cfg,
		logger: slog.Default().With("component", "cleanup"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the sweep loop. An immediate sweep runs on startup so a
// long-stopped deployment catches up without waiting a full interval.
func (s *Service) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Service) run(ctx context.Context) {
	defer close(s.doneCh)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one retier-and-expire pass.
func (s *Service) Sweep(ctx context.Context) {
	now := s.now()

	moved, err := s.store.RetierDue(ctx, now, s.cfg.HotDays, s.cfg.WarmDays)
	if err != nil {
		s.logger.Error("Retention retier failed", "error", err)
	} else if moved > 0 {
		s.logger.Info("Retiered aged logs", "moved", moved)
	}

	// Cold expiry is off unless a bound is configured.
	if s.cfg.ColdExpiryDays <= 0 {
		return
	}
	before := now.AddDate(0, 0, -s.cfg.ColdExpiryDays)
	deleted, err := s.store.ExpireCold(ctx, before)
	if err != nil {
		s.logger.Error("Cold expiry failed", "error", err)
	} else if deleted > 0 {
		s.logger.Info("Expired cold logs", "deleted", deleted, "before", before)
	}
}
