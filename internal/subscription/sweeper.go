package subscription

import (
	"context"
	"time"

	"github.com/feedbox/billing/internal/metrics"
	log "github.com/sirupsen/logrus"
)

const defaultSweepInterval = time.Hour

// Sweeper periodically runs the expiry sweep and cancellation reconciliation.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
}

// NewSweeper constructs a Sweeper.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{manager: manager, interval: interval}
}

// Run blocks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || s.manager == nil {
		return
	}
	log.Infof("subscription sweeper started (interval=%s)", s.interval)
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep and one reconciliation pass.
func (s *Sweeper) RunOnce(ctx context.Context) {
	swept, errSweep := s.manager.Sweep(ctx)
	if errSweep != nil {
		log.WithError(errSweep).Warn("subscription sweeper: sweep failed")
	}
	if swept > 0 {
		metrics.SubscriptionsSweptTotal.Add(float64(swept))
	}
	if _, errReconcile := s.manager.ReconcileCancellations(ctx); errReconcile != nil {
		log.WithError(errReconcile).Warn("subscription sweeper: cancellation reconciliation failed")
	}
}
