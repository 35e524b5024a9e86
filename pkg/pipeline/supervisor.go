package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkgport/pkgport/pkg/observability"
	"github.com/pkgport/pkgport/pkg/store"
)

// Supervisor periodically returns stuck in-flight packages to their
// prior checked state. Work is "stuck" when its updated_at has not
// moved for longer than the threshold, which means the worker that
// claimed it died without committing.
type Supervisor struct {
	store     *store.Store
	threshold time.Duration
	interval  time.Duration
	logger    *slog.Logger
	metrics   *observability.Provider
}

// NewSupervisor builds a supervisor sweeping every interval with the
// given stuck threshold.
func NewSupervisor(s *store.Store, threshold, interval time.Duration,
	metrics *observability.Provider, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:     s,
		threshold: threshold,
		interval:  interval,
		logger:    logger.With("component", "supervisor"),
		metrics:   metrics,
	}
}

// Run sweeps until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce performs one recovery pass.
func (s *Supervisor) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.threshold)
	recovered, err := s.store.SweepStuck(ctx, cutoff)
	if err != nil {
		return err
	}
	for state, n := range recovered {
		target, _ := state.ResetTarget()
		s.logger.Warn("recovered stuck packages",
			"state", state, "target", target, "count", n)
		s.metrics.RecordSweep(ctx, string(state), n)
	}
	return nil
}
