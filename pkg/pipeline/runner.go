// Package pipeline drives packages through the validation stages:
// license check, download, security scan, approval hand-off, and
// publication. Each stage claims durable work from the store under
// CAS, so any number of replicas can run the same stage safely.
package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// Stage is one pipeline worker. RunOnce claims a batch, processes it,
// and returns how many packages it moved.
type Stage interface {
	Name() string
	RunOnce(ctx context.Context) (int, error)
}

// Runner executes a stage in a loop until the context is cancelled.
// A cycle that moved work starts the next one immediately; an idle or
// failed cycle waits out the interval first.
type Runner struct {
	stage    Stage
	interval time.Duration
	logger   *slog.Logger
}

// NewRunner wraps a stage with its polling interval.
func NewRunner(stage Stage, interval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		stage:    stage,
		interval: interval,
		logger:   logger.With("stage", stage.Name()),
	}
}

// Run loops the stage. It returns when ctx is cancelled, always at a
// cycle boundary so no batch is abandoned halfway.
func (r *Runner) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		moved, err := r.stage.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			r.logger.Error("stage cycle failed", "error", err)
			timer.Reset(r.interval)
		case moved > 0:
			r.logger.Debug("stage cycle complete", "moved", moved)
			timer.Reset(0)
		default:
			timer.Reset(r.interval)
		}
	}
}
