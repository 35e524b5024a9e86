package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pkgport/pkgport/pkg/contracts"
	"github.com/pkgport/pkgport/pkg/observability"
	"github.com/pkgport/pkgport/pkg/store"
)

// HandoffStage moves scanned packages into the approval queue. The
// move is mechanical; it exists as its own stage so a scanned package
// is never invisible to approvers because a worker crashed mid-batch.
type HandoffStage struct {
	store   *store.Store
	batch   int
	logger  *slog.Logger
	metrics *observability.Provider
}

func NewHandoffStage(s *store.Store, batch int,
	metrics *observability.Provider, logger *slog.Logger) *HandoffStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &HandoffStage{store: s, batch: batch, logger: logger, metrics: metrics}
}

func (s *HandoffStage) Name() string { return "approval" }

func (s *HandoffStage) RunOnce(ctx context.Context) (int, error) {
	items, err := s.store.ClaimForStage(ctx, contracts.StatusSecurityScanned, contracts.StatusSecurityScanned, s.batch)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, item := range items {
		started := time.Now()
		err := s.store.Transition(ctx, item.Package.ID,
			contracts.StatusSecurityScanned, contracts.StatusPendingApproval)
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return moved, err
		}
		moved++
		s.metrics.RecordTransition(ctx, s.Name(), "success", time.Since(started))
	}
	return moved, nil
}
