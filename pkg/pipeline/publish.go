package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pkgport/pkgport/pkg/audit"
	"github.com/pkgport/pkgport/pkg/contracts"
	"github.com/pkgport/pkgport/pkg/observability"
	"github.com/pkgport/pkgport/pkg/publisher"
	"github.com/pkgport/pkgport/pkg/store"
)

// PublishStage republishes approved packages to the downstream
// registry.
type PublishStage struct {
	store   *store.Store
	pub     *publisher.Publisher
	audit   audit.Logger
	batch   int
	fanout  int
	logger  *slog.Logger
	metrics *observability.Provider
}

func NewPublishStage(s *store.Store, pub *publisher.Publisher, auditLog audit.Logger,
	batch, fanout int, metrics *observability.Provider, logger *slog.Logger) *PublishStage {
	if logger == nil {
		logger = slog.Default()
	}
	if fanout < 1 {
		fanout = 1
	}
	return &PublishStage{
		store:   s,
		pub:     pub,
		audit:   auditLog,
		batch:   batch,
		fanout:  fanout,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *PublishStage) Name() string { return "publish" }

func (s *PublishStage) RunOnce(ctx context.Context) (int, error) {
	items, err := s.store.ClaimForStage(ctx, contracts.StatusApproved, contracts.StatusPublishing, s.batch)
	if err != nil {
		return 0, err
	}

	var moved int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	results := make([]int, len(items))
	for i, item := range items {
		g.Go(func() error {
			n, err := s.process(gctx, item)
			results[i] = n
			return err
		})
	}
	err = g.Wait()
	for _, n := range results {
		moved += n
	}
	return moved, err
}

// PublishOne pushes a single approved package immediately instead of
// waiting for the next worker cycle. The same CAS applies: a package
// that is not Approved returns ErrStatusConflict.
func (s *PublishStage) PublishOne(ctx context.Context, packageID string) (contracts.Status, error) {
	pkg, err := s.store.GetPackage(ctx, packageID)
	if err != nil {
		return "", err
	}
	if err := s.store.Transition(ctx, packageID,
		contracts.StatusApproved, contracts.StatusPublishing); err != nil {
		return "", err
	}
	ps, err := s.store.GetStatus(ctx, packageID)
	if err != nil {
		return "", err
	}
	if _, err := s.process(ctx, &store.WorkItem{Package: *pkg, Status: *ps}); err != nil {
		return "", err
	}
	ps, err = s.store.GetStatus(ctx, packageID)
	if err != nil {
		return "", err
	}
	return ps.Status, nil
}

func (s *PublishStage) process(ctx context.Context, item *store.WorkItem) (int, error) {
	started := time.Now()
	pkg := &item.Package

	if pubErr := s.pub.Publish(ctx, pkg, item.Status.CachePath); pubErr != nil {
		s.logger.Warn("publish failed",
			"package", pkg.Name, "version", pkg.Version, "error", pubErr)
		err := s.store.Transition(ctx, pkg.ID,
			contracts.StatusPublishing, contracts.StatusPublishFailed)
		if errors.Is(err, store.ErrStatusConflict) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		s.metrics.RecordTransition(ctx, s.Name(), "failure", time.Since(started))
		return 1, nil
	}

	err := s.store.Transition(ctx, pkg.ID,
		contracts.StatusPublishing, contracts.StatusPublished,
		store.SetPublishedAt(time.Now().UTC()))
	if errors.Is(err, store.ErrStatusConflict) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, audit.ActionPublish, pkg.ID, map[string]string{
			"name":    pkg.Name,
			"version": pkg.Version,
		}); err != nil {
			s.logger.Error("failed to audit publish", "package", pkg.ID, "error", err)
		}
	}
	s.metrics.RecordTransition(ctx, s.Name(), "success", time.Since(started))
	return 1, nil
}
