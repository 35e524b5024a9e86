package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pkgport/pkgport/pkg/contracts"
	"github.com/pkgport/pkgport/pkg/license"
	"github.com/pkgport/pkgport/pkg/observability"
	"github.com/pkgport/pkgport/pkg/store"
)

// LicenseStage classifies packages at Checking Licence. It snapshots
// the policy table each cycle; when the table changed since the last
// cycle the memoized evaluations are dropped.
type LicenseStage struct {
	store   *store.Store
	cache   *license.Cache
	batch   int
	logger  *slog.Logger
	metrics *observability.Provider

	lastFingerprint string
}

// NewLicenseStage builds the stage. cache carries the (possibly
// Redis-backed) evaluation memo.
func NewLicenseStage(s *store.Store, cache *license.Cache, batch int,
	metrics *observability.Provider, logger *slog.Logger) *LicenseStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseStage{
		store:   s,
		cache:   cache,
		batch:   batch,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *LicenseStage) Name() string { return "license" }

func (s *LicenseStage) RunOnce(ctx context.Context) (int, error) {
	if err := s.refreshPolicy(ctx); err != nil {
		return 0, err
	}

	// The initial state doubles as the in-flight state, so claiming is
	// just reading the batch; the CAS on commit arbitrates races.
	items, err := s.store.ClaimForStage(ctx, contracts.StatusCheckingLicence, contracts.StatusCheckingLicence, s.batch)
	if err != nil {
		return 0, err
	}

	// One evaluation per unique expression in the batch.
	evals := make(map[string]license.Evaluation)
	for _, item := range items {
		expr := item.Package.LicenseIdentifier
		if _, ok := evals[expr]; !ok {
			evals[expr] = s.cache.Evaluate(ctx, expr)
		}
	}

	moved := 0
	for _, item := range items {
		started := time.Now()
		eval := evals[item.Package.LicenseIdentifier]

		to := contracts.StatusLicenceChecked
		outcome := "success"
		if eval.Rejected() {
			to = contracts.StatusLicenceCheckFailed
			outcome = "policy_failure"
		}

		err := s.store.Transition(ctx, item.Package.ID,
			contracts.StatusCheckingLicence, to,
			store.SetLicense(eval.Score, eval.Tier))
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return moved, err
		}
		moved++
		s.metrics.RecordTransition(ctx, s.Name(), outcome, time.Since(started))

		if eval.Rejected() {
			s.logger.Info("license check failed",
				"package", item.Package.Name, "version", item.Package.Version,
				"expression", item.Package.LicenseIdentifier,
				"tier", eval.Tier, "errors", eval.Errors)
		} else if len(eval.Warnings) > 0 {
			s.logger.Warn("license check passed with warnings",
				"package", item.Package.Name, "version", item.Package.Version,
				"expression", item.Package.LicenseIdentifier,
				"score", eval.Score, "warnings", eval.Warnings)
		}
	}
	return moved, nil
}

// refreshPolicy reloads the policy table and swaps the classifier
// snapshot when the table changed.
func (s *LicenseStage) refreshPolicy(ctx context.Context) error {
	rows, err := s.store.ListSupportedLicenses(ctx)
	if err != nil {
		return err
	}
	fingerprint := license.Fingerprint(rows)
	if fingerprint == s.lastFingerprint {
		return nil
	}
	s.cache.SetClassifier(license.NewClassifier(rows))
	if s.lastFingerprint != "" {
		s.cache.Invalidate(ctx)
		s.logger.Info("license policy table changed, cache invalidated")
	}
	s.lastFingerprint = fingerprint
	return nil
}
