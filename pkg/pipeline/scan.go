package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pkgport/pkgport/pkg/contracts"
	"github.com/pkgport/pkgport/pkg/observability"
	"github.com/pkgport/pkgport/pkg/scanner"
	"github.com/pkgport/pkgport/pkg/store"
)

// ScanStage runs the vulnerability scanner over packages at
// Downloaded, records the scan row, and advances them.
type ScanStage struct {
	store   *store.Store
	scanner scanner.Scanner
	batch   int
	fanout  int
	logger  *slog.Logger
	metrics *observability.Provider
}

func NewScanStage(s *store.Store, sc scanner.Scanner, batch, fanout int,
	metrics *observability.Provider, logger *slog.Logger) *ScanStage {
	if logger == nil {
		logger = slog.Default()
	}
	if fanout < 1 {
		fanout = 1
	}
	return &ScanStage{
		store:   s,
		scanner: sc,
		batch:   batch,
		fanout:  fanout,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *ScanStage) Name() string { return "scan" }

func (s *ScanStage) RunOnce(ctx context.Context) (int, error) {
	items, err := s.store.ClaimForStage(ctx, contracts.StatusDownloaded, contracts.StatusSecurityScanning, s.batch)
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

func (s *ScanStage) process(ctx context.Context, item *store.WorkItem) (int, error) {
	started := time.Now()
	pkg := &item.Package

	report, scanErr := s.scanner.Scan(ctx, item.Status.CachePath)
	if scanErr != nil {
		s.logger.Warn("security scan failed",
			"package", pkg.Name, "version", pkg.Version, "error", scanErr)
		err := s.store.Transition(ctx, pkg.ID,
			contracts.StatusSecurityScanning, contracts.StatusSecurityScanFailed)
		if errors.Is(err, store.ErrStatusConflict) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		s.metrics.RecordTransition(ctx, s.Name(), "failure", time.Since(started))
		return 1, nil
	}

	// The scan row is recorded before the transition; a crash between
	// the two re-runs the scan, which only appends another row.
	if err := s.store.InsertScan(ctx, &contracts.SecurityScan{
		PackageID:     pkg.ID,
		CriticalCount: report.CriticalCount,
		HighCount:     report.HighCount,
		MediumCount:   report.MediumCount,
		LowCount:      report.LowCount,
		InfoCount:     report.InfoCount,
		SecurityScore: report.SecurityScore,
		RawResult:     report.RawResult,
		DurationMS:    report.DurationMS,
		ToolVersion:   report.ToolVersion,
	}); err != nil {
		return 0, err
	}

	err := s.store.Transition(ctx, pkg.ID,
		contracts.StatusSecurityScanning, contracts.StatusSecurityScanned,
		store.SetSecurityScore(report.SecurityScore))
	if errors.Is(err, store.ErrStatusConflict) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s.metrics.RecordTransition(ctx, s.Name(), "success", time.Since(started))
	return 1, nil
}
