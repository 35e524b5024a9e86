package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pkgport/pkgport/pkg/cache"
	"github.com/pkgport/pkgport/pkg/contracts"
	"github.com/pkgport/pkgport/pkg/observability"
	"github.com/pkgport/pkgport/pkg/registry"
	"github.com/pkgport/pkgport/pkg/store"
)

// DownloadStage fetches tarballs for packages at Licence Checked and
// extracts them into the artifact cache. Packages whose tree is
// already cached skip the fetch.
type DownloadStage struct {
	store    *store.Store
	upstream *registry.Client
	cache    *cache.Cache
	batch    int
	fanout   int
	logger   *slog.Logger
	metrics  *observability.Provider
}

func NewDownloadStage(s *store.Store, upstream *registry.Client, artifacts *cache.Cache,
	batch, fanout int, metrics *observability.Provider, logger *slog.Logger) *DownloadStage {
	if logger == nil {
		logger = slog.Default()
	}
	if fanout < 1 {
		fanout = 1
	}
	return &DownloadStage{
		store:    s,
		upstream: upstream,
		cache:    artifacts,
		batch:    batch,
		fanout:   fanout,
		logger:   logger,
		metrics:  metrics,
	}
}

func (s *DownloadStage) Name() string { return "download" }

func (s *DownloadStage) RunOnce(ctx context.Context) (int, error) {
	items, err := s.store.ClaimForStage(ctx, contracts.StatusLicenceChecked, contracts.StatusDownloading, s.batch)
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

// process moves one claimed package from Downloading to Downloaded or
// Download Failed. Only store-level errors abort the batch; fetch and
// extraction failures are recorded on the package itself.
func (s *DownloadStage) process(ctx context.Context, item *store.WorkItem) (int, error) {
	started := time.Now()
	pkg := &item.Package

	if entry, ok := s.cache.Get(pkg.Name, pkg.Version); ok {
		err := s.store.Transition(ctx, pkg.ID,
			contracts.StatusDownloading, contracts.StatusDownloaded,
			store.SetDownload(entry.Path, entry.TotalSize, entry.Checksum))
		if errors.Is(err, store.ErrStatusConflict) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		s.metrics.RecordTransition(ctx, s.Name(), "cache_hit", time.Since(started))
		return 1, nil
	}

	tarball, fetchErr := s.upstream.Fetch(ctx, pkg)
	if fetchErr == nil {
		var entry *cache.Entry
		entry, fetchErr = s.cache.Put(pkg.Name, pkg.Version, bytes.NewReader(tarball.Body), tarball.Checksum)
		if fetchErr == nil {
			err := s.store.Transition(ctx, pkg.ID,
				contracts.StatusDownloading, contracts.StatusDownloaded,
				store.SetDownload(entry.Path, entry.TotalSize, entry.Checksum))
			if errors.Is(err, store.ErrStatusConflict) {
				return 0, nil
			}
			if err != nil {
				return 0, err
			}
			s.metrics.RecordTransition(ctx, s.Name(), "success", time.Since(started))
			return 1, nil
		}
	}

	s.logger.Warn("download failed",
		"package", pkg.Name, "version", pkg.Version, "error", fetchErr)
	err := s.store.Transition(ctx, pkg.ID,
		contracts.StatusDownloading, contracts.StatusDownloadFailed)
	if errors.Is(err, store.ErrStatusConflict) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s.metrics.RecordTransition(ctx, s.Name(), "failure", time.Since(started))
	return 1, nil
}
