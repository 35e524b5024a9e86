// Command pkgport runs the package ingestion service: the HTTP API,
// the pipeline stage workers, and the stuck-work supervisor in one
// process. Scaling out is a matter of running more replicas; every
// stage claims its work under CAS.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pkgport/pkgport/pkg/api"
	"github.com/pkgport/pkgport/pkg/audit"
	"github.com/pkgport/pkgport/pkg/auth"
	"github.com/pkgport/pkgport/pkg/cache"
	"github.com/pkgport/pkgport/pkg/config"
	"github.com/pkgport/pkgport/pkg/license"
	"github.com/pkgport/pkgport/pkg/manifest"
	"github.com/pkgport/pkgport/pkg/observability"
	"github.com/pkgport/pkgport/pkg/pipeline"
	"github.com/pkgport/pkgport/pkg/publisher"
	"github.com/pkgport/pkgport/pkg/registry"
	"github.com/pkgport/pkgport/pkg/scanner"
	"github.com/pkgport/pkgport/pkg/store"
)

const version = "0.3.0"

// Stage scheduling defaults; a pipeline profile can override each
// stage individually.
const (
	defaultBatchSize = 25
	defaultSleep     = 5 * time.Second
	defaultFanout    = 4
)

func main() {
	if err := run(); err != nil {
		slog.Error("pkgport exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting pkgport", "version", version, "port", cfg.Port)

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "pkgport",
		ServiceVersion: version,
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown failed", "error", err)
		}
	}()

	s, err := store.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	if err := s.Init(ctx); err != nil {
		return err
	}

	artifacts, err := cache.New(cfg.PackageCacheDir, logger)
	if err != nil {
		return err
	}
	upstream := registry.NewClient(cfg.UpstreamRegistryURL, cfg.DownloadTimeout(), logger)
	downstream := publisher.New(cfg.DownstreamRegistryURL, cfg.DownstreamRegistryToken, cfg.PublishTimeout(), logger)
	scan, err := scanner.NewExecScanner(cfg.ScannerCommand, cfg.ScanTimeout(), logger)
	if err != nil {
		return err
	}

	rdb, err := redisClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}
	licenses := license.NewCache(nil, rdb, logger)

	auditLog := audit.NewStoreLogger(s)
	approvals := pipeline.NewApprovals(s, auditLog, logger)
	parser := manifest.NewParser(s, logger)

	profile, err := config.LoadProfile(cfg.PipelineProfile)
	if err != nil {
		return err
	}

	type stageSetup struct {
		stage pipeline.Stage
		sleep time.Duration
	}
	build := func(name string, mk func(batch, fanout int) pipeline.Stage) stageSetup {
		batch, sleep, _, fanout := profile.Apply(name, defaultBatchSize, defaultSleep, 0, defaultFanout)
		return stageSetup{stage: mk(batch, fanout), sleep: sleep}
	}
	stages := []stageSetup{
		build("license", func(batch, _ int) pipeline.Stage {
			return pipeline.NewLicenseStage(s, licenses, batch, obs, logger)
		}),
		build("download", func(batch, fanout int) pipeline.Stage {
			return pipeline.NewDownloadStage(s, upstream, artifacts, batch, fanout, obs, logger)
		}),
		build("scan", func(batch, fanout int) pipeline.Stage {
			return pipeline.NewScanStage(s, scan, batch, fanout, obs, logger)
		}),
		build("approval", func(batch, _ int) pipeline.Stage {
			return pipeline.NewHandoffStage(s, batch, obs, logger)
		}),
	}
	publishSetup := build("publish", func(batch, fanout int) pipeline.Stage {
		return pipeline.NewPublishStage(s, downstream, auditLog, batch, fanout, obs, logger)
	})
	stages = append(stages, publishSetup)
	publishStage := publishSetup.stage.(*pipeline.PublishStage)

	server := api.NewServer(s, parser, approvals, publishStage, obs, logger)
	validator := auth.NewJWTValidator(cfg.AuthJWTSecret)
	limiter := auth.NewRateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
	defer limiter.Stop()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(validator, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, setup := range stages {
		runner := pipeline.NewRunner(setup.stage, setup.sleep, logger)
		g.Go(func() error {
			err := runner.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	supervisor := pipeline.NewSupervisor(s, cfg.StuckTimeout(), cfg.StuckTimeout()/2, obs, logger)
	g.Go(func() error {
		err := supervisor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// redisClient builds the licence cache client; an empty URL means the
// cache runs in-process only.
func redisClient(rawURL string) (*redis.Client, error) {
	if rawURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}
