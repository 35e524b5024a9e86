package pipeline

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkgport/pkgport/pkg/audit"
	"github.com/pkgport/pkgport/pkg/cache"
	"github.com/pkgport/pkgport/pkg/contracts"
	"github.com/pkgport/pkgport/pkg/license"
	"github.com/pkgport/pkgport/pkg/manifest"
	"github.com/pkgport/pkgport/pkg/publisher"
	"github.com/pkgport/pkgport/pkg/registry"
	"github.com/pkgport/pkgport/pkg/scanner"
	"github.com/pkgport/pkgport/pkg/store"
	"github.com/stretchr/testify/require"
)

type env struct {
	store     *store.Store
	parser    *manifest.Parser
	license   *LicenseStage
	download  *DownloadStage
	scan      *ScanStage
	handoff   *HandoffStage
	publish   *PublishStage
	approvals *Approvals
	scanner   *scanner.Fake

	upstreamHits  atomic.Int64
	publishedPuts atomic.Int64
}

func testTarball(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte(`{"name":"x","version":"0"}`)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "package/package.json", Mode: 0o644, Size: int64(len(body)),
	}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(ctx))

	require.NoError(t, s.UpsertSupportedLicense(ctx, "MIT", contracts.TierAlwaysAllowed))
	require.NoError(t, s.UpsertSupportedLicense(ctx, "Apache-2.0", contracts.TierAllowed))
	require.NoError(t, s.UpsertSupportedLicense(ctx, "GPL", contracts.TierBlocked))

	e := &env{store: s, parser: manifest.NewParser(s, nil)}

	tarball := testTarball(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.upstreamHits.Add(1)
		_, _ = w.Write(tarball)
	}))
	t.Cleanup(upstream.Close)

	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.publishedPuts.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(downstream.Close)

	artifacts, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)

	e.scanner = scanner.NewFake()
	licenseCache := license.NewCache(license.NewClassifier(nil), nil, nil)
	auditLog := audit.NewStoreLogger(s)

	e.license = NewLicenseStage(s, licenseCache, 10, nil, nil)
	e.download = NewDownloadStage(s, registry.NewClient(upstream.URL, time.Second, nil),
		artifacts, 10, 2, nil, nil)
	e.scan = NewScanStage(s, e.scanner, 10, 2, nil, nil)
	e.handoff = NewHandoffStage(s, 10, nil, nil)
	e.publish = NewPublishStage(s, publisher.New(downstream.URL, "", time.Second, nil),
		auditLog, 10, 2, nil, nil)
	e.approvals = NewApprovals(s, auditLog, nil)
	return e
}

// runUntilIdle cycles the automatic stages until none of them moves
// anything. Approval and publish remain operator-driven.
func (e *env) runUntilIdle(t *testing.T, ctx context.Context) {
	t.Helper()
	stages := []Stage{e.license, e.download, e.scan, e.handoff}
	for range 20 {
		total := 0
		for _, stage := range stages {
			n, err := stage.RunOnce(ctx)
			require.NoError(t, err)
			total += n
		}
		if total == 0 {
			return
		}
	}
	t.Fatal("pipeline did not converge")
}

func (e *env) submit(t *testing.T, blob string) *contracts.Request {
	t.Helper()
	ctx := context.Background()
	req, err := e.store.CreateRequest(ctx, "user-1", []byte(blob))
	require.NoError(t, err)
	_, err = e.parser.Parse(ctx, req)
	require.NoError(t, err)
	return req
}

func manifestFor(name, version, licenseExpr string) string {
	return fmt.Sprintf(`{
		"name": "app", "version": "1.0.0", "lockfileVersion": 3,
		"packages": {
			"": {},
			"node_modules/%s": {"version": %q, "license": %q}
		}
	}`, name, version, licenseExpr)
}

func (e *env) status(t *testing.T, name, version string) *contracts.PackageStatus {
	t.Helper()
	ctx := context.Background()
	pkg, err := e.store.GetPackageByNameVersion(ctx, name, version)
	require.NoError(t, err)
	ps, err := e.store.GetStatus(ctx, pkg.ID)
	require.NoError(t, err)
	return ps
}

func TestFullRunToPublished(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	req := e.submit(t, manifestFor("lodash", "4.17.21", "MIT"))

	e.runUntilIdle(t, ctx)

	ps := e.status(t, "lodash", "4.17.21")
	require.Equal(t, contracts.StatusPendingApproval, ps.Status)
	require.Equal(t, 100, ps.LicenseScore)
	require.Equal(t, string(contracts.TierAlwaysAllowed), ps.LicenseStatus)
	require.Equal(t, 100, ps.SecurityScore)
	require.NotEmpty(t, ps.CachePath)
	require.Positive(t, ps.FileSize)
	require.Contains(t, ps.Checksum, "sha256:")

	agg, err := e.store.AggregateRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.AggregatePendingApproval, agg.CurrentStatus)
	require.InDelta(t, 100.0, agg.CompletionPercentage, 0.01)

	// Approve and publish.
	outcomes, err := e.approvals.Approve(ctx, "approver-1", []string{ps.PackageID})
	require.NoError(t, err)
	require.True(t, outcomes[0].Applied)

	n, err := e.publish.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ps = e.status(t, "lodash", "4.17.21")
	require.Equal(t, contracts.StatusPublished, ps.Status)
	require.Equal(t, "approver-1", ps.ApproverID)
	require.NotNil(t, ps.PublishedAt)
	require.Equal(t, int64(1), e.publishedPuts.Load())

	// The scan row and audit trail are in place.
	scan, err := e.store.LatestScan(ctx, ps.PackageID)
	require.NoError(t, err)
	require.Equal(t, 100, scan.SecurityScore)
	require.NoError(t, e.store.VerifyAuditChain(ctx))

	agg, err = e.store.AggregateRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.AggregateApproved, agg.CurrentStatus)
}

func TestBlockedLicenseNeverDownloads(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.submit(t, manifestFor("gpl-tool", "2.0.0", "GPL"))

	e.runUntilIdle(t, ctx)

	ps := e.status(t, "gpl-tool", "2.0.0")
	require.Equal(t, contracts.StatusLicenceCheckFailed, ps.Status)
	require.Zero(t, ps.LicenseScore)
	require.Equal(t, string(contracts.TierBlocked), ps.LicenseStatus)

	// No download was attempted.
	require.Zero(t, e.upstreamHits.Load())
	require.Empty(t, e.scanner.Calls())
}

func TestOrExpressionUsesBestLeaf(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.submit(t, manifestFor("dual", "1.0.0", "(MIT OR GPL)"))

	e.runUntilIdle(t, ctx)

	ps := e.status(t, "dual", "1.0.0")
	require.Equal(t, contracts.StatusPendingApproval, ps.Status)
	require.Equal(t, 100, ps.LicenseScore)
}

func TestUnknownLicenseProceedsAtFifty(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.submit(t, manifestFor("obscure", "0.1.0", "X-unknown"))

	e.runUntilIdle(t, ctx)

	ps := e.status(t, "obscure", "0.1.0")
	require.Equal(t, contracts.StatusPendingApproval, ps.Status)
	require.Equal(t, 50, ps.LicenseScore)
	require.Equal(t, string(contracts.TierUnknown), ps.LicenseStatus)
}

func TestCriticalFindingZeroesScore(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.submit(t, manifestFor("vulny", "3.0.0", "MIT"))

	// License and download first, so the cache path is known.
	_, err := e.license.RunOnce(ctx)
	require.NoError(t, err)
	_, err = e.download.RunOnce(ctx)
	require.NoError(t, err)

	ps := e.status(t, "vulny", "3.0.0")
	e.scanner.SetReport(ps.CachePath, 1, 0, 2, 0)

	e.runUntilIdle(t, ctx)

	ps = e.status(t, "vulny", "3.0.0")
	require.Equal(t, contracts.StatusPendingApproval, ps.Status)
	require.Zero(t, ps.SecurityScore)
}

func TestScannerFailureIsTransient(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.submit(t, manifestFor("flaky", "1.0.0", "MIT"))

	e.scanner.SetError(scanner.ErrScannerFailed)
	e.runUntilIdle(t, ctx)

	ps := e.status(t, "flaky", "1.0.0")
	require.Equal(t, contracts.StatusSecurityScanFailed, ps.Status)

	// Operator reset sends it back through the scan stage.
	e.scanner.SetError(nil)
	target, err := e.approvals.Reset(ctx, "admin-1", ps.PackageID)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusDownloaded, target)

	e.runUntilIdle(t, ctx)
	ps = e.status(t, "flaky", "1.0.0")
	require.Equal(t, contracts.StatusPendingApproval, ps.Status)
}

func TestRejectRequiresReason(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.submit(t, manifestFor("meh", "1.0.0", "MIT"))
	e.runUntilIdle(t, ctx)

	ps := e.status(t, "meh", "1.0.0")
	_, err := e.approvals.Reject(ctx, "rejector-1", "", []string{ps.PackageID})
	require.ErrorIs(t, err, ErrEmptyReason)

	outcomes, err := e.approvals.Reject(ctx, "rejector-1", "abandoned upstream", []string{ps.PackageID})
	require.NoError(t, err)
	require.True(t, outcomes[0].Applied)

	ps = e.status(t, "meh", "1.0.0")
	require.Equal(t, contracts.StatusRejected, ps.Status)
	require.Equal(t, "rejector-1", ps.RejectorID)
	require.Equal(t, "abandoned upstream", ps.RejectionReason)
}

func TestBatchDecisionIsPerPackage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.submit(t, manifestFor("a", "1.0.0", "MIT"))
	e.submit(t, manifestFor("b", "1.0.0", "MIT"))
	e.runUntilIdle(t, ctx)

	psA := e.status(t, "a", "1.0.0")
	psB := e.status(t, "b", "1.0.0")

	// Approve A out of band first; the batch then half-applies.
	_, err := e.approvals.Approve(ctx, "first", []string{psA.PackageID})
	require.NoError(t, err)

	outcomes, err := e.approvals.Approve(ctx, "second", []string{psA.PackageID, psB.PackageID})
	require.NoError(t, err)
	require.False(t, outcomes[0].Applied)
	require.NotEmpty(t, outcomes[0].Error)
	require.True(t, outcomes[1].Applied)

	require.Equal(t, "first", e.status(t, "a", "1.0.0").ApproverID)
	require.Equal(t, "second", e.status(t, "b", "1.0.0").ApproverID)
}

func TestSupervisorRecoversAndWorkerLosesRace(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.submit(t, manifestFor("stuck", "1.0.0", "MIT"))

	_, err := e.license.RunOnce(ctx)
	require.NoError(t, err)

	// Simulate a worker that claimed the package and died an hour ago.
	items, err := e.store.ClaimForStage(ctx, contracts.StatusLicenceChecked, contracts.StatusDownloading, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	pkgID := items[0].Package.ID
	require.NoError(t, e.store.Backdate(ctx, pkgID, time.Now().UTC().Add(-time.Hour)))

	sup := NewSupervisor(e.store, 20*time.Minute, time.Minute, nil, nil)
	require.NoError(t, sup.SweepOnce(ctx))

	ps, err := e.store.GetStatus(ctx, pkgID)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusLicenceChecked, ps.Status)

	// The dead worker's late commit loses the CAS.
	err = e.store.Transition(ctx, pkgID, contracts.StatusDownloading, contracts.StatusDownloaded)
	require.ErrorIs(t, err, store.ErrStatusConflict)

	// The pipeline finishes the package normally afterwards.
	e.runUntilIdle(t, ctx)
	ps, err = e.store.GetStatus(ctx, pkgID)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusPendingApproval, ps.Status)
}

func TestReplayedRequestSharesPipelineState(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	blob := manifestFor("shared", "1.0.0", "MIT")

	req1 := e.submit(t, blob)
	e.runUntilIdle(t, ctx)
	req2 := e.submit(t, blob)

	// The second request linked the existing package; no rework.
	require.Equal(t, int64(1), e.upstreamHits.Load())

	for _, reqID := range []string{req1.ID, req2.ID} {
		agg, err := e.store.AggregateRequest(ctx, reqID)
		require.NoError(t, err)
		require.Equal(t, 1, agg.TotalPackages)
		require.Equal(t, contracts.AggregatePendingApproval, agg.CurrentStatus)
	}
}

func TestPublishFailureThenReset(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(broken.Close)
	e.publish = NewPublishStage(e.store, publisher.New(broken.URL, "", time.Second, nil),
		nil, 10, 1, nil, nil)

	e.submit(t, manifestFor("unlucky", "1.0.0", "MIT"))
	e.runUntilIdle(t, ctx)

	ps := e.status(t, "unlucky", "1.0.0")
	_, err := e.approvals.Approve(ctx, "approver-1", []string{ps.PackageID})
	require.NoError(t, err)

	n, err := e.publish.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, contracts.StatusPublishFailed, e.status(t, "unlucky", "1.0.0").Status)

	target, err := e.approvals.Reset(ctx, "admin-1", ps.PackageID)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusApproved, target)
}

func TestRunnerStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	runner := NewRunner(e.license, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestLicenseWarningsAreRecordedInEvaluation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.submit(t, manifestFor("warned", "1.0.0", "MIT OR X-unknown"))
	e.runUntilIdle(t, ctx)

	ps := e.status(t, "warned", "1.0.0")
	require.Equal(t, 100, ps.LicenseScore)

	// The same expression evaluated directly carries the warning.
	rows, err := e.store.ListSupportedLicenses(ctx)
	require.NoError(t, err)
	eval := license.NewClassifier(rows).Evaluate("MIT OR X-unknown")
	require.NotEmpty(t, eval.Warnings)
}
