package manifest

import (
	"context"
	"testing"

	"github.com/pkgport/pkgport/pkg/contracts"
	"github.com/pkgport/pkgport/pkg/store"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background()))
	return s
}

func submit(t *testing.T, s *store.Store, blob string) (*contracts.Request, *Result, error) {
	t.Helper()
	ctx := context.Background()
	req, err := s.CreateRequest(ctx, "user-1", []byte(blob))
	require.NoError(t, err)
	res, parseErr := NewParser(s, nil).Parse(ctx, req)
	return req, res, parseErr
}

const simpleApp = `{
	"name": "simple-app",
	"version": "1.0.0",
	"lockfileVersion": 3,
	"packages": {
		"": {"name": "simple-app", "version": "1.0.0"},
		"node_modules/lodash": {
			"version": "4.17.21",
			"license": "MIT",
			"resolved": "https://up/lodash/-/lodash-4.17.21.tgz",
			"integrity": "sha512-v2kDEe57lecTulaDIuNTPy3Ry4gLGJ6Z1O3vE1krgXZNrsQ+LFTGHVxVjcXPs17LhbZVGedAJv8XZ1tvj5FvSg=="
		}
	}
}`

func TestParseSimpleApp(t *testing.T) {
	s := newTestStore(t)
	_, res, err := submit(t, s, simpleApp)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)
	require.Equal(t, 0, res.Linked)
	require.Equal(t, 1, res.Total())

	pkg, err := s.GetPackageByNameVersion(context.Background(), "lodash", "4.17.21")
	require.NoError(t, err)
	require.Equal(t, "MIT", pkg.LicenseIdentifier)
	require.Equal(t, "https://up/lodash/-/lodash-4.17.21.tgz", pkg.URL)

	ps, err := s.GetStatus(context.Background(), pkg.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusCheckingLicence, ps.Status)
}

func TestParseDeduplicatesNestedCopies(t *testing.T) {
	s := newTestStore(t)
	blob := `{
		"lockfileVersion": 3,
		"packages": {
			"": {},
			"node_modules/lodash": {"version": "4.17.21", "license": "MIT"},
			"node_modules/x": {"version": "2.0.0"},
			"node_modules/x/node_modules/lodash": {"version": "4.17.21"}
		}
	}`
	_, res, err := submit(t, s, blob)
	require.NoError(t, err)
	require.Equal(t, 2, res.Created) // lodash once, x once

	// The first occurrence's metadata won.
	pkg, err := s.GetPackageByNameVersion(context.Background(), "lodash", "4.17.21")
	require.NoError(t, err)
	require.Equal(t, "MIT", pkg.LicenseIdentifier)
}

func TestParseScopedNestedNameInference(t *testing.T) {
	s := newTestStore(t)
	blob := `{
		"lockfileVersion": 3,
		"packages": {
			"": {},
			"node_modules/test-exclude/node_modules/@types/node": {"version": "20.1.0"}
		}
	}`
	_, res, err := submit(t, s, blob)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	_, err = s.GetPackageByNameVersion(context.Background(), "@types/node", "20.1.0")
	require.NoError(t, err)
}

func TestParseRejectsOldLockfile(t *testing.T) {
	s := newTestStore(t)
	_, _, err := submit(t, s, `{"lockfileVersion": 1, "packages": {"": {}}}`)
	require.ErrorIs(t, err, ErrManifestRejected)

	// No packages were created.
	n, err := s.CountByStatus(context.Background(), contracts.StatusCheckingLicence)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestParseRejectsNonJSON(t *testing.T) {
	s := newTestStore(t)
	_, _, err := submit(t, s, `not json at all`)
	require.ErrorIs(t, err, ErrManifestRejected)
}

func TestParseRejectsMissingPackages(t *testing.T) {
	s := newTestStore(t)
	_, _, err := submit(t, s, `{"lockfileVersion": 3}`)
	require.ErrorIs(t, err, ErrManifestRejected)
}

func TestParseSkipsUnresolvableEntries(t *testing.T) {
	s := newTestStore(t)
	blob := `{
		"lockfileVersion": 3,
		"packages": {
			"": {},
			"vendored/no-marker": {"version": "1.0.0"},
			"node_modules/no-version": {},
			"node_modules/ok": {"version": "1.2.3"}
		}
	}`
	_, res, err := submit(t, s, blob)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)
	require.Equal(t, 2, res.Skipped)
}

func TestParseReplayIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req1, res1, err := submit(t, s, simpleApp)
	require.NoError(t, err)
	require.Equal(t, 1, res1.Created)

	req2, res2, err := submit(t, s, simpleApp)
	require.NoError(t, err)
	require.Equal(t, 0, res2.Created)
	require.Equal(t, 1, res2.Linked)
	require.NotEqual(t, req1.ID, req2.ID)

	// Both requests link the same package row.
	l1, _ := s.PackagesForRequest(ctx, req1.ID)
	l2, _ := s.PackagesForRequest(ctx, req2.ID)
	require.Len(t, l1, 1)
	require.Len(t, l2, 1)
	require.Equal(t, l1[0].PackageID, l2[0].PackageID)
	require.Equal(t, contracts.PackageTypeNew, l1[0].PackageType)
	require.Equal(t, contracts.PackageTypeExisting, l2[0].PackageType)
}

func TestInferName(t *testing.T) {
	cases := []struct {
		path, name, want string
	}{
		{"node_modules/lodash", "", "lodash"},
		{"node_modules/@types/node", "", "@types/node"},
		{"node_modules/test-exclude/node_modules/@types/node", "", "@types/node"},
		{"node_modules/a/node_modules/b", "", "b"},
		{"node_modules/whatever", "explicit", "explicit"},
		{"vendored/thing", "", ""},
		{"node_modules/@scope", "", ""}, // scope without a name segment
		{"node_modules/", "", ""},
	}
	for _, c := range cases {
		got := InferName(Entry{Path: c.path, Name: c.name})
		if got != c.want {
			t.Errorf("InferName(%q, name=%q) = %q, want %q", c.path, c.name, got, c.want)
		}
	}
}
