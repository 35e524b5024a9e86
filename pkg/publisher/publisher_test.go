package publisher

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkgport/pkgport/pkg/contracts"
	"github.com/stretchr/testify/require"
)

func cachedTree(t *testing.T, withManifest bool) string {
	t.Helper()
	dir := t.TempDir()
	pkgDir := filepath.Join(dir, "package")
	require.NoError(t, os.MkdirAll(pkgDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(pkgDir, "index.js"), []byte("module.exports = {}\n"), 0o644))
	if withManifest {
		require.NoError(t, os.WriteFile(
			filepath.Join(pkgDir, "package.json"),
			[]byte(`{"name":"lodash","version":"4.17.21","license":"MIT"}`), 0o644))
	}
	return dir
}

func lodash() *contracts.Package {
	return &contracts.Package{Name: "lodash", Version: "4.17.21", LicenseIdentifier: "MIT"}
}

func extractNames(t *testing.T, tarball []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(tarball))
	require.NoError(t, err)
	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = body
	}
}

func TestBuildTarball(t *testing.T) {
	tarball, err := buildTarball(cachedTree(t, true), lodash())
	require.NoError(t, err)

	files := extractNames(t, tarball)
	require.Contains(t, files, "package/index.js")
	require.Contains(t, files, "package/package.json")
	require.Contains(t, string(files["package/package.json"]), "4.17.21")
}

func TestBuildTarballSynthesizesManifest(t *testing.T) {
	tarball, err := buildTarball(cachedTree(t, false), lodash())
	require.NoError(t, err)

	files := extractNames(t, tarball)
	var manifest map[string]string
	require.NoError(t, json.Unmarshal(files["package/package.json"], &manifest))
	require.Equal(t, "lodash", manifest["name"])
	require.Equal(t, "4.17.21", manifest["version"])
	require.Equal(t, "MIT", manifest["license"])
}

func TestPublish(t *testing.T) {
	var got publishDoc
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/lodash", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := New(srv.URL, "secret-token", time.Second, nil)
	require.NoError(t, p.Publish(context.Background(), lodash(), cachedTree(t, true)))
	require.Equal(t, "Bearer secret-token", gotAuth)

	require.Equal(t, "lodash", got.Name)
	require.Equal(t, "4.17.21", got.DistTags["latest"])

	version, ok := got.Versions["4.17.21"]
	require.True(t, ok)
	require.Equal(t, "MIT", version.License)
	require.Len(t, version.Dist.Shasum, 40)
	require.Contains(t, version.Dist.Tarball, "/lodash/-/lodash-4.17.21.tgz")

	att, ok := got.Attachments["lodash-4.17.21.tgz"]
	require.True(t, ok)
	require.Equal(t, "application/octet-stream", att.ContentType)

	tarball, err := base64.StdEncoding.DecodeString(att.Data)
	require.NoError(t, err)
	require.Len(t, tarball, att.Length)
	require.Contains(t, extractNames(t, tarball), "package/index.js")
	require.Contains(t, Checksum(tarball), "sha256:")
}

func TestPublishConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	p := New(srv.URL, "", time.Second, nil)
	require.NoError(t, p.Publish(context.Background(), lodash(), cachedTree(t, true)))
}

func TestPublishDownstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(srv.URL, "", time.Second, nil)
	err := p.Publish(context.Background(), lodash(), cachedTree(t, true))
	require.ErrorIs(t, err, ErrDownstreamUnavailable)
}

func TestPublishRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := New(srv.URL, "", time.Second, nil)
	err := p.Publish(context.Background(), lodash(), cachedTree(t, true))
	require.ErrorIs(t, err, ErrPublishRejected)
}

func TestScopedTarballName(t *testing.T) {
	var got publishDoc
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/"+`@types%2Fnode`, r.URL.EscapedPath())
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := New(srv.URL, "", time.Second, nil)
	pkg := &contracts.Package{Name: "@types/node", Version: "20.1.0", LicenseIdentifier: "MIT"}
	require.NoError(t, p.Publish(context.Background(), pkg, cachedTree(t, true)))
	require.Contains(t, got.Attachments, "node-20.1.0.tgz")
}