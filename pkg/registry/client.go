// Package registry fetches package tarballs from the upstream npm
// compatible registry.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkgport/pkgport/pkg/contracts"
)

// ErrUpstreamUnavailable marks a fetch failure the download stage may
// retry: network error, timeout, or a 5xx from upstream.
var ErrUpstreamUnavailable = errors.New("upstream registry unavailable")

// ErrTarballNotFound marks a definitive upstream 404.
var ErrTarballNotFound = errors.New("tarball not found upstream")

// maxTarballBytes caps a single download. npm's own publish limit is
// far below this.
const maxTarballBytes = 512 << 20

// Client downloads tarballs from one upstream registry base URL.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client for the given registry base URL. The
// timeout bounds a whole tarball fetch.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Tarball is one fetched artifact: the raw gzipped tar plus its
// sha256 digest.
type Tarball struct {
	Body     []byte
	Size     int64
	Checksum string // "sha256:" + hex
}

// TarballURL resolves the download URL for a package. A resolved URL
// recorded in the manifest wins when it points at this client's
// upstream; anything else is rebuilt from the registry's path
// convention so submitters cannot redirect downloads off-registry.
func (c *Client) TarballURL(pkg *contracts.Package) string {
	if pkg.URL != "" && strings.HasPrefix(pkg.URL, c.baseURL+"/") {
		return pkg.URL
	}
	name, version := pkg.Name, pkg.Version
	if scope, bare, ok := splitScope(name); ok {
		return fmt.Sprintf("%s/%s/%s/-/%s-%s.tgz", c.baseURL, scope, bare, bare, version)
	}
	return fmt.Sprintf("%s/%s/-/%s-%s.tgz", c.baseURL, name, name, version)
}

// Fetch downloads the package tarball and digests it.
func (c *Client) Fetch(ctx context.Context, pkg *contracts.Package) (*Tarball, error) {
	url := c.TarballURL(pkg)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s@%s", ErrTarballNotFound, pkg.Name, pkg.Version)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: upstream returned %d", ErrUpstreamUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTarballBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, err)
	}
	if len(body) > maxTarballBytes {
		return nil, fmt.Errorf("fetch %s: tarball exceeds %d bytes", url, maxTarballBytes)
	}

	sum := sha256.Sum256(body)
	c.logger.Debug("fetched tarball",
		"package", pkg.Name, "version", pkg.Version, "bytes", len(body))
	return &Tarball{
		Body:     body,
		Size:     int64(len(body)),
		Checksum: "sha256:" + hex.EncodeToString(sum[:]),
	}, nil
}

// splitScope separates "@scope/name" into its parts.
func splitScope(name string) (scope, bare string, ok bool) {
	if !strings.HasPrefix(name, "@") {
		return "", "", false
	}
	scope, bare, ok = strings.Cut(name, "/")
	if !ok || bare == "" {
		return "", "", false
	}
	return scope, bare, true
}
