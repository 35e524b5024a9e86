// Package publisher republishes approved packages into the
// downstream registry.
package publisher

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkgport/pkgport/pkg/contracts"
)

// ErrPublishRejected marks a definitive downstream refusal (4xx other
// than a version conflict). The publish stage treats it as transient
// anyway; operators resolve it by fixing the downstream registry.
var ErrPublishRejected = errors.New("downstream registry rejected publish")

// ErrDownstreamUnavailable marks a retryable downstream failure.
var ErrDownstreamUnavailable = errors.New("downstream registry unavailable")

// Publisher pushes package tarballs to one downstream registry.
type Publisher struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New builds a publisher for the downstream base URL. token may be
// empty for registries that trust the network.
func New(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// publishDoc is the npm publish document: package metadata plus the
// tarball inlined as a base64 attachment.
type publishDoc struct {
	ID          string                `json:"_id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	DistTags    map[string]string     `json:"dist-tags"`
	Versions    map[string]versionDoc `json:"versions"`
	Attachments map[string]attachment `json:"_attachments"`
}

type versionDoc struct {
	Name    string  `json:"name"`
	Version string  `json:"version"`
	License string  `json:"license,omitempty"`
	Dist    distDoc `json:"dist"`
}

type distDoc struct {
	Shasum  string `json:"shasum"`
	Tarball string `json:"tarball"`
}

type attachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
	Length      int    `json:"length"`
}

// Publish rebuilds the package tarball from its cached tree and PUTs
// it to the downstream registry.
func (p *Publisher) Publish(ctx context.Context, pkg *contracts.Package, cachePath string) error {
	tarball, err := buildTarball(cachePath, pkg)
	if err != nil {
		return fmt.Errorf("build tarball for %s@%s: %w", pkg.Name, pkg.Version, err)
	}

	doc := p.buildDoc(pkg, tarball)
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode publish document: %w", err)
	}

	endpoint := p.baseURL + "/" + url.PathEscape(pkg.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode < 300:
		p.logger.Info("published package",
			"package", pkg.Name, "version", pkg.Version, "bytes", len(tarball))
		return nil
	case resp.StatusCode == http.StatusConflict:
		// The version already exists downstream, e.g. a replay after a
		// crash between PUT and the status transition.
		p.logger.Info("package already published downstream",
			"package", pkg.Name, "version", pkg.Version)
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrDownstreamUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrPublishRejected, resp.StatusCode)
	}
}

func (p *Publisher) buildDoc(pkg *contracts.Package, tarball []byte) *publishDoc {
	sha1sum := sha1.Sum(tarball)
	tarballName := fmt.Sprintf("%s-%s.tgz", bareName(pkg.Name), pkg.Version)
	tarballURL := fmt.Sprintf("%s/%s/-/%s", p.baseURL, pkg.Name, tarballName)

	return &publishDoc{
		ID:       pkg.Name,
		Name:     pkg.Name,
		DistTags: map[string]string{"latest": pkg.Version},
		Versions: map[string]versionDoc{
			pkg.Version: {
				Name:    pkg.Name,
				Version: pkg.Version,
				License: pkg.LicenseIdentifier,
				Dist: distDoc{
					Shasum:  hex.EncodeToString(sha1sum[:]),
					Tarball: tarballURL,
				},
			},
		},
		Attachments: map[string]attachment{
			tarballName: {
				ContentType: "application/octet-stream",
				Data:        base64.StdEncoding.EncodeToString(tarball),
				Length:      len(tarball),
			},
		},
	}
}

// buildTarball packs the cached tree back into a gzipped tar rooted
// at "package/", the layout npm expects. A missing package.json is
// synthesized from the recorded metadata.
func buildTarball(dir string, pkg *contracts.Package) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	hasManifest := false
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, "package/") {
			name = "package/" + name
		}
		if name == "package/package.json" {
			hasManifest = true
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: info.Size()}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if !hasManifest {
		manifest, err := json.Marshal(map[string]string{
			"name":    pkg.Name,
			"version": pkg.Version,
			"license": pkg.LicenseIdentifier,
		})
		if err != nil {
			return nil, err
		}
		hdr := &tar.Header{Name: "package/package.json", Mode: 0o644, Size: int64(len(manifest))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(manifest); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Checksum digests a built tarball the way the status record does.
func Checksum(tarball []byte) string {
	sum := sha256.Sum256(tarball)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func bareName(name string) string {
	if _, bare, ok := strings.Cut(name, "/"); ok && strings.HasPrefix(name, "@") {
		return bare
	}
	return name
}
