package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	"github.com/pkgport/pkgport/pkg/contracts"
	"github.com/pkgport/pkgport/pkg/store"
)

// Parser explodes a request's manifest blob into Package rows and
// RequestPackage links. New packages start at Checking Licence;
// already-known (name, version) pairs are linked without touching
// their status.
type Parser struct {
	store  *store.Store
	logger *slog.Logger
}

// NewParser builds a parser over the given store.
func NewParser(s *store.Store, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{store: s, logger: logger}
}

// Result summarizes one parse run.
type Result struct {
	RequestID  string   `json:"request_id"`
	Created    int      `json:"created"`
	Linked     int      `json:"linked"`
	Skipped    int      `json:"skipped"`
	PackageIDs []string `json:"package_ids"`
}

// Total returns the number of unique packages the request references.
func (r *Result) Total() int {
	return r.Created + r.Linked
}

// Parse processes the request's raw manifest. A malformed blob fails
// the whole request (ErrManifestRejected, no partial linking);
// individual entries without a resolvable name or version are skipped
// with a debug log.
func (p *Parser) Parse(ctx context.Context, req *contracts.Request) (*Result, error) {
	lock, err := ParseLockfile(req.RawManifest)
	if err != nil {
		return nil, err
	}

	result := &Result{RequestID: req.ID}
	seen := make(map[string]bool)

	for _, entry := range lock.Packages {
		if entry.Path == "" {
			continue // root project entry
		}
		name := InferName(entry)
		if name == "" || entry.Version == "" {
			p.logger.Debug("skipping manifest entry",
				"path", entry.Path, "reason", "missing name or version")
			result.Skipped++
			continue
		}
		if _, err := semver.NewVersion(entry.Version); err != nil {
			// Registries accept a handful of non-semver versions; note
			// it and carry on.
			p.logger.Debug("entry version is not semver",
				"package", name, "version", entry.Version)
		}

		key := name + "@" + entry.Version
		if seen[key] {
			continue // per-manifest dedup keeps the first occurrence
		}
		seen[key] = true

		id, created, err := p.link(ctx, req.ID, name, entry)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", key, err)
		}
		result.PackageIDs = append(result.PackageIDs, id)
		if created {
			result.Created++
		} else {
			result.Linked++
		}
	}
	return result, nil
}

// link creates the package (plus status and request link) or, when
// the (name, version) already exists, only the link.
func (p *Parser) link(ctx context.Context, requestID, name string, entry Entry) (string, bool, error) {
	existing, err := p.store.GetPackageByNameVersion(ctx, name, entry.Version)
	switch {
	case err == nil:
		if err := p.store.LinkExistingPackage(ctx, requestID, existing.ID); err != nil {
			return "", false, err
		}
		return existing.ID, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", false, err
	}

	pkg := &contracts.Package{
		Name:              name,
		Version:           entry.Version,
		URL:               entry.Resolved,
		Integrity:         entry.Integrity,
		LicenseIdentifier: entry.License,
	}
	err = p.store.CreatePackage(ctx, requestID, pkg)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a race with a concurrent parse of the same package:
		// fall back to linking the winner's row.
		winner, lookupErr := p.store.GetPackageByNameVersion(ctx, name, entry.Version)
		if lookupErr != nil {
			return "", false, lookupErr
		}
		return winner.ID, false, p.store.LinkExistingPackage(ctx, requestID, winner.ID)
	}
	if err != nil {
		return "", false, err
	}
	return pkg.ID, true, nil
}
