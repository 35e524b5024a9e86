package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkgport/pkgport/pkg/contracts"
)

// CreatePackage inserts a new package together with its initial
// status row (Checking Licence) and the link to the originating
// request, all in one transaction. Returns ErrDuplicate if the
// (name, version) pair already exists.
func (s *Store) CreatePackage(ctx context.Context, requestID string, pkg *contracts.Package) error {
	if pkg.ID == "" {
		pkg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	pkg.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create package: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO packages (id, name, version, url, integrity, license_identifier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		pkg.ID, pkg.Name, pkg.Version, pkg.URL, pkg.Integrity, pkg.LicenseIdentifier, fmtTime(now)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("package %s@%s: %w", pkg.Name, pkg.Version, ErrDuplicate)
		}
		return fmt.Errorf("insert package %s@%s: %w", pkg.Name, pkg.Version, err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO package_status (package_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)`),
		pkg.ID, contracts.StatusCheckingLicence, fmtTime(now), fmtTime(now)); err != nil {
		return fmt.Errorf("insert package status %s: %w", pkg.ID, err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO request_packages (request_id, package_id, package_type, created_at)
		VALUES (?, ?, ?, ?)`),
		requestID, pkg.ID, contracts.PackageTypeNew, fmtTime(now)); err != nil {
		return fmt.Errorf("link package %s to request %s: %w", pkg.ID, requestID, err)
	}

	return tx.Commit()
}

// LinkExistingPackage links an already-known package to a request.
// Idempotent: replaying the same manifest leaves a single link.
func (s *Store) LinkExistingPackage(ctx context.Context, requestID, packageID string) error {
	_, err := s.exec(ctx, `
		INSERT INTO request_packages (request_id, package_id, package_type, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		requestID, packageID, contracts.PackageTypeExisting, fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("link existing package %s to request %s: %w", packageID, requestID, err)
	}
	return nil
}

// GetPackage loads a package by id.
func (s *Store) GetPackage(ctx context.Context, id string) (*contracts.Package, error) {
	return s.scanPackage(s.queryRow(ctx, `
		SELECT id, name, version, url, integrity, license_identifier, created_at
		FROM packages WHERE id = ?`, id))
}

// GetPackageByNameVersion looks a package up by its natural key.
func (s *Store) GetPackageByNameVersion(ctx context.Context, name, version string) (*contracts.Package, error) {
	return s.scanPackage(s.queryRow(ctx, `
		SELECT id, name, version, url, integrity, license_identifier, created_at
		FROM packages WHERE name = ? AND version = ?`, name, version))
}

func (s *Store) scanPackage(row *sql.Row) (*contracts.Package, error) {
	var pkg contracts.Package
	var createdAt string
	err := row.Scan(&pkg.ID, &pkg.Name, &pkg.Version, &pkg.URL, &pkg.Integrity, &pkg.LicenseIdentifier, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan package: %w", err)
	}
	pkg.CreatedAt = parseTime(createdAt)
	return &pkg, nil
}

// PackagesForRequest returns the packages linked to a request along
// with their link type and current status.
func (s *Store) PackagesForRequest(ctx context.Context, requestID string) ([]*RequestPackageView, error) {
	rows, err := s.query(ctx, `
		SELECT p.id, p.name, p.version, p.license_identifier, rp.package_type,
		       ps.status, ps.license_score, ps.security_score
		FROM request_packages rp
		JOIN packages p ON p.id = rp.package_id
		JOIN package_status ps ON ps.package_id = rp.package_id
		WHERE rp.request_id = ?
		ORDER BY p.name, p.version`, requestID)
	if err != nil {
		return nil, fmt.Errorf("packages for request %s: %w", requestID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RequestPackageView
	for rows.Next() {
		var v RequestPackageView
		if err := rows.Scan(&v.PackageID, &v.Name, &v.Version, &v.LicenseIdentifier,
			&v.PackageType, &v.Status, &v.LicenseScore, &v.SecurityScore); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// RequestPackageView is the read-model row returned to the status API.
type RequestPackageView struct {
	PackageID         string           `json:"package_id"`
	Name              string           `json:"name"`
	Version           string           `json:"version"`
	LicenseIdentifier string           `json:"license_identifier,omitempty"`
	PackageType       string           `json:"package_type"`
	Status            contracts.Status `json:"status"`
	LicenseScore      int              `json:"license_score"`
	SecurityScore     int              `json:"security_score"`
}

// isUniqueViolation matches unique constraint errors from either
// dialect without importing driver error types: lib/pq reports
// "duplicate key value violates unique constraint", modernc sqlite
// "UNIQUE constraint failed".
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
