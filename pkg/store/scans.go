package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkgport/pkgport/pkg/contracts"
)

// InsertScan appends a scan record for a package. Scan history is
// append-only; one row per scan run.
func (s *Store) InsertScan(ctx context.Context, scan *contracts.SecurityScan) error {
	if scan.ID == "" {
		scan.ID = uuid.New().String()
	}
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO security_scans (id, package_id, critical_count, high_count,
			medium_count, low_count, info_count, security_score, raw_result,
			duration_ms, tool_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scan.ID, scan.PackageID, scan.CriticalCount, scan.HighCount,
		scan.MediumCount, scan.LowCount, scan.InfoCount, scan.SecurityScore,
		[]byte(scan.RawResult), scan.DurationMS, scan.ToolVersion, fmtTime(scan.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert scan for %s: %w", scan.PackageID, err)
	}
	return nil
}

// LatestScan returns the most recent scan run for a package.
func (s *Store) LatestScan(ctx context.Context, packageID string) (*contracts.SecurityScan, error) {
	row := s.queryRow(ctx, `
		SELECT id, package_id, critical_count, high_count, medium_count,
		       low_count, info_count, security_score, raw_result, duration_ms,
		       tool_version, created_at
		FROM security_scans
		WHERE package_id = ?
		ORDER BY created_at DESC
		LIMIT 1`, packageID)

	var scan contracts.SecurityScan
	var raw []byte
	var createdAt string
	err := row.Scan(&scan.ID, &scan.PackageID, &scan.CriticalCount, &scan.HighCount,
		&scan.MediumCount, &scan.LowCount, &scan.InfoCount, &scan.SecurityScore,
		&raw, &scan.DurationMS, &scan.ToolVersion, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest scan for %s: %w", packageID, err)
	}
	scan.RawResult = raw
	scan.CreatedAt = parseTime(createdAt)
	return &scan, nil
}
