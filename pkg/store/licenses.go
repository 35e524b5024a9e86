package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkgport/pkgport/pkg/contracts"
)

// ListSupportedLicenses returns the licence policy table. The
// classifier snapshots it once per worker cycle.
func (s *Store) ListSupportedLicenses(ctx context.Context) ([]*contracts.SupportedLicense, error) {
	rows, err := s.query(ctx, `
		SELECT id, identifier, tier, created_at
		FROM supported_licenses
		ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("list supported licenses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.SupportedLicense
	for rows.Next() {
		var lic contracts.SupportedLicense
		var tier, createdAt string
		if err := rows.Scan(&lic.ID, &lic.Identifier, &tier, &createdAt); err != nil {
			return nil, err
		}
		lic.Tier = contracts.Tier(tier)
		lic.CreatedAt = parseTime(createdAt)
		out = append(out, &lic)
	}
	return out, rows.Err()
}

// UpsertSupportedLicense writes one licence policy row. The table is
// administered out of band; this exists for seeding and tests.
func (s *Store) UpsertSupportedLicense(ctx context.Context, identifier string, tier contracts.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("unknown tier %q", tier)
	}
	_, err := s.exec(ctx, `
		INSERT INTO supported_licenses (id, identifier, tier, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (identifier) DO UPDATE SET tier = excluded.tier`,
		uuid.New().String(), identifier, string(tier), fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("upsert supported license %s: %w", identifier, err)
	}
	return nil
}
