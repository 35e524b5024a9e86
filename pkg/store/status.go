package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pkgport/pkgport/pkg/contracts"
)

// Set is an additional column assignment carried by a Transition.
type Set struct {
	column string
	value  any
}

// SetLicense records the classifier outcome alongside the transition.
func SetLicense(score int, tier contracts.Tier) []Set {
	return []Set{
		{"license_score", score},
		{"license_status", string(tier)},
	}
}

// SetDownload records the artifact capture alongside the transition.
func SetDownload(cachePath string, fileSize int64, checksum string) []Set {
	return []Set{
		{"cache_path", cachePath},
		{"file_size", fileSize},
		{"checksum", checksum},
	}
}

// SetSecurityScore records the scan outcome alongside the transition.
func SetSecurityScore(score int) []Set {
	return []Set{{"security_score", score}}
}

// SetApprover records who approved the package.
func SetApprover(userID string) []Set {
	return []Set{{"approver_id", userID}}
}

// SetRejector records who rejected the package and why.
func SetRejector(userID, reason string) []Set {
	return []Set{
		{"rejector_id", userID},
		{"rejection_reason", reason},
	}
}

// SetPublishedAt stamps the successful publication time.
func SetPublishedAt(t time.Time) []Set {
	return []Set{{"published_at", fmtTime(t)}}
}

// Transition performs the compare-and-set status update: it commits
// from -> to (plus any extra column sets) only if the row is still in
// from. Returns ErrStatusConflict when another worker or the
// supervisor got there first, and ErrIllegalTransition when the state
// machine forbids the move outright.
func (s *Store) Transition(ctx context.Context, packageID string, from, to contracts.Status, sets ...[]Set) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
	}

	var b strings.Builder
	b.WriteString("UPDATE package_status SET status = ?, updated_at = ?")
	args := []any{string(to), fmtTime(time.Now().UTC())}
	for _, group := range sets {
		for _, set := range group {
			b.WriteString(", ")
			b.WriteString(set.column)
			b.WriteString(" = ?")
			args = append(args, set.value)
		}
	}
	b.WriteString(" WHERE package_id = ? AND status = ?")
	args = append(args, packageID, string(from))

	res, err := s.exec(ctx, b.String(), args...)
	if err != nil {
		return fmt.Errorf("transition %s %s -> %s: %w", packageID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition %s rows affected: %w", packageID, err)
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// GetStatus loads the status row for a package.
func (s *Store) GetStatus(ctx context.Context, packageID string) (*contracts.PackageStatus, error) {
	row := s.queryRow(ctx, `
		SELECT package_id, status, license_score, license_status, security_score,
		       cache_path, file_size, checksum, approver_id, rejector_id,
		       rejection_reason, published_at, created_at, updated_at
		FROM package_status WHERE package_id = ?`, packageID)

	var ps contracts.PackageStatus
	var status, publishedAt, createdAt, updatedAt string
	err := row.Scan(&ps.PackageID, &status, &ps.LicenseScore, &ps.LicenseStatus,
		&ps.SecurityScore, &ps.CachePath, &ps.FileSize, &ps.Checksum,
		&ps.ApproverID, &ps.RejectorID, &ps.RejectionReason,
		&publishedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get status %s: %w", packageID, err)
	}
	ps.Status = contracts.Status(status)
	if publishedAt != "" {
		t := parseTime(publishedAt)
		ps.PublishedAt = &t
	}
	ps.CreatedAt = parseTime(createdAt)
	ps.UpdatedAt = parseTime(updatedAt)
	return &ps, nil
}

// WorkItem is a claimed unit of stage work: the package plus its
// status row as of the claim.
type WorkItem struct {
	Package contracts.Package
	Status  contracts.PackageStatus
}

// ClaimForStage selects up to limit oldest rows in state from and,
// when the stage has a distinct in-flight state, CASes each into it.
// Rows that lose the CAS race are dropped from the batch. The claimed
// field of each returned item reflects the post-claim state.
func (s *Store) ClaimForStage(ctx context.Context, from, inflight contracts.Status, limit int) ([]*WorkItem, error) {
	rows, err := s.query(ctx, `
		SELECT p.id, p.name, p.version, p.url, p.integrity, p.license_identifier,
		       ps.status, ps.license_score, ps.license_status, ps.security_score,
		       ps.cache_path, ps.file_size, ps.checksum
		FROM package_status ps
		JOIN packages p ON p.id = ps.package_id
		WHERE ps.status = ?
		ORDER BY ps.updated_at ASC
		LIMIT ?`, string(from), limit)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", from, err)
	}

	var candidates []*WorkItem
	for rows.Next() {
		var item WorkItem
		var status string
		if err := rows.Scan(&item.Package.ID, &item.Package.Name, &item.Package.Version,
			&item.Package.URL, &item.Package.Integrity, &item.Package.LicenseIdentifier,
			&status, &item.Status.LicenseScore, &item.Status.LicenseStatus,
			&item.Status.SecurityScore, &item.Status.CachePath,
			&item.Status.FileSize, &item.Status.Checksum); err != nil {
			_ = rows.Close()
			return nil, err
		}
		item.Status.PackageID = item.Package.ID
		item.Status.Status = contracts.Status(status)
		candidates = append(candidates, &item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if inflight == from {
		return candidates, nil
	}

	claimed := candidates[:0]
	for _, item := range candidates {
		err := s.Transition(ctx, item.Package.ID, from, inflight)
		if errors.Is(err, ErrStatusConflict) {
			continue // another worker or the supervisor won
		}
		if err != nil {
			return claimed, err
		}
		item.Status.Status = inflight
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// CountByStatus returns how many packages sit in the given state.
func (s *Store) CountByStatus(ctx context.Context, status contracts.Status) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM package_status WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", status, err)
	}
	return n, nil
}

// SweepStuck is the supervisor's recovery pass: every in-flight row
// whose updated_at predates the cutoff is returned to its prior
// checked state (Checking Licence rows just get their updated_at
// refreshed). Returns the number of rows recovered per state.
// Idempotent under concurrent execution: the conditional UPDATE is
// the same CAS the workers use.
func (s *Store) SweepStuck(ctx context.Context, cutoff time.Time) (map[contracts.Status]int, error) {
	recovered := make(map[contracts.Status]int)
	now := fmtTime(time.Now().UTC())
	for _, state := range contracts.InFlightStatuses() {
		target, _ := state.ResetTarget()
		res, err := s.exec(ctx, `
			UPDATE package_status SET status = ?, updated_at = ?
			WHERE status = ? AND updated_at < ?`,
			string(target), now, string(state), fmtTime(cutoff))
		if err != nil {
			return recovered, fmt.Errorf("sweep %s: %w", state, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			recovered[state] = int(n)
		}
	}
	return recovered, nil
}

// ResetFailure is the operator's manual retry: it moves a retryable
// failure state back to its prior checked state under CAS. Policy
// failures and terminal states return ErrIllegalTransition.
func (s *Store) ResetFailure(ctx context.Context, packageID string) (contracts.Status, error) {
	ps, err := s.GetStatus(ctx, packageID)
	if err != nil {
		return "", err
	}
	target, ok := ps.Status.RetryTarget()
	if !ok {
		return "", fmt.Errorf("status %s is not retryable: %w", ps.Status, ErrIllegalTransition)
	}
	res, err := s.exec(ctx, `
		UPDATE package_status SET status = ?, updated_at = ?
		WHERE package_id = ? AND status = ?`,
		string(target), fmtTime(time.Now().UTC()), packageID, string(ps.Status))
	if err != nil {
		return "", fmt.Errorf("reset %s: %w", packageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrStatusConflict
	}
	return target, nil
}
