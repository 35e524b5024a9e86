package store

import (
	"context"
	"fmt"

	"github.com/pkgport/pkgport/pkg/contracts"
)

// AggregateRequest projects the states of all packages linked to a
// request into a derived status and completion percentage. One GROUP
// BY query; nothing is mutated or cached.
func (s *Store) AggregateRequest(ctx context.Context, requestID string) (*contracts.RequestAggregate, error) {
	rows, err := s.query(ctx, `
		SELECT ps.status, COUNT(*)
		FROM request_packages rp
		JOIN package_status ps ON ps.package_id = rp.package_id
		WHERE rp.request_id = ?
		GROUP BY ps.status`, requestID)
	if err != nil {
		return nil, fmt.Errorf("aggregate request %s: %w", requestID, err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[contracts.Status]int)
	total := 0
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[contracts.Status(status)] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	agg := &contracts.RequestAggregate{
		RequestID:      requestID,
		TotalPackages:  total,
		CountsByStatus: counts,
	}
	if total == 0 {
		agg.CurrentStatus = contracts.AggregateNoPackages
		return agg, nil
	}

	settled := 0
	for status, n := range counts {
		if status.Settled() {
			settled += n
		}
	}
	agg.CompletionPercentage = float64(settled) / float64(total) * 100

	switch {
	case counts[contracts.StatusPendingApproval] == total:
		agg.CurrentStatus = contracts.AggregatePendingApproval
	case counts[contracts.StatusApproved]+counts[contracts.StatusPublished] == total:
		agg.CurrentStatus = contracts.AggregateApproved
	default:
		agg.CurrentStatus = contracts.AggregateProcessing
	}
	return agg, nil
}
