package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pkgport/pkgport/pkg/audit"
	"github.com/pkgport/pkgport/pkg/contracts"
	"github.com/pkgport/pkgport/pkg/store"
)

// ErrEmptyReason rejects a rejection without a stated reason.
var ErrEmptyReason = errors.New("rejection reason must not be empty")

// Approvals applies operator approve/reject decisions to packages in
// Pending Approval. Batches are not transactional: each package gets
// its own CAS and its own outcome, so one already-moved package never
// voids the rest of the batch.
type Approvals struct {
	store  *store.Store
	audit  audit.Logger
	logger *slog.Logger
}

// NewApprovals builds the approval service.
func NewApprovals(s *store.Store, auditLog audit.Logger, logger *slog.Logger) *Approvals {
	if logger == nil {
		logger = slog.Default()
	}
	return &Approvals{store: s, audit: auditLog, logger: logger}
}

// Outcome is the per-package result of a batch decision.
type Outcome struct {
	PackageID string `json:"package_id"`
	Applied   bool   `json:"applied"`
	Error     string `json:"error,omitempty"`
}

// Approve moves each package Pending Approval -> Approved, stamping
// the approver.
func (a *Approvals) Approve(ctx context.Context, approverID string, packageIDs []string) ([]Outcome, error) {
	if len(packageIDs) == 0 {
		return nil, errors.New("no package ids given")
	}

	outcomes := make([]Outcome, 0, len(packageIDs))
	applied := 0
	for _, id := range packageIDs {
		outcome := a.apply(ctx, id,
			contracts.StatusApproved, store.SetApprover(approverID))
		if outcome.Applied {
			applied++
			a.record(ctx, audit.ActionApprove, id, map[string]string{"approver": approverID})
		}
		outcomes = append(outcomes, outcome)
	}

	a.record(ctx, audit.ActionBatch, "", map[string]any{
		"decision": "approve",
		"actor":    approverID,
		"total":    len(packageIDs),
		"applied":  applied,
	})
	return outcomes, nil
}

// Reject moves each package Pending Approval -> Rejected with the
// operator's reason.
func (a *Approvals) Reject(ctx context.Context, rejectorID, reason string, packageIDs []string) ([]Outcome, error) {
	if len(packageIDs) == 0 {
		return nil, errors.New("no package ids given")
	}
	if reason == "" {
		return nil, ErrEmptyReason
	}

	outcomes := make([]Outcome, 0, len(packageIDs))
	applied := 0
	for _, id := range packageIDs {
		outcome := a.apply(ctx, id,
			contracts.StatusRejected, store.SetRejector(rejectorID, reason))
		if outcome.Applied {
			applied++
			a.record(ctx, audit.ActionReject, id, map[string]string{
				"rejector": rejectorID,
				"reason":   reason,
			})
		}
		outcomes = append(outcomes, outcome)
	}

	a.record(ctx, audit.ActionBatch, "", map[string]any{
		"decision": "reject",
		"actor":    rejectorID,
		"reason":   reason,
		"total":    len(packageIDs),
		"applied":  applied,
	})
	return outcomes, nil
}

// Reset retries a failed package: its status moves back to the prior
// checked state so the pipeline picks it up again.
func (a *Approvals) Reset(ctx context.Context, actorID, packageID string) (contracts.Status, error) {
	target, err := a.store.ResetFailure(ctx, packageID)
	if err != nil {
		return "", err
	}
	a.record(ctx, audit.ActionReset, packageID, map[string]string{
		"actor":  actorID,
		"target": string(target),
	})
	return target, nil
}

func (a *Approvals) apply(ctx context.Context, packageID string, to contracts.Status, sets []store.Set) Outcome {
	err := a.store.Transition(ctx, packageID, contracts.StatusPendingApproval, to, sets)
	switch {
	case err == nil:
		return Outcome{PackageID: packageID, Applied: true}
	case errors.Is(err, store.ErrStatusConflict):
		return Outcome{PackageID: packageID, Error: "package is not pending approval"}
	default:
		return Outcome{PackageID: packageID, Error: fmt.Sprintf("transition failed: %v", err)}
	}
}

func (a *Approvals) record(ctx context.Context, action, subject string, payload any) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Record(ctx, action, subject, payload); err != nil {
		a.logger.Error("failed to write audit entry",
			"action", action, "subject", subject, "error", err)
	}
}
