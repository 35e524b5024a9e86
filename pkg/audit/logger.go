// Package audit records operator decisions in the hash-chained audit
// log.
package audit

import (
	"context"

	"github.com/pkgport/pkgport/pkg/auth"
	"github.com/pkgport/pkgport/pkg/store"
)

// Actions recorded by the pipeline and the API surface.
const (
	ActionApprove = "package.approve"
	ActionReject  = "package.reject"
	ActionPublish = "package.publish"
	ActionReset   = "package.reset"
	ActionBatch   = "approval.batch"
)

// systemActor attributes entries written outside any request context.
const systemActor = "system"

// Logger is the audit recording interface the services depend on.
type Logger interface {
	Record(ctx context.Context, action, subject string, payload any) error
}

// StoreLogger appends entries to the store's hash-chained audit log,
// attributing them to the context principal.
type StoreLogger struct {
	store *store.Store
}

// NewStoreLogger builds a logger over the given store.
func NewStoreLogger(s *store.Store) *StoreLogger {
	return &StoreLogger{store: s}
}

// Record appends one entry. The actor is the authenticated principal,
// or "system" for worker-originated events.
func (l *StoreLogger) Record(ctx context.Context, action, subject string, payload any) error {
	actorID := systemActor
	if principal, err := auth.GetPrincipal(ctx); err == nil {
		actorID = principal.GetID()
	}
	_, err := l.store.AppendAudit(ctx, actorID, action, subject, payload)
	return err
}
