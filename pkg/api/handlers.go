package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/pkgport/pkgport/pkg/auth"
	"github.com/pkgport/pkgport/pkg/contracts"
	"github.com/pkgport/pkgport/pkg/manifest"
	"github.com/pkgport/pkgport/pkg/pipeline"
	"github.com/pkgport/pkgport/pkg/store"
)

// maxManifestBytes caps a submitted lockfile. Large monorepo locks run
// a few megabytes; 32 MiB leaves generous headroom.
const maxManifestBytes = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requirePermission resolves the caller and checks the permission.
// Returns nil after writing the error response when the check fails.
func (s *Server) requirePermission(w http.ResponseWriter, r *http.Request, perm string) auth.Principal {
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return nil
	}
	if !principal.HasPermission(perm) {
		WriteForbidden(w, "missing permission: "+perm)
		return nil
	}
	return principal
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmitManifest accepts a package-lock blob, persists it as a
// request and explodes it into tracked packages. A malformed manifest
// still leaves a request row behind, marked parse_failed, so the
// submission is auditable.
func (s *Server) handleSubmitManifest(w http.ResponseWriter, r *http.Request) {
	principal := s.requirePermission(w, r, auth.PermRequestPackages)
	if principal == nil {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes+1))
	if err != nil {
		WriteBadRequest(w, "could not read request body")
		return
	}
	if len(body) == 0 {
		WriteBadRequest(w, "request body is empty")
		return
	}
	if len(body) > maxManifestBytes {
		WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large",
			"manifest exceeds the 32 MiB limit")
		return
	}

	req, err := s.store.CreateRequest(r.Context(), principal.GetID(), body)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := s.parser.Parse(r.Context(), req)
	if errors.Is(err, manifest.ErrManifestRejected) {
		if markErr := s.store.MarkRequestParseFailed(r.Context(), req.ID); markErr != nil {
			s.logger.Error("failed to mark request parse_failed",
				"request_id", req.ID, "error", markErr)
		}
		WriteBadRequest(w, "request "+req.ID+": "+err.Error())
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"request_id": req.ID,
		"status":     req.Status,
		"created":    result.Created,
		"linked":     result.Linked,
		"skipped":    result.Skipped,
		"total":      result.Total(),
	})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	principal := s.requirePermission(w, r, auth.PermRequestPackages)
	if principal == nil {
		return
	}

	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = principal.GetID()
	}
	if userID != principal.GetID() && !principal.HasPermission(auth.PermAdmin) {
		WriteForbidden(w, "only admins may list other users' requests")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	requests, err := s.store.ListRequestsByUser(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if requests == nil {
		requests = []*contracts.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// handleGetRequest returns the request, its derived aggregate and the
// per-package breakdown in one document.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	principal := s.requirePermission(w, r, auth.PermRequestPackages)
	if principal == nil {
		return
	}

	id := r.PathValue("id")
	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.UserID != principal.GetID() && !principal.HasPermission(auth.PermAdmin) {
		WriteForbidden(w, "request belongs to another user")
		return
	}

	agg, err := s.store.AggregateRequest(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	packages, err := s.store.PackagesForRequest(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if packages == nil {
		packages = []*store.RequestPackageView{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": req.ID,
		"user_id":    req.UserID,
		"status":     req.Status,
		"created_at": req.CreatedAt,
		"aggregate":  agg,
		"packages":   packages,
	})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	if s.requirePermission(w, r, auth.PermRequestPackages) == nil {
		return
	}
	scan, err := s.store.LatestScan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

// handleResetPackage retries a retryable failure. Policy failures
// (licence check) come back as 409.
func (s *Server) handleResetPackage(w http.ResponseWriter, r *http.Request) {
	principal := s.requirePermission(w, r, auth.PermAdmin)
	if principal == nil {
		return
	}
	id := r.PathValue("id")
	target, err := s.approvals.Reset(r.Context(), principal.GetID(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"package_id": id,
		"status":     target,
	})
}

// handlePublishPackage pushes one approved package immediately rather
// than waiting for the publish worker's next cycle.
func (s *Server) handlePublishPackage(w http.ResponseWriter, r *http.Request) {
	principal := s.requirePermission(w, r, auth.PermPublishPackages)
	if principal == nil {
		return
	}
	if s.publish == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable",
			"publishing is not enabled on this node")
		return
	}
	id := r.PathValue("id")
	status, err := s.publish.PublishOne(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"package_id": id,
		"status":     status,
	})
}

type batchDecision struct {
	PackageIDs []string `json:"package_ids"`
	Reason     string   `json:"reason,omitempty"`
}

func decodeBatch(w http.ResponseWriter, r *http.Request) (*batchDecision, bool) {
	var body batchDecision
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return nil, false
	}
	if len(body.PackageIDs) == 0 {
		WriteBadRequest(w, "package_ids must not be empty")
		return nil, false
	}
	return &body, true
}

func (s *Server) handleApproveBatch(w http.ResponseWriter, r *http.Request) {
	principal := s.requirePermission(w, r, auth.PermApprovePackages)
	if principal == nil {
		return
	}
	body, ok := decodeBatch(w, r)
	if !ok {
		return
	}
	outcomes, err := s.approvals.Approve(r.Context(), principal.GetID(), body.PackageIDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (s *Server) handleRejectBatch(w http.ResponseWriter, r *http.Request) {
	principal := s.requirePermission(w, r, auth.PermApprovePackages)
	if principal == nil {
		return
	}
	body, ok := decodeBatch(w, r)
	if !ok {
		return
	}
	outcomes, err := s.approvals.Reject(r.Context(), principal.GetID(), body.Reason, body.PackageIDs)
	if errors.Is(err, pipeline.ErrEmptyReason) {
		WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (s *Server) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	if s.requirePermission(w, r, auth.PermRequestPackages) == nil {
		return
	}
	licenses, err := s.store.ListSupportedLicenses(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if licenses == nil {
		licenses = []*contracts.SupportedLicense{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"licenses": licenses})
}
