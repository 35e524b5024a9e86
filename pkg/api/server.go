package api

import (
	"log/slog"
	"net/http"

	"github.com/pkgport/pkgport/pkg/auth"
	"github.com/pkgport/pkgport/pkg/manifest"
	"github.com/pkgport/pkgport/pkg/observability"
	"github.com/pkgport/pkgport/pkg/pipeline"
	"github.com/pkgport/pkgport/pkg/store"
)

// Server bundles the handlers' dependencies.
type Server struct {
	store     *store.Store
	parser    *manifest.Parser
	approvals *pipeline.Approvals
	publish   *pipeline.PublishStage
	logger    *slog.Logger
	metrics   *observability.Provider
}

// NewServer wires the API surface. publish may be nil on replicas
// that only serve reads.
func NewServer(s *store.Store, parser *manifest.Parser, approvals *pipeline.Approvals,
	publish *pipeline.PublishStage, metrics *observability.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     s,
		parser:    parser,
		approvals: approvals,
		publish:   publish,
		logger:    logger.With("component", "api"),
		metrics:   metrics,
	}
}

// Routes builds the route table. Auth and rate limiting are applied
// by Handler; the mux itself is middleware-free so tests can hit
// handlers with a pre-authenticated context.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/manifests", s.handleSubmitManifest)
	mux.HandleFunc("GET /api/v1/requests", s.handleListRequests)
	mux.HandleFunc("GET /api/v1/requests/{id}", s.handleGetRequest)
	mux.HandleFunc("GET /api/v1/packages/{id}/scan", s.handleGetScan)
	mux.HandleFunc("POST /api/v1/packages/{id}/reset", s.handleResetPackage)
	mux.HandleFunc("POST /api/v1/packages/{id}/publish", s.handlePublishPackage)
	mux.HandleFunc("POST /api/v1/approvals/batch", s.handleApproveBatch)
	mux.HandleFunc("POST /api/v1/rejections/batch", s.handleRejectBatch)
	mux.HandleFunc("GET /api/v1/licenses", s.handleListLicenses)
	return mux
}

// Handler assembles the full middleware chain around the routes.
// Auth runs before the limiter so authenticated traffic buckets by
// principal rather than source address.
func (s *Server) Handler(validator *auth.JWTValidator, limiter *auth.RateLimiter) http.Handler {
	mux := s.Routes()
	var h http.Handler = mux
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	h = auth.NewMiddleware(validator)(h)
	h = s.instrument(mux, h)
	h = auth.RequestIDMiddleware(h)
	return h
}
