package api

import (
	"net/http"
	"time"

	"github.com/pkgport/pkgport/pkg/auth"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument logs every request and feeds the HTTP metrics. The route
// pattern, looked up on the mux, labels the metric so that per-id
// paths do not explode cardinality.
func (s *Server) instrument(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(started)
		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordRequest(r.Context(), route, rec.status, elapsed)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", auth.GetRequestID(r.Context()))
	})
}
