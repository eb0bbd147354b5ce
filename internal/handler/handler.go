// Package handler implements the three-request upload protocol (spec
// §4.1): pre-request, STATUS, and chunk PUT, routed with Go 1.22
// http.ServeMux method+path patterns exactly as the teacher's routes.go
// does — no external router is wired in (DESIGN.md justifies this as the
// one HTTP-surface concern left on the standard library).
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cyface-de/ingest-storage/internal/config"
	"github.com/cyface-de/ingest-storage/internal/middleware"
	"github.com/cyface-de/ingest-storage/internal/store"
	"github.com/cyface-de/ingest-storage/internal/upload"
)

// ReadinessChecker reports whether the active storage backend is healthy
// enough to accept uploads (spec's readiness endpoint, carried over from
// the teacher's Kubernetes-probe design).
type ReadinessChecker interface {
	Ready(ctx context.Context) (ok bool, detail string)
}

// Handler holds the dependencies every route needs.
type Handler struct {
	cfg       *config.Config
	sessions  *upload.Store
	backend   store.Service
	readiness ReadinessChecker
	logger    zerolog.Logger
	metrics   *Metrics
}

// New registers all routes and returns the root http.Handler.
//
// Middleware stack (outer → inner):
//
//	RequestLog → ServeMux → ServiceToken auth → UploadLimiter → handler
func New(cfg *config.Config, sessions *upload.Store, backend store.Service, readiness ReadinessChecker, logger zerolog.Logger) http.Handler {
	registry := prometheus.NewRegistry()
	h := &Handler{
		cfg:       cfg,
		sessions:  sessions,
		backend:   backend,
		readiness: readiness,
		logger:    logger,
		metrics:   NewMetrics(registry),
	}

	auth := middleware.ServiceToken(cfg.ServiceToken)
	logMW := middleware.RequestLog(logger)
	limiter := middleware.NewUploadLimiter(cfg.MaxConcurrentUploads)

	mux := http.NewServeMux()
	base := cfg.HTTPEndpoint

	// Measurement pre-request.
	mux.Handle("POST "+base+"/measurements",
		auth(http.HandlerFunc(h.PreRequestMeasurement)))

	// Measurement upload — status query or chunk PUT, disambiguated by
	// Content-Range (spec §4.1).
	mux.Handle("PUT "+base+"/measurements/{sid}/",
		auth(limiter.Limit(http.HandlerFunc(h.Upload))))

	// Attachment pre-request.
	mux.Handle("POST "+base+"/measurements/{deviceId}/{measurementId}/attachments",
		auth(http.HandlerFunc(h.PreRequestAttachment)))

	// Attachment upload.
	mux.Handle("PUT "+base+"/measurements/{deviceId}/{measurementId}/attachments/{sid}/",
		auth(limiter.Limit(http.HandlerFunc(h.Upload))))

	// Observability.
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /healthz/ready", http.HandlerFunc(h.Readiness))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return logMW(mux)
}

// Readiness is the Kubernetes readiness probe handler. Returns 200 when
// the service can accept uploads; 503 when it cannot. Which checks run
// depends on the active storage backend (Mongo ping, GCS bucket stat, or
// local disk-space check) rather than the teacher's single local-disk
// check.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ok, detail := h.readiness.Ready(r.Context())

	if _, err := os.Stat(h.cfg.UploadFolder); err != nil {
		ok = false
		if detail != "" {
			detail += "; "
		}
		detail += "upload folder not accessible"
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ok, "detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
