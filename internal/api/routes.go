package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tenderd/internal/health"
	"tenderd/internal/job"
	"tenderd/internal/keystore"
	"tenderd/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Jobs          *job.Manager
	Keys          *keystore.Store
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	AdminSecret   string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Jobs, cfg.Keys, cfg.HealthChecker)

	r := chi.NewRouter()

	// Middleware chain (order matters: outermost first)
	r.Use(RecoveryMiddleware())
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	// Job endpoints - caller key required
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Use(CallerAuthMiddleware(cfg.Keys))
		r.Post("/", handler.CreateJob)
		r.Get("/", handler.ListJobs)
		r.Get("/{jobID}", handler.GetJob)
		r.Post("/{jobID}/captcha", handler.SubmitCaptcha)
		r.Get("/{jobID}/artifact", handler.DownloadArtifact)
	})

	// Key management - admin secret required
	r.Route("/v1/admin/keys", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(cfg.AdminSecret))
		r.Get("/", handler.ListKeys)
		r.Post("/", handler.IssueKey)
		r.Post("/{keyID}/rotate", handler.RotateKey)
		r.Delete("/{keyID}", handler.RevokeKey)
	})

	return r
}
