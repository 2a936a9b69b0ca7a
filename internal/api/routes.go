package api

import (
	"net/http"

	"jobwatch/internal/dispatcher"
	"jobwatch/internal/health"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Session       Session
	Metrics       HTTPMetrics
	HealthChecker *health.Checker
	Dispatcher    dispatcher.Dispatcher
	APIKey        string
	RateLimit     RateLimitConfig
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Session, cfg.HealthChecker, cfg.Dispatcher)

	mux := http.NewServeMux()

	// Probes - no auth, no rate limit
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	protect := chain(AuthMiddleware(cfg.APIKey), RateLimitMiddleware(cfg.RateLimit))
	mux.Handle("GET /v1/session", protect(http.HandlerFunc(handler.GetSession)))
	mux.Handle("GET /v1/jobs", protect(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", protect(http.HandlerFunc(handler.GetJob)))
	mux.Handle("PUT /v1/jobs/{jobId}/subscription", protect(http.HandlerFunc(handler.Subscribe)))
	mux.Handle("DELETE /v1/jobs/{jobId}/subscription", protect(http.HandlerFunc(handler.Unsubscribe)))
	mux.Handle("POST /v1/jobs/{jobId}/refresh", protect(http.HandlerFunc(handler.RefreshJob)))

	// Outermost first
	var h http.Handler = mux
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}

// chain applies mws so that the first one runs first.
func chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
