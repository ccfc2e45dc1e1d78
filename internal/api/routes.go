package api

import (
	"net/http"

	"tokenbucket/internal/models"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

type routeConfig struct {
	otelService   string
	adminLimiters []mux.MiddlewareFunc
}

// guard wraps h in the admin limiters, first registered outermost. The
// routes are registered on the bucket subrouter directly so that a method
// mismatch on any bucket path still yields 405.
func (c *routeConfig) guard(h http.Handler) http.Handler {
	for i := len(c.adminLimiters) - 1; i >= 0; i-- {
		h = c.adminLimiters[i](h)
	}
	return h
}

// RouteOption configures optional route behavior.
type RouteOption func(*routeConfig)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(c *routeConfig) {
		c.otelService = serviceName
	}
}

// WithRateLimiter guards the bucket administration routes (inspect and
// settings) with middleware. The decision endpoint is never wrapped: it is
// the limiter.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(c *routeConfig) {
		c.adminLimiters = append(c.adminLimiters, middleware)
	}
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, opts ...RouteOption) *mux.Router {
	var cfg routeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	router := mux.NewRouter()

	if cfg.otelService != "" {
		router.Use(otelmux.Middleware(cfg.otelService,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" &&
					r.URL.Path != "/api/v1/health"
			}),
		))
	}
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware)
	router.Use(recoveryMiddleware)

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	router.HandleFunc("/api/v1/health", handlers.HealthCheck).Methods("GET")

	buckets := router.PathPrefix("/api/v1/buckets").Subrouter()
	buckets.HandleFunc("/{id}/limit", handlers.Limit).Methods("POST")

	buckets.Handle("/{id}", cfg.guard(http.HandlerFunc(handlers.GetBucket))).Methods("GET")
	buckets.Handle("/{id}/settings", cfg.guard(http.HandlerFunc(handlers.PutSettings))).Methods("PUT")

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, models.ErrorCodeInvalidRequest, "Method not allowed")
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, models.ErrorCodeNotFound, "Not found")
	})

	return router
}
