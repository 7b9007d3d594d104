package main

import (
	"net/http"
	"strings"

	"catalog-proxy-go/middleware"
	"catalog-proxy-go/stats"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// publicPaths skip the admin key check
var publicPaths = []string{"/health", "/metrics", "/"}

// setupRoutes configures all HTTP routes for the API
func (a *app) setupRoutes(router *mux.Router) {
	// Catalog proxy routes, rate limited inside the pipeline
	for _, rt := range a.routes {
		router.PathPrefix(rt.prefix).Handler(countRequests(a.stats, "proxy", a.pipeline.Handler(rt.upstream)))
	}

	admin := router.NewRoute().Subrouter()
	admin.Use(func(next http.Handler) http.Handler {
		return countRequests(a.stats, "", next)
	})
	admin.Use(middleware.APIKeyMiddleware(a.cfg.Server.AdminAPIKey, a.cfg.Server.AdminAPIKey != "", publicPaths))
	admin.Use(middleware.RateLimitMiddleware(middleware.RateLimitOptions{
		Limiter:           a.limiter,
		Policies:          a.cfg.RatePolicies(),
		AdminKey:          a.cfg.Server.AdminAPIKey,
		TrustForwardedFor: a.cfg.Server.TrustForwardedFor,
		Stats:             a.stats,
	}))

	// Health and stats endpoints
	admin.HandleFunc("/health", a.getHealthStatus).Methods(http.MethodGet)
	admin.HandleFunc("/stats", a.getStats).Methods(http.MethodGet)
	admin.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Cache management endpoints
	admin.HandleFunc("/cache/lookup", a.cacheLookup).Methods(http.MethodGet)
	admin.HandleFunc("/cache/clear", a.clearCache).Methods(http.MethodPost)

	// Circuit breaker endpoints
	admin.HandleFunc("/circuit-breaker", a.getCircuitBreakerStatus).Methods(http.MethodGet)
	admin.HandleFunc("/circuit-breaker/reset", a.resetCircuitBreaker).Methods(http.MethodPost)

	// Retry queue endpoints
	admin.HandleFunc("/retry-queue", a.getRetryQueueStatus).Methods(http.MethodGet)
	admin.HandleFunc("/retry-queue/drain", a.drainRetryQueue).Methods(http.MethodPost)

	admin.HandleFunc("/test-notifications", a.testNotifications).Methods(http.MethodPost)
	admin.HandleFunc("/credentials/rotate", a.rotateCredentials).Methods(http.MethodPost)

	// Help endpoint
	admin.HandleFunc("/", a.helpHandler).Methods(http.MethodGet)
}

// handler returns the full middleware chain around the router
func (a *app) handler() http.Handler {
	router := mux.NewRouter()
	a.setupRoutes(router)

	c := cors.New(cors.Options{
		AllowedOrigins:   a.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Music-User-Token", "Content-Type", "Accept-Language", "X-API-Key"},
		ExposedHeaders:   []string{"X-Cache-Status", "X-Upstream", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
	})

	return middleware.LoggingMiddleware(c.Handler(router))
}

// countRequests records the request class. An empty class is derived from the path.
func countRequests(s *stats.Stats, class string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := class
		if c == "" {
			c = "admin"
			if r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/metrics") {
				c = "health"
			}
		}
		s.RecordRequest(c)
		next.ServeHTTP(w, r)
	})
}
