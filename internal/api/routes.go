package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/segment-engine/internal/config"
	"github.com/ignite/segment-engine/internal/metrics"
	"github.com/ignite/segment-engine/internal/notify"
	"github.com/ignite/segment-engine/internal/pkg/httputil"
)

// Routes bundles everything the router serves. Hub may be nil to disable
// the live event stream.
type Routes struct {
	Segments *SegmentHandlers
	Health   *HealthChecker
	Hub      *notify.Hub
}

// SetupRoutes configures all API routes.
func SetupRoutes(cfg config.ServerConfig, rt Routes) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(observe)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", scopeTokenHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health and metrics (no auth required)
	r.Get("/health", rt.Health.HandleHealth)
	r.Get("/health/live", rt.Health.HandleLiveness)
	r.Get("/health/ready", rt.Health.HandleReadiness)
	r.Handle("/metrics", promhttp.Handler())

	// Live events are scoped by the tenant token in the query string.
	if rt.Hub != nil {
		r.Get("/events", rt.Hub.HandleSSE)
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(requireAPIKey(cfg.APIKey))
		} else {
			r.Use(dropScopeToken)
		}
		r.Route("/segments/{id}", func(r chi.Router) {
			r.Post("/recalculate", rt.Segments.HandleRecalculate)
			r.Get("/history/{type}/{objectID}", rt.Segments.HandleHistory)
			r.Get("/members", rt.Segments.HandleMembers)
			r.Get("/runs", rt.Segments.HandleRuns)
		})
		r.Get("/runs/report", rt.Segments.HandleReport)
	})

	return r
}

// observe records request counts and latencies by route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &metrics.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.ObserveHTTP(r.Method, route, rec.Status, time.Since(start))
	})
}

func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				httputil.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// dropScopeToken strips X-Scope-Token when /api runs without an API key.
// An anonymous caller must not pick which tenant feed hears about a run.
func dropScopeToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(scopeTokenHeader)
		next.ServeHTTP(w, r)
	})
}
