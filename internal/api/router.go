package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promptdesk/promptdesk/internal/database"
	mw "github.com/promptdesk/promptdesk/internal/middleware"
	inats "github.com/promptdesk/promptdesk/internal/nats"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Usage handlers
	GetDailyUsage   http.HandlerFunc
	GetUsageHistory http.HandlerFunc

	// Chat is nil when the chat endpoint is disabled.
	Chat http.HandlerFunc

	// Auth middleware
	AuthMiddleware func(http.Handler) http.Handler
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	// APIRateLimiter, when set, guards every /api/v1 route per client IP.
	APIRateLimiter func(http.Handler) http.Handler
	// Redis is checked by the readiness probe when set.
	Redis Pinger
}

func NewRouter(pool *pgxpool.Pool, natsClient *inats.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"redis":    "healthy",
			"nats":     "healthy",
		}

		status := http.StatusOK
		degrade := func(component, state string) {
			health[component] = state
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if pool == nil {
			health["database"] = "not configured"
		} else if err := database.HealthCheck(r.Context(), pool); err != nil {
			degrade("database", "unhealthy")
		}

		if cfg.Redis == nil {
			health["redis"] = "not configured"
		} else if err := cfg.Redis.Ping(r.Context()); err != nil {
			degrade("redis", "unhealthy")
		}

		if natsClient == nil {
			health["nats"] = "not configured"
		} else if !natsClient.Healthy() {
			degrade("nats", "unhealthy")
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1, every route requires a bearer token
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.APIRateLimiter != nil {
			r.Use(cfg.APIRateLimiter)
		}
		r.Use(h.AuthMiddleware)

		r.Route("/usage", func(r chi.Router) {
			r.Get("/daily", h.GetDailyUsage)
			r.Get("/history", h.GetUsageHistory)
		})

		if h.Chat != nil {
			r.Post("/chat", h.Chat)
		}
	})

	return r
}
