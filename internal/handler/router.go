package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"faceauth-service/internal/config"
	"faceauth-service/internal/metrics"
)

// Router is the HTTP surface plus the background state it owns.
type Router struct {
	chi.Router
	limiter *ipLimiter
}

// Close stops the rate limiter's sweeper.
func (r *Router) Close() {
	r.limiter.Stop()
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg *config.Config, authHandler *AuthHandler, ready *Readiness, m *metrics.Metrics, logger *zap.Logger) *Router {
	router := chi.NewRouter()
	limiter := newIPLimiter(cfg.RateLimit.PerIPRate, cfg.RateLimit.PerIPBurst)
	bodyLimit := cfg.Server.MaxBodyBytes
	if bodyLimit <= 0 {
		bodyLimit = 8 << 20
	}

	if cfg.Server.EnableTLS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(m.Instrument)

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "healthy", "service": cfg.ServiceName})
	})
	router.Method(http.MethodGet, "/ready", ready)
	router.Method(http.MethodGet, "/metrics", m.Handler())

	router.Group(func(r chi.Router) {
		r.Use(limiter.middleware(logger))
		r.Use(maxBodyBytes(bodyLimit))
		// Backstop only; the deadline tracker bounds every downstream call.
		r.Use(middleware.Timeout(cfg.Deadline.Overall + 5*time.Second))
		r.Use(requestBudget(cfg.Deadline))
		authHandler.RegisterRoutes(r)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusNotFound, ErrorResponse{Error: "NOT_FOUND", Message: "endpoint not found"})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusMethodNotAllowed, ErrorResponse{Error: "METHOD_NOT_ALLOWED", Message: "method not allowed"})
	})

	return &Router{Router: router, limiter: limiter}
}
