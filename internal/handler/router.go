package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// HealthFunc reports whether the service's dependencies are reachable.
type HealthFunc func(ctx context.Context) error

// NewRouter creates and configures the Chi router with all middleware and
// routes. limiter may be nil, which disables IP rate limiting.
func NewRouter(cfg *config.Config, auth *AuthHandler, limiter RateLimiter, health HealthFunc, logger *zap.Logger) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if limiter != nil {
		router.Use(RateLimitMiddleware(limiter, logger))
	}

	router.Route(cfg.APIPath, func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()

			if health != nil {
				if err := health(ctx); err != nil {
					util.Warn("Health check failed", util.ErrorField(err))
					respondWithJSON(w, http.StatusServiceUnavailable, Response{
						Success: false,
						Error:   err.Error(),
						Message: "Service unhealthy",
					})
					return
				}
			}
			respondWithJSON(w, http.StatusOK, successResponse(
				map[string]string{"status": "healthy", "service": cfg.ServiceName},
				"Service is healthy",
			))
		})

		api.Route("/v1/auth", auth.RegisterRoutes)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusNotFound, Response{Success: false, Message: "Route not found"})
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusMethodNotAllowed, Response{Success: false, Message: "Method not allowed"})
	})

	return router
}
