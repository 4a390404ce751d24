package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cloo-solutions/strata/internal/api"
	"github.com/cloo-solutions/strata/internal/api/handlers"
	"github.com/cloo-solutions/strata/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HealthCheck probes one backing store.
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	Logger          *zap.Logger
	AdminValidator  middleware.TokenValidator
	ProcessHandler  *handlers.ProcessHandler
	DocumentHandler *handlers.DocumentHandler
	ItemHandler     *handlers.ItemHandler
	SessionHandler  *handlers.SessionHandler
	AdminHandler    *handlers.AdminHandler
	Metrics         http.Handler
	HealthChecks    map[string]HealthCheck
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	const maxBodyBytes int64 = 5 * 1024 * 1024

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing)
	r.Use(middleware.AccessLog(logger))
	r.Use(middleware.MaxBodyBytes(maxBodyBytes))

	r.Get("/health", health(cfg.HealthChecks))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/process", cfg.ProcessHandler.Process)
		r.Post("/documents", cfg.DocumentHandler.Ingest)

		r.Route("/items", func(r chi.Router) {
			r.Get("/{id}", cfg.ItemHandler.Get)
			r.Delete("/{id}", cfg.ItemHandler.Delete)
		})

		r.Get("/sessions/{id}/turns", cfg.SessionHandler.Turns)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminAuth(cfg.AdminValidator))
			r.Post("/invalidate", cfg.AdminHandler.Invalidate)
			r.Post("/sweep", cfg.AdminHandler.Sweep)
		})
	})

	return r
}

// health reports ok when every check passes and names the failing
// stores otherwise.
func health(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failing := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failing[name] = err.Error()
			}
		}

		if len(failing) > 0 {
			api.JSON(w, http.StatusServiceUnavailable, map[string]any{
				"data": map[string]any{"status": "degraded", "failing": failing},
			})
			return
		}
		api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
