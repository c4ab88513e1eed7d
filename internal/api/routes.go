package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adityanageshsir/dispatchd/internal/observability"
)

type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}
	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/ready", cfg.HealthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(TenantMiddleware)
		r.Post("/", cfg.Handler.CreateWebhook)
		r.Get("/", cfg.Handler.ListWebhooks)
		r.Get("/{id}", cfg.Handler.GetWebhook)
		r.Put("/{id}", cfg.Handler.UpdateWebhook)
		r.Delete("/{id}", cfg.Handler.DeleteWebhook)
		r.Post("/{id}/rotate-secret", cfg.Handler.RotateSecret)
		r.Post("/{id}/test", cfg.Handler.Test)
		r.Get("/{id}/events", cfg.Handler.ListEvents)
		r.Get("/{id}/stats", cfg.Handler.Stats)
	})

	return r
}
