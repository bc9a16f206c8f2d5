// Package httptransport composes the HTTP surface: shared middleware, health
// and metrics endpoints, and the per-domain handlers.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pich/internal/platform/metrics"
	"pich/pkg/platform/httputil"
	"pich/pkg/platform/middleware/auth"
	"pich/pkg/platform/middleware/metadata"
	"pich/pkg/platform/middleware/request"
	"pich/pkg/platform/middleware/requesttime"
)

// Registrar mounts a group of routes.
type Registrar interface {
	Register(r chi.Router)
}

// PublicRegistrar mounts routes that are served without a bearer token.
type PublicRegistrar interface {
	RegisterPublic(r chi.Router)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Config struct {
	Logger         *slog.Logger
	Resolver       auth.IdentityResolver
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
	HealthChecks   map[string]HealthCheck
	// PublicLimit, when set, guards the unauthenticated routes.
	PublicLimit func(http.Handler) http.Handler

	Public    []PublicRegistrar
	Protected []Registrar
}

// NewRouter builds the application router. Protected routes run behind
// RequireAuth, so a missing or malformed bearer header is answered with 401
// before any handler code executes.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metadata.ClientMetadata)
	r.Use(request.Logger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	r.Use(requesttime.Middleware)

	r.Get("/healthz", healthHandler(cfg.HealthChecks))
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if cfg.PublicLimit != nil {
			r.Use(cfg.PublicLimit)
		}
		for _, p := range cfg.Public {
			p.RegisterPublic(r)
		}
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(cfg.Resolver, cfg.Logger))
		for _, p := range cfg.Protected {
			p.Register(r)
		}
	})
	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		report := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				report["status"] = "degraded"
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		httputil.WriteJSON(w, status, report)
	}
}
