// Package app assembles the service: HTTP router, scheduler and sweeper.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/yt-autoreply/internal/adapter/httpserver"
	"github.com/fairyhunter13/yt-autoreply/internal/config"
	"github.com/fairyhunter13/yt-autoreply/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/videos/{id}/trigger-reply", srv.TriggerReplyHandler())
		wr.Post("/v1/videos/sync", srv.SyncVideosHandler())
		wr.Post("/v1/cache/warm", srv.WarmCacheHandler())
		wr.Put("/v1/videos/{id}/settings", srv.UpdateSettingsHandler())
		wr.Post("/v1/templates", srv.CreateTemplateHandler())
		wr.Delete("/v1/templates/{id}", srv.DeleteTemplateHandler())
	})

	// Read-only endpoints.
	r.Get("/v1/videos", srv.ListVideosHandler())
	r.Get("/v1/videos/{id}/settings", srv.GetSettingsHandler())
	r.Get("/v1/tasks/{id}", srv.TaskStatusHandler())
	r.Get("/v1/analytics", srv.AnalyticsHandler())
	r.Get("/v1/templates", srv.ListTemplatesHandler())

	// Health and metrics.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
