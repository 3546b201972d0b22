// Package app wires the broker's middleware stack and route table.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/zakuro-ai/mesh/internal/adapter/httpserver"
	"github.com/zakuro-ai/mesh/internal/adapter/observability"
	"github.com/zakuro-ai/mesh/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
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

// BuildRouter constructs the broker HTTP handler with all middlewares and
// routes. /execute deliberately sits outside TimeoutMiddleware: forwards can
// legitimately run minutes, and the dispatch pipeline carries its own
// deadline.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"X-Request-Id",
			"X-Zakuro-Cost",
			"X-Zakuro-Credits-Remaining",
			"X-Zakuro-Worker",
			"X-Zakuro-Duration-Ms",
		},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Coarse per-IP limit in front of the per-user ledger limiter.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/execute", srv.Execute)
		wr.Post("/credits/{user_id}/add", srv.CreditsAdd)
	})

	r.Group(func(ro chi.Router) {
		ro.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		ro.Get("/", srv.Banner)
		ro.Get("/workers", srv.Workers)
		ro.Get("/credits/{user_id}", srv.CreditsGet)
		ro.Get("/credits/{user_id}/history", srv.CreditsHistory)
		ro.Post("/price", srv.Price)
		ro.Get("/me", srv.Me)
	})

	r.Get("/health", srv.Health)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
