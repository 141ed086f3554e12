package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/loomhq/loom/internal/adapter/httpserver"
	"github.com/loomhq/loom/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. Empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the control-plane HTTP handler with all middleware
// and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(httpserver.Metrics())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/awakeables/{id}/resolve", srv.ResolveAwakeableHandler())
		wr.Post("/awakeables/{id}/reject", srv.RejectAwakeableHandler())
		wr.Post("/v1/jobs", srv.SubmitJobHandler())
		wr.Post("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
		wr.Post("/v1/jobs/{id}/retry", srv.RetryJobHandler())
		wr.Post("/v1/awakeables/sweep", srv.SweepAwakeablesHandler())
	})

	// Read-only endpoints.
	r.Get("/awakeables/{id}", srv.ShowAwakeableHandler())
	r.Get("/v1/jobs", srv.ListJobsHandler())
	r.Get("/v1/jobs/{id}", srv.JobStatusHandler())
	r.Get("/v1/jobs/{id}/events", srv.JobEventsHandler())
	r.Get("/v1/jobs/{id}/awakeables", srv.ListAwakeablesHandler())
	r.Get("/v1/queues/{queue}/depth", srv.QueueDepthHandler())
	r.Get("/v1/workers", srv.ListWorkersHandler())

	// Health and metrics.
	r.Get("/health", srv.HealthHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return otelhttp.NewHandler(httpserver.SecurityHeaders(r), "control-plane",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}))
}
