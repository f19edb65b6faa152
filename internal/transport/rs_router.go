package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/aap/internal/config"
	"github.com/pitabwire/aap/internal/observability"
)

// NewRSRouter builds the Resource Server's HTTP router: the authorize
// middleware protecting the demo tool endpoints, plus the operational
// health/metrics surfaces.
func NewRSRouter(cfg config.CORSConfig, deps RSDependencies, metrics *observability.Metrics, ready http.HandlerFunc) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery)
	r.Use(CORS(cfg))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(metrics.MetricsMiddleware)
	r.Use(RequestLogging)

	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", ready)
	r.Handle("/metrics", observability.Handler())

	r.Group(func(g chi.Router) {
		g.Use(deps.Authorizer.Require(searchResolver))
		g.Get("/demo/search", deps.HandleSearch)
	})
	r.Group(func(g chi.Router) {
		g.Use(deps.Authorizer.Require(publishResolver))
		g.Post("/demo/publish", deps.HandlePublish)
	})

	return r
}
