package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/aap/internal/config"
	"github.com/pitabwire/aap/internal/observability"
)

// NewASRouter builds the Authorization Server's HTTP router: the token
// endpoint, discovery metadata, and operational health/metrics surfaces.
func NewASRouter(cfg config.CORSConfig, deps ASDependencies, metrics *observability.Metrics, ready http.HandlerFunc) chi.Router {
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

	r.Post(deps.TokenPath, deps.HandleToken)
	r.Get("/.well-known/oauth-authorization-server", deps.HandleMetadata)
	r.Get("/.well-known/jwks.json", deps.HandleJWKS)

	return r
}
