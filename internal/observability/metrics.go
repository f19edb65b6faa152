package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	tokenDurationBuckets  = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments shared by the AS and RS.
// A given process only ever touches the recording helpers relevant to its
// role (cmd/as records issuance/exchange, cmd/rs records validation and
// enforcement), but both share one registry and HTTP middleware.
type Metrics struct {
	// HTTP metrics (both AS and RS).
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Issuance metrics (AS).
	TokensIssuedTotal   *prometheus.CounterVec
	TokenIssueDuration  prometheus.Histogram
	TokensExchangedTotal *prometheus.CounterVec
	TokenExchangeDuration prometheus.Histogram
	PolicyReloadTotal    *prometheus.CounterVec
	PoliciesLoaded       prometheus.Gauge

	// Validation metrics (RS).
	TokenValidationsTotal  *prometheus.CounterVec
	TokenValidationDuration prometheus.Histogram
	JWKSRefreshTotal       *prometheus.CounterVec

	// Enforcement metrics (RS).
	CapabilityDeniedTotal     *prometheus.CounterVec
	ConstraintViolationsTotal *prometheus.CounterVec
	OversightRequiredTotal    *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aap_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aap_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aap_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aap_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		TokensIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aap_tokens_issued_total",
			Help: "Total number of initial access tokens issued, by operator and outcome.",
		}, []string{"operator", "status"}),
		TokenIssueDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aap_token_issue_duration_seconds",
			Help:    "Duration of initial token issuance.",
			Buckets: tokenDurationBuckets,
		}),
		TokensExchangedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aap_tokens_exchanged_total",
			Help: "Total number of token-exchange (delegation) grants, by outcome.",
		}, []string{"status"}),
		TokenExchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aap_token_exchange_duration_seconds",
			Help:    "Duration of token-exchange handling.",
			Buckets: tokenDurationBuckets,
		}),
		PolicyReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aap_policy_reload_total",
			Help: "Total operator policy directory reloads, by outcome.",
		}, []string{"status"}),
		PoliciesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aap_policies_loaded",
			Help: "Number of operator policies currently loaded.",
		}),

		TokenValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aap_token_validations_total",
			Help: "Total number of presented tokens validated, by error code.",
		}, []string{"error_code"}),
		TokenValidationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aap_token_validation_duration_seconds",
			Help:    "Duration of token validation.",
			Buckets: tokenDurationBuckets,
		}),
		JWKSRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aap_jwks_refresh_total",
			Help: "Total JWKS fetches from the trusted issuer, by outcome.",
		}, []string{"status"}),

		CapabilityDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aap_capability_denied_total",
			Help: "Total requests denied for lacking a matching capability, by action.",
		}, []string{"action"}),
		ConstraintViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aap_constraint_violations_total",
			Help: "Total constraint enforcement rejections, by constraint type.",
		}, []string{"constraint"}),
		OversightRequiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aap_oversight_required_total",
			Help: "Total requests blocked pending human approval, by action.",
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.TokensIssuedTotal,
		m.TokenIssueDuration,
		m.TokensExchangedTotal,
		m.TokenExchangeDuration,
		m.PolicyReloadTotal,
		m.PoliciesLoaded,
		m.TokenValidationsTotal,
		m.TokenValidationDuration,
		m.JWKSRefreshTotal,
		m.CapabilityDeniedTotal,
		m.ConstraintViolationsTotal,
		m.OversightRequiredTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTokenIssued records an IssueInitial outcome.
func (m *Metrics) RecordTokenIssued(operator, status string, duration time.Duration) {
	m.TokensIssuedTotal.WithLabelValues(operator, status).Inc()
	m.TokenIssueDuration.Observe(duration.Seconds())
}

// RecordTokenExchanged records an ExchangeToken outcome.
func (m *Metrics) RecordTokenExchanged(status string, duration time.Duration) {
	m.TokensExchangedTotal.WithLabelValues(status).Inc()
	m.TokenExchangeDuration.Observe(duration.Seconds())
}

// RecordPolicyReload records an operator policy directory reload.
func (m *Metrics) RecordPolicyReload(status string) {
	m.PolicyReloadTotal.WithLabelValues(status).Inc()
}

// SetPoliciesLoaded sets the number of loaded operator policies.
func (m *Metrics) SetPoliciesLoaded(count float64) {
	m.PoliciesLoaded.Set(count)
}

// RecordTokenValidation records a TokenValidator.Validate outcome. errorCode
// is the empty string on success.
func (m *Metrics) RecordTokenValidation(errorCode string, duration time.Duration) {
	m.TokenValidationsTotal.WithLabelValues(errorCode).Inc()
	m.TokenValidationDuration.Observe(duration.Seconds())
}

// RecordJWKSRefresh records a JWKS fetch against the trusted issuer.
func (m *Metrics) RecordJWKSRefresh(status string) {
	m.JWKSRefreshTotal.WithLabelValues(status).Inc()
}

// RecordCapabilityDenied records a CapabilityMatcher rejection.
func (m *Metrics) RecordCapabilityDenied(action string) {
	m.CapabilityDeniedTotal.WithLabelValues(action).Inc()
}

// RecordConstraintViolation records a ConstraintEnforcer rejection.
func (m *Metrics) RecordConstraintViolation(constraint string) {
	m.ConstraintViolationsTotal.WithLabelValues(constraint).Inc()
}

// RecordOversightRequired records an Oversight Gate block pending approval.
func (m *Metrics) RecordOversightRequired(action string) {
	m.OversightRequiredTotal.WithLabelValues(action).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
