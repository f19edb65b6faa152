// Package integration exercises the Authorization Server and Resource
// Server together end to end, over real HTTP, the way an agent and the
// tool it calls would: request a token from the AS, present it to the RS,
// exchange it down to a sub-agent, and observe the RS enforce what the AS
// granted.
package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/aap/internal/config"
	"github.com/pitabwire/aap/internal/enforcer"
	"github.com/pitabwire/aap/internal/issuer"
	"github.com/pitabwire/aap/internal/jwks"
	"github.com/pitabwire/aap/internal/observability"
	"github.com/pitabwire/aap/internal/oversight"
	"github.com/pitabwire/aap/internal/policy"
	"github.com/pitabwire/aap/internal/transport"
	"github.com/pitabwire/aap/internal/validator"
)

const (
	testClientID     = "test-agent-client"
	testClientSecret = "test-secret"
	testKeyID        = "it-key-1"
	testAudience     = "https://rs.test.aap.dev"
)

// Harness wires a full AS and RS, each behind its own httptest.Server, and
// points the RS's validator at the AS's JWKS endpoint — the same trust
// relationship a real deployment has, just over loopback.
type Harness struct {
	t         *testing.T
	ASServer  *httptest.Server
	RSServer  *httptest.Server
	Oversight *oversight.Gate
	policyDir string
}

// HarnessOption configures the harness's operator policy set before the AS
// starts.
type HarnessOption func(dir string, t *testing.T)

// WithPolicyFile writes a raw policy JSON fixture into the policy
// directory under name (e.g. "acme.json").
func WithPolicyFile(name, contents string) HarnessOption {
	return func(dir string, t *testing.T) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o600); err != nil {
			t.Fatalf("writing policy fixture %s: %v", name, err)
		}
	}
}

// handoffHandler lets us stand up an httptest.Server — and so learn its
// URL — before the real router exists, since the router's dependencies
// (the issuer's self-validator) need that URL to trust tokens it issues.
type handoffHandler struct {
	next http.Handler
}

func (h *handoffHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.next.ServeHTTP(w, r)
}

// NewHarness builds and starts a Harness. Callers add operator policies
// with WithPolicyFile; a harness with no policies has nothing for any
// operator to be granted, which is a valid (if useless) test scenario.
func NewHarness(t *testing.T, opts ...HarnessOption) *Harness {
	t.Helper()

	dir := t.TempDir()
	for _, opt := range opts {
		opt(dir, t)
	}

	policyEngine, err := policy.NewEngine(dir)
	if err != nil {
		t.Fatalf("policy.NewEngine: %v", err)
	}

	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	keySet := jwks.NewKeySet(testKeyID, "RS256", &privKey.PublicKey)

	asHandoff := &handoffHandler{next: http.NotFoundHandler()}
	asServer := httptest.NewServer(asHandoff)
	t.Cleanup(asServer.Close)

	selfJWKSClient := jwks.NewClient(asServer.URL+"/.well-known/jwks.json", time.Hour)
	selfValidator := validator.New(selfJWKSClient, "", []string{asServer.URL}, 5*time.Minute)

	tokenIssuer := issuer.New(policyEngine, selfValidator, privKey, jwt.SigningMethodRS256, testKeyID, asServer.URL, 0.5)
	clientStore := issuer.NewStaticClientStore(testClientID, testClientSecret)

	asMetrics := observability.InitMetrics(prometheus.NewRegistry())
	asReady := observability.HandleReady(observability.ReadinessChecks{
		SigningKeyLoaded: func() bool { return true },
		PolicyEngine:     policyEngine,
	})
	asHandoff.next = transport.NewASRouter(defaultCORS(), transport.ASDependencies{
		Issuer:     tokenIssuer,
		Clients:    clientStore,
		KeySet:     keySet,
		IssuerName: asServer.URL,
		TokenPath:  "/token",
	}, asMetrics, asReady)

	rsJWKSClient := jwks.NewClient(asServer.URL+"/.well-known/jwks.json", time.Hour)
	rsValidator := validator.New(rsJWKSClient, testAudience, []string{asServer.URL}, 5*time.Minute)
	rsEnforcer := enforcer.NewEnforcer(enforcer.NewMemoryStore())
	rsOversight := oversight.NewGate()

	rsMetrics := observability.InitMetrics(prometheus.NewRegistry())
	rsReady := observability.HandleReady(observability.ReadinessChecks{
		SigningKeyLoaded: func() bool { return true },
		JWKSSource:       rsJWKSClient,
	})
	rsRouter := transport.NewRSRouter(defaultCORS(), transport.RSDependencies{
		Authorizer: &transport.Authorizer{
			Validator: rsValidator,
			Enforcer:  rsEnforcer,
			Oversight: rsOversight,
		},
	}, rsMetrics, rsReady)
	rsServer := httptest.NewServer(rsRouter)
	t.Cleanup(rsServer.Close)

	return &Harness{
		t:         t,
		ASServer:  asServer,
		RSServer:  rsServer,
		Oversight: rsOversight,
		policyDir: dir,
	}
}

func defaultCORS() config.CORSConfig {
	return config.CORSConfig{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}
}

// RequestToken posts a client_credentials grant to the AS's token endpoint
// and returns the decoded response, or the OAuth error body on failure.
func (h *Harness) RequestToken(form url.Values) (*TokenResult, error) {
	form.Set("grant_type", "client_credentials")
	if form.Get("client_id") == "" {
		form.Set("client_id", testClientID)
	}
	if form.Get("client_secret") == "" {
		form.Set("client_secret", testClientSecret)
	}
	if form.Get("audience") == "" {
		form.Set("audience", testAudience)
	}
	if form.Get("agent_type") == "" {
		form.Set("agent_type", "test-agent")
	}
	if form.Get("task_id") == "" {
		form.Set("task_id", "test-task")
	}
	return postForm(h.ASServer.URL + "/token", form)
}

// ExchangeToken posts a token-exchange grant for subjectToken and returns
// the derived token.
func (h *Harness) ExchangeToken(subjectToken, newAudience string, capabilities []string) (*TokenResult, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:token-exchange")
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", "urn:ietf:params:oauth:token-type:access_token")
	form.Set("resource", newAudience)
	if len(capabilities) > 0 {
		form.Set("scope", joinComma(capabilities))
	}
	return postForm(h.ASServer.URL+"/token", form)
}

// CallSearch calls the RS's protected demo search endpoint with the given
// bearer token and optional target URL query parameter.
func (h *Harness) CallSearch(token, query, targetURL string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.RSServer.URL+"/demo/search", nil)
	if err != nil {
		h.t.Fatalf("build search request: %v", err)
	}
	q := req.URL.Query()
	q.Set("q", query)
	if targetURL != "" {
		q.Set("url", targetURL)
	}
	req.URL.RawQuery = q.Encode()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("search request: %v", err)
	}
	return resp
}

// CallPublish calls the RS's protected demo publish endpoint.
func (h *Harness) CallPublish(token, title, content string) *http.Response {
	h.t.Helper()
	body := `{"title":"` + title + `","content":"` + content + `"}`
	req, err := http.NewRequest(http.MethodPost, h.RSServer.URL+"/demo/publish", newBody(body))
	if err != nil {
		h.t.Fatalf("build publish request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("publish request: %v", err)
	}
	return resp
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
