package validator

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/aap/internal/jwks"
	"github.com/pitabwire/aap/model"
)

const testKeyID = "test-key-1"

type harness struct {
	privateKey *rsa.PrivateKey
	server     *httptest.Server
	validator  *Validator
}

func newHarness(t *testing.T, audience string, trustedIssuers []string) *harness {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	ks := jwks.NewKeySet(testKeyID, "RS256", &priv.PublicKey)
	set, err := ks.Export()
	if err != nil {
		t.Fatalf("export jwks: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	client := jwks.NewClient(srv.URL, time.Hour)
	return &harness{
		privateKey: priv,
		server:     srv,
		validator:  New(client, audience, trustedIssuers, 5*time.Minute),
	}
}

func (h *harness) sign(t *testing.T, payload *model.TokenPayload) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, payload)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(h.privateKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func basePayload(issuer, audience string) *model.TokenPayload {
	now := time.Now()
	return &model.TokenPayload{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "agent-1",
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        "jti-1",
		},
		Agent:        model.AgentClaim{ID: "agent-1", Type: "llm-autonomous", Operator: "research-labs"},
		Task:         model.TaskClaim{ID: "task-1", Purpose: "run a literature search"},
		Capabilities: []model.Capability{{Action: "web.search"}},
	}
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	h := newHarness(t, "https://rs.example.com", []string{"https://as.example.com"})
	token := h.sign(t, basePayload("https://as.example.com", "https://rs.example.com"))

	payload, err := h.validator.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if payload.Agent.ID != "agent-1" {
		t.Errorf("Agent.ID = %q, want agent-1", payload.Agent.ID)
	}
}

func TestValidateRejectsUntrustedIssuer(t *testing.T) {
	h := newHarness(t, "https://rs.example.com", []string{"https://as.example.com"})
	token := h.sign(t, basePayload("https://rogue-as.example.com", "https://rs.example.com"))

	_, err := h.validator.Validate(token)
	if err == nil {
		t.Fatal("expected untrusted-issuer error")
	}
	if err.(*model.ErrorEnvelope).Code != model.ErrInvalidToken {
		t.Errorf("Code = %q, want %q", err.(*model.ErrorEnvelope).Code, model.ErrInvalidToken)
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	h := newHarness(t, "https://rs.example.com", []string{"https://as.example.com"})
	token := h.sign(t, basePayload("https://as.example.com", "https://other-rs.example.com"))

	if _, err := h.validator.Validate(token); err == nil {
		t.Fatal("expected invalid-audience error")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	h := newHarness(t, "https://rs.example.com", []string{"https://as.example.com"})
	payload := basePayload("https://as.example.com", "https://rs.example.com")
	past := time.Now().Add(-2 * time.Hour)
	payload.IssuedAt = jwt.NewNumericDate(past)
	payload.ExpiresAt = jwt.NewNumericDate(past.Add(time.Minute))
	token := h.sign(t, payload)

	if _, err := h.validator.Validate(token); err == nil {
		t.Fatal("expected expired-token error")
	}
}

func TestValidateRejectsMissingAgentFields(t *testing.T) {
	h := newHarness(t, "https://rs.example.com", []string{"https://as.example.com"})
	payload := basePayload("https://as.example.com", "https://rs.example.com")
	payload.Agent.Operator = ""
	token := h.sign(t, payload)

	if _, err := h.validator.Validate(token); err == nil {
		t.Fatal("expected missing-operator error")
	}
}

func TestValidateRejectsExcessiveDelegationDepth(t *testing.T) {
	h := newHarness(t, "https://rs.example.com", []string{"https://as.example.com"})
	payload := basePayload("https://as.example.com", "https://rs.example.com")
	payload.Delegation = &model.DelegationClaim{Depth: 4, MaxDepth: 3, Chain: []string{"a", "b", "c", "d", "e"}}
	token := h.sign(t, payload)

	_, err := h.validator.Validate(token)
	if err == nil {
		t.Fatal("expected excessive-delegation error")
	}
	if err.(*model.ErrorEnvelope).Code != model.ErrExcessiveDelegation {
		t.Errorf("Code = %q, want %q", err.(*model.ErrorEnvelope).Code, model.ErrExcessiveDelegation)
	}
}

func TestValidateRejectsMismatchedChainLength(t *testing.T) {
	h := newHarness(t, "https://rs.example.com", []string{"https://as.example.com"})
	payload := basePayload("https://as.example.com", "https://rs.example.com")
	payload.Delegation = &model.DelegationClaim{Depth: 1, MaxDepth: 3, Chain: []string{"a"}}
	token := h.sign(t, payload)

	_, err := h.validator.Validate(token)
	if err == nil {
		t.Fatal("expected invalid-delegation-chain error")
	}
	if err.(*model.ErrorEnvelope).Code != model.ErrInvalidDelegationChain {
		t.Errorf("Code = %q, want %q", err.(*model.ErrorEnvelope).Code, model.ErrInvalidDelegationChain)
	}
}

func TestValidateForExchangeIgnoresAudienceMismatch(t *testing.T) {
	h := newHarness(t, "https://rs-never-used.example.com", []string{"https://as.example.com"})
	token := h.sign(t, basePayload("https://as.example.com", "https://some-tool.example.com"))

	payload, err := h.validator.ValidateForExchange(token)
	if err != nil {
		t.Fatalf("ValidateForExchange: %v", err)
	}
	if payload.Aud() != "https://some-tool.example.com" {
		t.Errorf("Aud() = %q, want https://some-tool.example.com", payload.Aud())
	}
}
