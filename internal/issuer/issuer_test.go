package issuer

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/aap/internal/jwks"
	"github.com/pitabwire/aap/internal/policy"
	"github.com/pitabwire/aap/internal/validator"
	"github.com/pitabwire/aap/model"
)

const testIssuer = "https://as.example.com"
const testKeyID = "as-key-1"

const researchOpPolicy = `{
  "policy_id": "pol-research-labs-1",
  "policy_version": "1.0",
  "applies_to": { "operator": "research-labs" },
  "allowed_capabilities": [
    {
      "action": "web.search",
      "default_constraints": {"max_requests_per_hour": 100, "domains_allowed": ["example.com"]}
    },
    {
      "action": "data.read",
      "default_constraints": {"max_requests_per_hour": 50}
    }
  ],
  "global_constraints": {"token_lifetime": 3600, "max_delegation_depth": 3}
}`

func newTestIssuer(t *testing.T) (*Issuer, *rsa.PrivateKey) {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "research-labs.json"), []byte(researchOpPolicy), 0o600); err != nil {
		t.Fatalf("write policy fixture: %v", err)
	}
	policyEngine, err := policy.NewEngine(dir)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

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

	jwksClient := jwks.NewClient(srv.URL, time.Hour)
	v := validator.New(jwksClient, "unused-for-exchange", []string{testIssuer}, 5*time.Minute)

	return New(policyEngine, v, priv, jwt.SigningMethodRS256, testKeyID, testIssuer, 0.5), priv
}

func TestIssueInitialGrantsRequestedCapabilities(t *testing.T) {
	iss, priv := newTestIssuer(t)

	token, err := iss.IssueInitial(InitialTokenRequest{
		AgentID:               "agent-42",
		AgentType:             "llm-autonomous",
		Operator:              "research-labs",
		TaskID:                "task-1",
		TaskPurpose:            "literature survey",
		Audience:              "https://search-tool.example.com",
		RequestedCapabilities: []string{"web.search"},
	})
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	payload := parseSigned(t, token, &priv.PublicKey)
	if payload.Agent.ID != "agent-42" {
		t.Errorf("Agent.ID = %q, want agent-42", payload.Agent.ID)
	}
	if len(payload.Capabilities) != 1 || payload.Capabilities[0].Action != "web.search" {
		t.Fatalf("Capabilities = %+v, want exactly [web.search]", payload.Capabilities)
	}
	if payload.Delegation.Depth != 0 || payload.Delegation.MaxDepth != 3 {
		t.Errorf("Delegation = %+v, want depth 0 max_depth 3", payload.Delegation)
	}
	if payload.Delegation.Chain[0] != "agent-42" {
		t.Errorf("Chain = %v, want [agent-42]", payload.Delegation.Chain)
	}
}

func TestIssueInitialRejectsUnknownOperator(t *testing.T) {
	iss, _ := newTestIssuer(t)

	_, err := iss.IssueInitial(InitialTokenRequest{
		AgentID:               "agent-1",
		Operator:              "ghost-operator",
		RequestedCapabilities: []string{"web.search"},
	})
	if err == nil {
		t.Fatal("expected error for unknown operator")
	}
	if err.(*model.ErrorEnvelope).Code != model.ErrInvalidRequest {
		t.Errorf("Code = %q, want %q", err.(*model.ErrorEnvelope).Code, model.ErrInvalidRequest)
	}
}

func TestIssueInitialRejectsNoGrantedCapabilities(t *testing.T) {
	iss, _ := newTestIssuer(t)

	_, err := iss.IssueInitial(InitialTokenRequest{
		AgentID:               "agent-1",
		Operator:              "research-labs",
		RequestedCapabilities: []string{"data.delete"},
	})
	if err == nil {
		t.Fatal("expected error when no requested action is granted")
	}
	if err.(*model.ErrorEnvelope).Code != model.ErrInvalidCapability {
		t.Errorf("Code = %q, want %q", err.(*model.ErrorEnvelope).Code, model.ErrInvalidCapability)
	}
}

func TestExchangeTokenReducesLifetimeAndDepth(t *testing.T) {
	iss, priv := newTestIssuer(t)

	initial, err := iss.IssueInitial(InitialTokenRequest{
		AgentID:               "agent-42",
		AgentType:             "llm-autonomous",
		Operator:              "research-labs",
		TaskID:                "task-1",
		TaskPurpose:           "literature survey",
		Audience:              "https://search-tool.example.com",
		RequestedCapabilities: []string{"web.search"},
	})
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}
	parentPayload := parseSigned(t, initial, &priv.PublicKey)
	parentLifetime := parentPayload.ExpiresAt.Unix() - parentPayload.IssuedAt.Unix()

	derived, err := iss.ExchangeToken(ExchangeRequest{
		SubjectToken: initial,
		NewAudience:  "https://sub-agent.example.com",
	})
	if err != nil {
		t.Fatalf("ExchangeToken: %v", err)
	}

	derivedPayload := parseSigned(t, derived, &priv.PublicKey)
	if derivedPayload.Delegation.Depth != 1 {
		t.Errorf("Depth = %d, want 1", derivedPayload.Delegation.Depth)
	}
	if derivedPayload.Delegation.ParentJTI != parentPayload.ID {
		t.Errorf("ParentJTI = %q, want %q", derivedPayload.Delegation.ParentJTI, parentPayload.ID)
	}
	if len(derivedPayload.Delegation.Chain) != 2 {
		t.Errorf("Chain = %v, want length 2", derivedPayload.Delegation.Chain)
	}

	derivedLifetime := derivedPayload.ExpiresAt.Unix() - derivedPayload.IssuedAt.Unix()
	if derivedLifetime >= parentLifetime {
		t.Errorf("derived lifetime %d should be less than parent lifetime %d", derivedLifetime, parentLifetime)
	}

	maxHour := derivedPayload.Capabilities[0].Constraints["max_requests_per_hour"]
	if toInt(maxHour) >= 100 {
		t.Errorf("max_requests_per_hour = %v, want it reduced below the parent's 100", maxHour)
	}
}

func TestExchangeTokenRejectsDepthAtMax(t *testing.T) {
	iss, priv := newTestIssuer(t)
	_ = priv

	token := signRawPayload(t, iss, &model.TokenPayload{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "agent-42",
			Audience:  jwt.ClaimStrings{"https://search-tool.example.com"},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			ID:        "jti-at-max",
		},
		Agent:        model.AgentClaim{ID: "agent-42", Type: "llm-autonomous", Operator: "research-labs"},
		Task:         model.TaskClaim{ID: "task-1", Purpose: "survey"},
		Capabilities: []model.Capability{{Action: "web.search"}},
		Delegation:   &model.DelegationClaim{Depth: 3, MaxDepth: 3, Chain: []string{"agent-42", "a", "b", "c"}},
	})

	_, err := iss.ExchangeToken(ExchangeRequest{SubjectToken: token, NewAudience: "https://sub.example.com"})
	if err == nil {
		t.Fatal("expected excessive-delegation error")
	}
	if err.(*model.ErrorEnvelope).Code != model.ErrExcessiveDelegation {
		t.Errorf("Code = %q, want %q", err.(*model.ErrorEnvelope).Code, model.ErrExcessiveDelegation)
	}
}

func TestExchangeTokenRejectsCapabilityOutsideParentGrant(t *testing.T) {
	iss, priv := newTestIssuer(t)

	initial, err := iss.IssueInitial(InitialTokenRequest{
		AgentID:               "agent-42",
		AgentType:             "llm-autonomous",
		Operator:              "research-labs",
		TaskID:                "task-1",
		TaskPurpose:           "literature survey",
		Audience:              "https://search-tool.example.com",
		RequestedCapabilities: []string{"web.search"},
	})
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}
	_ = parseSigned(t, initial, &priv.PublicKey)

	_, err = iss.ExchangeToken(ExchangeRequest{
		SubjectToken:          initial,
		NewAudience:           "https://sub-agent.example.com",
		RequestedCapabilities: []string{"data.delete"},
	})
	if err == nil {
		t.Fatal("expected invalid-capability error for action outside parent's grant")
	}
}

func parseSigned(t *testing.T, token string, pub *rsa.PublicKey) *model.TokenPayload {
	t.Helper()
	payload := &model.TokenPayload{}
	_, err := jwt.ParseWithClaims(token, payload, func(*jwt.Token) (any, error) {
		return pub, nil
	})
	if err != nil {
		t.Fatalf("parse signed token: %v", err)
	}
	return payload
}

func signRawPayload(t *testing.T, iss *Issuer, payload *model.TokenPayload) string {
	t.Helper()
	token, err := iss.sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
