package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/aap/internal/issuer"
	"github.com/pitabwire/aap/internal/jwks"
	"github.com/pitabwire/aap/model"
)

const subjectTokenType = "urn:ietf:params:oauth:token-type:access_token"

// ASDependencies collects everything the Authorization Server's handlers
// need. NewASRouter wires them onto a chi router.
type ASDependencies struct {
	Issuer      *issuer.Issuer
	Clients     issuer.ClientAuthenticator
	KeySet      *jwks.KeySet
	IssuerName  string
	TokenPath   string
}

func splitCommaList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// tokenResponse is the AS's successful /token response body, shared by both
// grant types. IssuedTokenType is only populated for token-exchange.
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in,omitempty"`
	Scope           string `json:"scope,omitempty"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

// HandleToken implements POST /token for both the client_credentials and
// token-exchange grants.
func (d ASDependencies) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteOAuthError(w, model.NewInvalidRequestError("malformed form body"))
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "client_credentials":
		d.handleClientCredentials(w, r)
	case "urn:ietf:params:oauth:grant-type:token-exchange":
		d.handleTokenExchange(w, r)
	case "":
		WriteOAuthError(w, model.NewInvalidRequestError("grant_type is required"))
	default:
		WriteOAuthError(w, model.NewUnsupportedGrantTypeError(r.PostForm.Get("grant_type")))
	}
}

func (d ASDependencies) handleClientCredentials(w http.ResponseWriter, r *http.Request) {
	form := r.PostForm

	clientID := form.Get("client_id")
	clientSecret := form.Get("client_secret")
	ok, err := d.Clients.AuthenticateClient(r.Context(), clientID, clientSecret)
	if err != nil {
		WriteOAuthError(w, model.NewServerError())
		return
	}
	if !ok {
		WriteOAuthError(w, model.NewInvalidClientError("client authentication failed"))
		return
	}

	operator := form.Get("operator")
	taskPurpose := form.Get("task_purpose")
	audience := form.Get("audience")
	if operator == "" || audience == "" {
		WriteOAuthError(w, model.NewInvalidRequestError("operator and audience are required"))
		return
	}

	agentMetadata, err := parseMetadataBlob(form.Get("agent_metadata"))
	if err != nil {
		WriteOAuthError(w, model.NewInvalidRequestError("agent_metadata must be a JSON object"))
		return
	}
	taskMetadata, err := parseMetadataBlob(form.Get("task_metadata"))
	if err != nil {
		WriteOAuthError(w, model.NewInvalidRequestError("task_metadata must be a JSON object"))
		return
	}

	req := issuer.InitialTokenRequest{
		AgentID:               clientID,
		AgentType:             form.Get("agent_type"),
		Operator:              operator,
		TaskID:                form.Get("task_id"),
		TaskPurpose:           taskPurpose,
		Audience:              audience,
		RequestedCapabilities: splitCommaList(form.Get("capabilities")),
		AgentMetadata:         agentMetadata,
		TaskMetadata:          taskMetadata,
	}

	signed, err := d.Issuer.IssueInitial(req)
	if err != nil {
		WriteOAuthError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn(signed),
		Scope:       "aap:" + taskPurpose,
	})
}

func (d ASDependencies) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	form := r.PostForm

	subjectToken := form.Get("subject_token")
	if subjectToken == "" {
		WriteOAuthError(w, model.NewInvalidRequestError("subject_token is required"))
		return
	}
	if tt := form.Get("subject_token_type"); tt != "" && tt != subjectTokenType {
		WriteOAuthError(w, model.NewInvalidRequestError(fmt.Sprintf("unsupported subject_token_type %q", tt)))
		return
	}
	newAudience := form.Get("resource")
	if newAudience == "" {
		WriteOAuthError(w, model.NewInvalidRequestError("resource is required"))
		return
	}

	req := issuer.ExchangeRequest{
		SubjectToken:          subjectToken,
		NewAudience:           newAudience,
		RequestedCapabilities: splitCommaList(form.Get("scope")),
	}

	signed, err := d.Issuer.ExchangeToken(req)
	if err != nil {
		WriteOAuthError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken:     signed,
		TokenType:       "Bearer",
		ExpiresIn:       expiresIn(signed),
		IssuedTokenType: subjectTokenType,
	})
}

// expiresIn reads the exp claim back out of a just-signed token to report
// seconds-until-expiry in the response body. The token was signed moments
// ago by this same process, so re-parsing it unverified just to recover a
// claim we already computed is wasteful but avoids widening the issuer's
// return signature for a single response field.
func expiresIn(signed string) int {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(signed, &claims); err != nil || claims.ExpiresAt == nil {
		return 0
	}
	d := time.Until(claims.ExpiresAt.Time)
	if d < 0 {
		return 0
	}
	return int(d.Seconds())
}

// metadataResponse is the AS's `/.well-known/oauth-authorization-server`
// discovery document.
type metadataResponse struct {
	Issuer                string   `json:"issuer"`
	TokenEndpoint         string   `json:"token_endpoint"`
	GrantTypesSupported   []string `json:"grant_types_supported"`
	ScopesSupported       []string `json:"scopes_supported"`
	JWKSURI               string   `json:"jwks_uri"`
}

// HandleMetadata implements GET /.well-known/oauth-authorization-server.
func (d ASDependencies) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, metadataResponse{
		Issuer:        d.IssuerName,
		TokenEndpoint: d.IssuerName + d.TokenPath,
		GrantTypesSupported: []string{
			"client_credentials",
			"urn:ietf:params:oauth:grant-type:token-exchange",
		},
		ScopesSupported: []string{"aap:*"},
		JWKSURI:         d.IssuerName + "/.well-known/jwks.json",
	})
}

// HandleJWKS implements GET /.well-known/jwks.json.
func (d ASDependencies) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := d.KeySet.Export()
	if err != nil {
		WriteOAuthError(w, model.NewServerError())
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	WriteJSON(w, http.StatusOK, set)
}

func parseMetadataBlob(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
