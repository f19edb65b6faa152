// Package validator checks a presented AAP access token's signature,
// standard claims, agent identity, task binding, and delegation chain
// before a resource server (or the authorization server's own exchange
// grant) trusts it.
package validator

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/aap/internal/jwks"
	"github.com/pitabwire/aap/model"
)

var allowedSigningMethods = []string{"RS256", "ES256"}

// Validator verifies tokens issued by a trusted authorization server for a
// fixed expected audience.
type Validator struct {
	keys           *jwks.Client
	audience       string
	trustedIssuers map[string]bool
	clockSkew      time.Duration
}

// New creates a Validator that accepts tokens whose audience matches
// audience and whose issuer is one of trustedIssuers, resolving signing
// keys from keys.
func New(keys *jwks.Client, audience string, trustedIssuers []string, clockSkew time.Duration) *Validator {
	issuers := make(map[string]bool, len(trustedIssuers))
	for _, iss := range trustedIssuers {
		issuers[iss] = true
	}
	return &Validator{keys: keys, audience: audience, trustedIssuers: issuers, clockSkew: clockSkew}
}

func (v *Validator) keyFunc(token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, errKidMissing
	}
	return v.keys.GetKey(kid)
}

var errKidMissing = stringError("token header missing kid")

type stringError string

func (e stringError) Error() string { return string(e) }

// Validate parses and fully validates tokenStr for use against this
// validator's audience: JWT signature, expiration, audience, trusted
// issuer, agent identity, task binding, and delegation chain.
func (v *Validator) Validate(tokenStr string) (*model.TokenPayload, error) {
	payload, parsed, err := v.parse(tokenStr, jwt.WithAudience(v.audience))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, model.NewInvalidTokenError("token validation failed")
	}
	return v.checkClaims(payload)
}

// ValidateForExchange parses and validates a subject_token presented to the
// token-exchange grant. Unlike Validate, it does not check audience against
// a fixed expected value — the authorization server is verifying a token it
// issued itself, so whatever audience the token already carries is
// accepted (self-audience), matching the reference implementation.
func (v *Validator) ValidateForExchange(tokenStr string) (*model.TokenPayload, error) {
	payload, parsed, err := v.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, model.NewInvalidTokenError("token validation failed")
	}
	return v.checkClaims(payload)
}

func (v *Validator) parse(tokenStr string, extra ...jwt.ParserOption) (*model.TokenPayload, *jwt.Token, error) {
	payload := &model.TokenPayload{}
	opts := append([]jwt.ParserOption{
		jwt.WithValidMethods(allowedSigningMethods),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithExpirationRequired(),
	}, extra...)

	parsed, err := jwt.ParseWithClaims(tokenStr, payload, v.keyFunc, opts...)
	if err != nil {
		return nil, nil, model.NewInvalidTokenError(classifyJWTError(err))
	}
	return payload, parsed, nil
}

func (v *Validator) checkClaims(payload *model.TokenPayload) (*model.TokenPayload, error) {
	if payload.Issuer == "" || !v.trustedIssuers[payload.Issuer] {
		return nil, model.NewInvalidTokenError("token issuer is not trusted")
	}
	if payload.Subject == "" || len(payload.Audience) == 0 || payload.IssuedAt == nil || payload.ExpiresAt == nil {
		return nil, model.NewInvalidTokenError("token missing a required standard claim")
	}
	if err := validateAgentIdentity(payload); err != nil {
		return nil, err
	}
	if err := validateTaskBinding(payload); err != nil {
		return nil, err
	}
	if err := validateDelegation(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func validateAgentIdentity(payload *model.TokenPayload) error {
	if payload.Agent.ID == "" {
		return model.NewInvalidTokenError("agent claim missing required id field")
	}
	if payload.Agent.Type == "" {
		return model.NewInvalidTokenError("agent claim missing required type field")
	}
	if payload.Agent.Operator == "" {
		return model.NewInvalidTokenError("agent claim missing required operator field")
	}
	return nil
}

func validateTaskBinding(payload *model.TokenPayload) error {
	if payload.Task.ID == "" {
		return model.NewInvalidTokenError("task claim missing required id field")
	}
	if payload.Task.Purpose == "" {
		return model.NewInvalidTokenError("task claim missing required purpose field")
	}
	return nil
}

// validateDelegation checks chain integrity for tokens that carry a
// delegation claim. A token with no delegation claim at all is treated as
// an original, non-delegated issuance and passes unconditionally.
func validateDelegation(payload *model.TokenPayload) error {
	d := payload.Delegation
	if d == nil {
		return nil
	}
	if d.Depth > d.MaxDepth {
		return model.NewExcessiveDelegationError()
	}
	if len(d.Chain) != d.Depth+1 {
		return model.NewInvalidDelegationChainError(
			"delegation chain length does not match depth+1")
	}
	return nil
}

func classifyJWTError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "expired"):
		return "token has expired"
	case strings.Contains(s, "issuer"):
		return "invalid token issuer"
	case strings.Contains(s, "audience"):
		return "token audience does not match this resource server"
	case strings.Contains(s, "signing method"):
		return "disallowed signing algorithm"
	case strings.Contains(s, "kid"):
		return "unknown signing key"
	case strings.Contains(s, "signature"):
		return "token signature verification failed"
	default:
		return "token validation failed"
	}
}
