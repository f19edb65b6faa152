// Package issuer mints and exchanges AAP access tokens: the initial
// client-credentials grant, and the token-exchange grant that derives a
// privilege-reduced token for a sub-agent or downstream tool.
package issuer

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pitabwire/aap/internal/policy"
	"github.com/pitabwire/aap/internal/validator"
	"github.com/pitabwire/aap/model"
)

// defaultLifetimeReduction is the fallback fraction of a parent token's
// lifetime (exp - iat) a derived token is granted when New is called with a
// non-positive reduction factor, mirroring the reference implementation's
// default delegated_token_lifetime_reduction.
const defaultLifetimeReduction = 0.5

const defaultAuditLogLevel = "standard"

// Issuer builds and signs AAP tokens using an operator's policy to decide
// which capabilities a request may be granted.
type Issuer struct {
	policy             *policy.Engine
	parentValidator    *validator.Validator
	signingKey         any
	signingMethod      jwt.SigningMethod
	kid                string
	issuer             string
	lifetimeReduction  float64
}

// New creates an Issuer. signingKey must be the private key matching
// signingMethod (*rsa.PrivateKey for RS256, *ecdsa.PrivateKey for ES256).
// parentValidator is used only by ExchangeToken, to verify a presented
// subject_token was issued by this same authorization server.
// lifetimeReduction is the fraction of a parent token's lifetime (exp - iat)
// granted to a derived token (config.PolicyConfig.DelegatedLifetimeReduction);
// a non-positive value falls back to defaultLifetimeReduction.
func New(policyEngine *policy.Engine, parentValidator *validator.Validator, signingKey any, signingMethod jwt.SigningMethod, kid, issuerName string, lifetimeReduction float64) *Issuer {
	if lifetimeReduction <= 0 {
		lifetimeReduction = defaultLifetimeReduction
	}
	return &Issuer{
		policy:            policyEngine,
		parentValidator:   parentValidator,
		signingKey:        signingKey,
		signingMethod:     signingMethod,
		kid:               kid,
		issuer:            issuerName,
		lifetimeReduction: lifetimeReduction,
	}
}

// InitialTokenRequest carries the client_credentials grant parameters used
// to issue a fresh, non-delegated token.
type InitialTokenRequest struct {
	AgentID               string
	AgentType             string
	Operator              string
	TaskID                string
	TaskPurpose           string
	Audience              string
	RequestedCapabilities []string
	AgentMetadata         map[string]any
	TaskMetadata          map[string]any
}

// IssueInitial evaluates the operator's policy against the requested
// capabilities and signs a depth-0 token for a brand new agent/task pair.
func (i *Issuer) IssueInitial(req InitialTokenRequest) (string, error) {
	op := i.policy.GetPolicy(req.Operator)
	if op == nil {
		return "", model.NewInvalidRequestError(fmt.Sprintf("no policy found for operator %q", req.Operator))
	}

	capabilities, err := i.policy.EvaluateCapabilities(req.Operator, req.RequestedCapabilities)
	if err != nil {
		return "", model.NewInvalidRequestError(err.Error())
	}
	if len(capabilities) == 0 {
		return "", model.NewInvalidCapabilityError(fmt.Sprintf("%v", req.RequestedCapabilities))
	}

	now := time.Now()
	payload := &model.TokenPayload{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   req.AgentID,
			Audience:  jwt.ClaimStrings{req.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(op.TokenLifetime) * time.Second)),
			ID:        uuid.NewString(),
		},
		Agent: model.AgentClaim{
			ID:       req.AgentID,
			Type:     req.AgentType,
			Operator: req.Operator,
			Metadata: req.AgentMetadata,
		},
		Task: model.TaskClaim{
			ID:       req.TaskID,
			Purpose:  req.TaskPurpose,
			Metadata: req.TaskMetadata,
		},
		Capabilities: capabilities,
		Delegation: &model.DelegationClaim{
			Depth:    0,
			MaxDepth: op.MaxDelegationDepth,
			Chain:    []string{req.AgentID},
		},
	}

	if op.Oversight != nil {
		payload.Oversight = op.Oversight
	}
	if op.Audit != nil {
		payload.Audit = buildAuditClaim(op.Audit, "")
	}

	return i.sign(payload)
}

// ExchangeRequest carries the OAuth 2.0 token-exchange grant parameters
// used to derive a reduced-privilege token from a parent one.
type ExchangeRequest struct {
	SubjectToken          string
	NewAudience           string
	RequestedCapabilities []string
}

// ExchangeToken validates the subject_token against this AS's own signing
// key, applies delegation-depth and privilege-reduction rules, and signs a
// derived token scoped to NewAudience.
func (i *Issuer) ExchangeToken(req ExchangeRequest) (string, error) {
	parent, err := i.parentValidator.ValidateForExchange(req.SubjectToken)
	if err != nil {
		return "", err
	}

	currentDepth, maxDepth, parentChain := delegationFields(parent)
	if currentDepth >= maxDepth {
		return "", model.NewExcessiveDelegationError()
	}

	derived, err := selectCapabilities(parent.Capabilities, req.RequestedCapabilities)
	if err != nil {
		return "", err
	}

	newDepth := currentDepth + 1
	reduced := i.policy.ReduceForDelegation(derived, newDepth)

	parentLifetime := parent.ExpiresAt.Unix() - parent.IssuedAt.Unix()
	reducedLifetime := int64(float64(parentLifetime) * i.lifetimeReduction)
	if reducedLifetime < 1 {
		reducedLifetime = 1
	}

	now := time.Now()
	newChain := append(append([]string{}, parentChain...), req.NewAudience)

	payload := &model.TokenPayload{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   parent.Subject,
			Audience:  jwt.ClaimStrings{req.NewAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(reducedLifetime) * time.Second)),
			ID:        uuid.NewString(),
		},
		Agent:        parent.Agent,
		Task:         parent.Task,
		Capabilities: reduced,
		Delegation: &model.DelegationClaim{
			Depth:     newDepth,
			MaxDepth:  maxDepth,
			Chain:     newChain,
			ParentJTI: parent.ID,
			PrivilegeReduction: &model.PrivilegeReduction{
				CapabilitiesRemoved: len(parent.Capabilities) - len(reduced),
				LifetimeReducedBy:   int(parentLifetime - reducedLifetime),
			},
		},
	}

	if parent.Oversight != nil {
		payload.Oversight = parent.Oversight
	}
	if parent.Audit != nil {
		audit := *parent.Audit
		if req.NewAudience != parent.Aud() {
			audit.TraceID = uuid.NewString()
			audit.TraceIDScope = "domain"
		}
		payload.Audit = &audit
	}

	return i.sign(payload)
}

func delegationFields(parent *model.TokenPayload) (depth, maxDepth int, chain []string) {
	if parent.Delegation == nil {
		return 0, 0, []string{parent.Agent.ID}
	}
	chain = parent.Delegation.Chain
	if len(chain) == 0 {
		chain = []string{parent.Agent.ID}
	}
	return parent.Delegation.Depth, parent.Delegation.MaxDepth, chain
}

// selectCapabilities returns the capabilities a derived token should carry
// before reduction: either the full parent set, or — if requested is
// non-empty — the subset of the parent set matching requested, rejecting
// any action the parent token does not itself carry.
func selectCapabilities(parent []model.Capability, requested []string) ([]model.Capability, error) {
	if len(requested) == 0 {
		out := make([]model.Capability, len(parent))
		copy(out, parent)
		return out, nil
	}

	byAction := make(map[string]model.Capability, len(parent))
	for _, cap := range parent {
		byAction[cap.Action] = cap
	}

	out := make([]model.Capability, 0, len(requested))
	for _, action := range requested {
		cap, ok := byAction[action]
		if !ok {
			return nil, model.NewInvalidCapabilityError(action)
		}
		out = append(out, cap)
	}
	return out, nil
}

func buildAuditClaim(policyAudit *model.AuditPolicy, existingTraceID string) *model.AuditClaim {
	traceID := existingTraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	logLevel := policyAudit.LogLevel
	if logLevel == "" {
		logLevel = defaultAuditLogLevel
	}
	return &model.AuditClaim{
		TraceID:             traceID,
		LogLevel:            logLevel,
		RetentionPeriodDays: policyAudit.RetentionPeriodDays,
		ComplianceFramework: policyAudit.ComplianceFramework,
	}
}

func (i *Issuer) sign(payload *model.TokenPayload) (string, error) {
	token := jwt.NewWithClaims(i.signingMethod, payload)
	token.Header["kid"] = i.kid
	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return "", model.NewServerError()
	}
	return signed, nil
}
