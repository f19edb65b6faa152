package model

import "github.com/golang-jwt/jwt/v5"

// TokenPayload is the full claim set of an AAP access token. It embeds
// jwt.RegisteredClaims so it can be signed and parsed directly with
// golang-jwt/jwt/v5's NewWithClaims/ParseWithClaims.
type TokenPayload struct {
	jwt.RegisteredClaims

	Agent        AgentClaim      `json:"agent"`
	Task         TaskClaim       `json:"task"`
	Capabilities []Capability    `json:"capabilities"`
	Delegation   *DelegationClaim `json:"delegation,omitempty"`
	Oversight    *OversightClaim  `json:"oversight,omitempty"`
	Audit        *AuditClaim      `json:"audit,omitempty"`
}

// Aud returns the single audience string this token was issued for. AAP
// tokens always carry exactly one audience value, but jwt.ClaimStrings
// supports the RFC 7519 array encoding, so this collapses it.
func (p *TokenPayload) Aud() string {
	if len(p.Audience) == 0 {
		return ""
	}
	return p.Audience[0]
}

// AgentClaim identifies the autonomous agent the token was issued to.
type AgentClaim struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Operator string         `json:"operator"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskClaim binds the token to the task the agent was dispatched to
// perform.
type TaskClaim struct {
	ID       string         `json:"id"`
	Purpose  string         `json:"purpose"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DelegationClaim records how far a token has been passed down a
// sub-agent chain and the privilege reduction applied at each hop.
type DelegationClaim struct {
	Depth             int                `json:"depth"`
	MaxDepth          int                `json:"max_depth"`
	Chain             []string           `json:"chain"`
	ParentJTI         string             `json:"parent_jti,omitempty"`
	PrivilegeReduction *PrivilegeReduction `json:"privilege_reduction,omitempty"`
}

// PrivilegeReduction records what was taken away from a derived token
// relative to its parent, for audit purposes.
type PrivilegeReduction struct {
	CapabilitiesRemoved int `json:"capabilities_removed"`
	LifetimeReducedBy   int `json:"lifetime_reduced_by"`
}

// OversightClaim names the actions that require human sign-off before the
// resource server executes them, plus a reference the approver can quote
// back when asked to authorize one.
type OversightClaim struct {
	RequiresApprovalFor []string `json:"requires_human_approval_for,omitempty"`
	ApprovalReference   string   `json:"approval_reference,omitempty"`
}

// AuditClaim carries a correlation identifier for tracing a token's use
// across services, plus the operator's audit policy projected onto this
// token (log verbosity, retention, compliance framework) and an optional
// scope tag describing why a new trace was minted during delegation.
type AuditClaim struct {
	TraceID             string `json:"trace_id"`
	TraceIDScope        string `json:"trace_id_scope,omitempty"`
	LogLevel            string `json:"log_level,omitempty"`
	RetentionPeriodDays int    `json:"retention_period,omitempty"`
	ComplianceFramework string `json:"compliance_framework,omitempty"`
}
