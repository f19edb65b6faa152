package model

import "strings"

// Capability is a single granted action plus the constraints that bound how
// it may be exercised. Action is a dotted, hierarchical name (e.g.
// "web.search" or "data.read"); Constraints carries the typed, closed set of
// enforcement parameters (rate limits, domain lists, time windows, allowed
// methods, size limits) described in the data model.
type Capability struct {
	Action      string      `json:"action"`
	Constraints Constraints `json:"constraints,omitempty"`
	Description string      `json:"description,omitempty"`
	Resources   []string    `json:"resources,omitempty"`
}

// Constraints is the closed-but-extensible map of enforcement parameters
// attached to a capability or to an operator's global_constraints. Known
// keys are interpreted by ConstraintEnforcer; unrecognized keys are kept and
// never merged numerically, so a policy file can carry forward-compatible
// metadata without the engine rejecting it.
type Constraints map[string]any

const (
	keyMaxRequestsPerHour   = "max_requests_per_hour"
	keyMaxRequestsPerMinute = "max_requests_per_minute"
	keyMaxDepth             = "max_depth"
	keyTokenLifetime        = "token_lifetime"
	keyMaxDelegationDepth   = "max_delegation_depth"
	keyRequirePoP           = "require_pop"
)

// Clone returns a copy of c whose top-level map and any []any values are new
// storage, so mutating the result cannot leak back into the source.
func (c Constraints) Clone() Constraints {
	if c == nil {
		return nil
	}
	out := make(Constraints, len(c))
	for k, v := range c {
		if list, ok := v.([]any); ok {
			cp := make([]any, len(list))
			copy(cp, list)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// Merge combines capability-local constraints with an operator's
// global_constraints, producing a monotonically tighter result:
//
//   - a key absent from the capability is copied from global as-is
//   - a recognized numeric key (rate limits, max_request_size, max_depth,
//     token_lifetime, max_delegation_depth) present in both takes the
//     smaller value (min)
//   - a list key whose name contains "allowed" is intersected
//   - a list key whose name contains "blocked" is unioned
//   - any other key present in both keeps the capability-local value
//
// global never loosens what the capability already grants.
func (c Constraints) Merge(global Constraints) Constraints {
	out := c.Clone()
	if out == nil {
		out = Constraints{}
	}
	numericKeys := map[string]bool{
		keyMaxRequestsPerHour:   true,
		keyMaxRequestsPerMinute: true,
		"max_request_size":      true,
		keyMaxDepth:             true,
		keyTokenLifetime:        true,
		keyMaxDelegationDepth:   true,
	}
	for k, gv := range global {
		lv, present := out[k]
		if !present {
			out[k] = gv
			continue
		}
		switch {
		case numericKeys[k] && isNumeric(lv) && isNumeric(gv):
			out[k] = minNumeric(lv, gv)
		case strings.Contains(k, "allowed") && isList(lv) && isList(gv):
			out[k] = intersectStrings(toStringList(lv), toStringList(gv))
		case strings.Contains(k, "blocked") && isList(lv) && isList(gv):
			out[k] = unionStrings(toStringList(lv), toStringList(gv))
		default:
			// capability-local value wins
		}
	}
	return out
}

// ReduceForDelegation scales rate limits and the depth budget down for a
// token issued at the given delegation depth: each additional hop halves
// the effective per-hour/per-minute budget (floored at 1, never zeroed),
// and max_depth is reduced by the number of hops already taken.
func (c Constraints) ReduceForDelegation(depth int) Constraints {
	out := c.Clone()
	if out == nil {
		return out
	}
	factor := reductionFactor(depth)
	if v, ok := out[keyMaxRequestsPerHour]; ok {
		out[keyMaxRequestsPerHour] = reduceCount(v, factor)
	}
	if v, ok := out[keyMaxRequestsPerMinute]; ok {
		out[keyMaxRequestsPerMinute] = reduceCount(v, factor)
	}
	if v, ok := out[keyMaxDepth]; ok {
		out[keyMaxDepth] = reduceDepth(v, depth)
	}
	return out
}

func reductionFactor(depth int) float64 {
	factor := 1.0
	for i := 0; i < depth; i++ {
		factor *= 0.5
	}
	return factor
}

func reduceCount(v any, factor float64) int {
	n := toInt(v)
	reduced := int(float64(n) * factor)
	if reduced < 1 {
		reduced = 1
	}
	return reduced
}

func reduceDepth(v any, depth int) int {
	n := toInt(v) - depth
	if n < 0 {
		n = 0
	}
	return n
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int64, float64:
		return true
	default:
		return false
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	default:
		return 0
	}
}

func minNumeric(a, b any) any {
	if toFloat(a) <= toFloat(b) {
		return a
	}
	return b
}

func isList(v any) bool {
	if _, ok := v.([]any); ok {
		return true
	}
	_, ok := v.([]string)
	return ok
}

func toStringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intersectStrings(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// OperatorPolicy is the full policy document for one operator: the ordered
// list of capabilities it may grant, the global constraints merged into
// every one of them, and the operational parameters (token lifetime, max
// delegation depth, proof-of-possession requirement) lifted out of
// GlobalConstraints for direct use by the issuer.
type OperatorPolicy struct {
	PolicyID            string          `json:"policy_id,omitempty"`
	PolicyVersion       string          `json:"policy_version,omitempty"`
	Operator            string          `json:"operator"`
	AllowedCapabilities []Capability    `json:"allowed_capabilities"`
	GlobalConstraints   Constraints     `json:"global_constraints,omitempty"`
	Oversight           *OversightClaim `json:"oversight,omitempty"`
	Audit               *AuditPolicy    `json:"audit,omitempty"`

	TokenLifetime      int  `json:"-"`
	MaxDelegationDepth int  `json:"-"`
	RequirePoP         bool `json:"-"`
}

// AuditPolicy configures how tokens issued under this operator are traced:
// the log verbosity a trace should be recorded at, and optionally how long
// records are retained and which compliance framework governs them.
type AuditPolicy struct {
	LogLevel              string `json:"log_level,omitempty"`
	RetentionPeriodDays   int    `json:"retention_period_days,omitempty"`
	ComplianceFramework   string `json:"compliance_framework,omitempty"`
}

const (
	defaultTokenLifetime      = 3600
	defaultMaxDelegationDepth = 2
)

// Normalize lifts the operational parameters out of GlobalConstraints and
// fills in defaults, mirroring the reference policy loader's
// OperatorPolicy.from_dict.
func (p *OperatorPolicy) Normalize() {
	p.TokenLifetime = defaultTokenLifetime
	p.MaxDelegationDepth = defaultMaxDelegationDepth
	if p.GlobalConstraints == nil {
		return
	}
	if v, ok := p.GlobalConstraints[keyTokenLifetime]; ok {
		p.TokenLifetime = toInt(v)
	}
	if v, ok := p.GlobalConstraints[keyMaxDelegationDepth]; ok {
		p.MaxDelegationDepth = toInt(v)
	}
	if v, ok := p.GlobalConstraints[keyRequirePoP]; ok {
		if b, ok := v.(bool); ok {
			p.RequirePoP = b
		}
	}
}

// FindCapability returns the first allowed capability whose Action matches
// name, or nil if the operator's policy grants nothing under that name.
func (p *OperatorPolicy) FindCapability(action string) *Capability {
	for i := range p.AllowedCapabilities {
		if p.AllowedCapabilities[i].Action == action {
			return &p.AllowedCapabilities[i]
		}
	}
	return nil
}
