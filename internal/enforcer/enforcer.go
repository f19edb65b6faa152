// Package enforcer applies a capability's constraints (rate limits, domain
// allow/block lists, time windows, method allowlists, body size limits) to
// a single request.
package enforcer

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/pitabwire/aap/model"
)

// Enforcer checks an EnforcementContext against a matched capability's
// constraints, using a Store to track rate-limit counters across calls.
type Enforcer struct {
	store Store
}

// NewEnforcer creates an Enforcer backed by store. Pass enforcer.NewMemoryStore()
// for a single-process deployment or enforcer.NewRedisStore(client) for a
// multi-process one; both satisfy Store identically.
func NewEnforcer(store Store) *Enforcer {
	return &Enforcer{store: store}
}

// Enforce runs every applicable constraint check, in the fixed order rate
// limits, domain, time window, method, size — returning the first
// violation encountered, or nil if the request is within every limit.
func (e *Enforcer) Enforce(ctx context.Context, constraints model.Constraints, ectx *model.EnforcementContext) error {
	if err := e.enforceRateLimits(ctx, constraints, ectx); err != nil {
		return err
	}
	if err := enforceDomain(constraints, ectx); err != nil {
		return err
	}
	if err := enforceTimeWindow(constraints, ectx); err != nil {
		return err
	}
	if err := enforceMethod(constraints, ectx); err != nil {
		return err
	}
	if err := enforceSize(constraints, ectx); err != nil {
		return err
	}
	return nil
}

func (e *Enforcer) enforceRateLimits(ctx context.Context, constraints model.Constraints, ectx *model.EnforcementContext) error {
	if max, ok := constraints[keyMaxRequestsPerHour]; ok {
		count, err := e.store.IncrHourly(ctx, ectx.JTI, ectx.Now)
		if err != nil {
			return err
		}
		if count > int64(toInt(max)) {
			return model.NewRateLimitedError("hourly request limit exceeded")
		}
	}
	if max, ok := constraints[keyMaxRequestsPerMinute]; ok {
		allowed, err := e.store.RecordMinute(ctx, ectx.JTI, ectx.Now, toInt(max))
		if err != nil {
			return err
		}
		if !allowed {
			return model.NewRateLimitedError("per-minute request limit exceeded")
		}
	}
	return nil
}

const (
	keyMaxRequestsPerHour   = "max_requests_per_hour"
	keyMaxRequestsPerMinute = "max_requests_per_minute"
	keyAllowedDomains       = "domains_allowed"
	keyBlockedDomains       = "domains_blocked"
	keyTimeWindow           = "time_window"
	keyAllowedMethods       = "allowed_methods"
	keyMaxRequestSize       = "max_request_size"
)

func enforceDomain(constraints model.Constraints, ectx *model.EnforcementContext) error {
	if ectx.TargetURL == "" {
		return nil
	}
	_, hasAllowed := constraints[keyAllowedDomains]
	_, hasBlocked := constraints[keyBlockedDomains]
	if !hasAllowed && !hasBlocked {
		return nil
	}

	u, err := url.Parse(ectx.TargetURL)
	if err != nil || u.Hostname() == "" {
		return model.NewDomainNotAllowedError(ectx.TargetURL)
	}
	domain := u.Hostname()

	if hasBlocked {
		if domainMatchesList(domain, toStringSlice(constraints[keyBlockedDomains])) {
			return model.NewDomainNotAllowedError(domain)
		}
	}
	if hasAllowed {
		if !domainMatchesList(domain, toStringSlice(constraints[keyAllowedDomains])) {
			return model.NewDomainNotAllowedError(domain)
		}
	}
	return nil
}

// domainMatchesList reports whether domain exactly equals, or is a
// sub-domain of (suffix-matches with a "." boundary), any entry in list.
func domainMatchesList(domain string, list []string) bool {
	for _, allowed := range list {
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			return true
		}
	}
	return false
}

func enforceTimeWindow(constraints model.Constraints, ectx *model.EnforcementContext) error {
	raw, ok := constraints[keyTimeWindow]
	if !ok {
		return nil
	}
	window, ok := raw.(map[string]any)
	if !ok {
		return nil
	}

	if startStr, ok := window["start"].(string); ok && startStr != "" {
		start, err := time.Parse(time.RFC3339, startStr)
		if err == nil && ectx.Now.Before(start) {
			return model.NewCapabilityExpiredError("capability time window has not begun")
		}
	}
	if endStr, ok := window["end"].(string); ok && endStr != "" {
		end, err := time.Parse(time.RFC3339, endStr)
		if err == nil && !ectx.Now.Before(end) {
			return model.NewCapabilityExpiredError("capability time window has elapsed")
		}
	}
	return nil
}

func enforceMethod(constraints model.Constraints, ectx *model.EnforcementContext) error {
	raw, ok := constraints[keyAllowedMethods]
	if !ok {
		return nil
	}
	allowed := toStringSlice(raw)
	for _, m := range allowed {
		if strings.EqualFold(m, ectx.Method) {
			return nil
		}
	}
	return model.NewMethodNotAllowedError(ectx.Method)
}

func enforceSize(constraints model.Constraints, ectx *model.EnforcementContext) error {
	raw, ok := constraints[keyMaxRequestSize]
	if !ok {
		return nil
	}
	max := int64(toInt(raw))
	if ectx.ContentLength > max {
		return model.NewRequestTooLargeError(ectx.ContentLength, max)
	}
	return nil
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

func toStringSlice(v any) []string {
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
