package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/aap/internal/enforcer"
	"github.com/pitabwire/aap/internal/matcher"
	"github.com/pitabwire/aap/internal/oversight"
	"github.com/pitabwire/aap/internal/validator"
	"github.com/pitabwire/aap/model"
)

// Authorizer validates the bearer token on every request, matches the
// requested action against the token's granted capabilities, enforces the
// matched capability's constraints, and consults the oversight gate — in
// that order, mirroring the reference implementation's authorize(action,
// target_url) entry point. On success it attaches the validated
// model.TokenPayload to the request context; on failure it writes the RS's
// structured error envelope and does not call next.
type Authorizer struct {
	Validator *validator.Validator
	Enforcer  *enforcer.Enforcer
	Oversight *oversight.Gate
}

// ActionResolver derives the action name and optional target URL a request
// is attempting, so a single Authorizer can protect many routes with
// different action semantics.
type ActionResolver func(r *http.Request) (action, targetURL string)

// Require returns middleware that authorizes every request through resolve
// before calling next.
func (a *Authorizer) Require(resolve ActionResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			payload, err := a.authenticate(r)
			if err != nil {
				WriteError(w, err)
				return
			}

			action, targetURL := resolve(r)
			cap, err := matcher.Match(payload.Capabilities, action)
			if err != nil {
				WriteError(w, err)
				return
			}

			ectx := &model.EnforcementContext{
				Action:        action,
				Method:        r.Method,
				ContentLength: r.ContentLength,
				TargetURL:     targetURL,
				JTI:           payload.ID,
				Now:           time.Now(),
			}
			if err := a.Enforcer.Enforce(r.Context(), cap.Constraints, ectx); err != nil {
				WriteError(w, err)
				return
			}

			if err := a.Oversight.Check(payload, action); err != nil {
				WriteError(w, err)
				return
			}

			ctx := model.WithTokenPayload(r.Context(), payload)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authorizer) authenticate(r *http.Request) (*model.TokenPayload, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, model.NewInvalidTokenError("missing bearer token")
	}
	tokenStr := strings.TrimPrefix(header, prefix)
	if tokenStr == "" {
		return nil, model.NewInvalidTokenError("missing bearer token")
	}
	return a.Validator.Validate(tokenStr)
}
