// Package oversight gates actions a token's oversight claim marks as
// requiring human sign-off before the resource server may execute them.
package oversight

import (
	"sync"
	"time"

	"github.com/pitabwire/aap/model"
)

// AuditEntry records a single oversight decision for later inspection.
type AuditEntry struct {
	Timestamp time.Time
	JTI       string
	Action    string
	Allowed   bool
	Reason    string
}

const maxAuditEntries = 10000

// Gate checks a token's oversight claim against the action being attempted
// and keeps a bounded in-memory audit trail of its decisions, in the style
// of a tool-approval gate consulted after capability matching succeeds.
type Gate struct {
	mu    sync.Mutex
	audit []AuditEntry
}

// NewGate creates an empty Gate.
func NewGate() *Gate {
	return &Gate{}
}

// Check returns nil if action may proceed without further approval, or an
// aap_approval_required error if the token's oversight claim lists action as
// requiring human approval.
func (g *Gate) Check(payload *model.TokenPayload, action string) error {
	if payload.Oversight == nil {
		g.record(payload.ID, action, true, "no oversight claim")
		return nil
	}

	for _, requires := range payload.Oversight.RequiresApprovalFor {
		if requires == action {
			g.record(payload.ID, action, false, "requires human approval")
			return model.NewApprovalRequiredError(action, payload.Oversight.ApprovalReference)
		}
	}

	g.record(payload.ID, action, true, "not subject to oversight")
	return nil
}

func (g *Gate) record(jti, action string, allowed bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.audit = append(g.audit, AuditEntry{
		Timestamp: time.Now(),
		JTI:       jti,
		Action:    action,
		Allowed:   allowed,
		Reason:    reason,
	})
	if len(g.audit) > maxAuditEntries {
		g.audit = g.audit[len(g.audit)-maxAuditEntries:]
	}
}

// Audit returns a copy of the most recent n audit entries, most recent
// first. A non-positive n returns the full retained history.
func (g *Gate) Audit(n int) []AuditEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n <= 0 || n > len(g.audit) {
		n = len(g.audit)
	}
	out := make([]AuditEntry, n)
	for i := 0; i < n; i++ {
		out[i] = g.audit[len(g.audit)-1-i]
	}
	return out
}
