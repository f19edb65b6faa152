// Package policy loads operator authorization policies from disk and
// evaluates them into concrete, delegation-reduced capability grants.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pitabwire/aap/model"
)

// Engine holds the current policy table and evaluates capability requests
// against it. The table is held behind an atomic.Pointer so concurrent
// reads never block on a reload: Reload builds a brand new table and swaps
// it in with a single atomic store, and any request already holding a
// snapshot keeps using it to completion.
type Engine struct {
	dir     string
	table   atomic.Pointer[map[string]*model.OperatorPolicy]
}

// NewEngine creates an Engine and performs an initial load from dir, which
// must contain one JSON file per operator (see policyFile).
func NewEngine(dir string) (*Engine, error) {
	e := &Engine{dir: dir}
	if err := e.Reload(dir); err != nil {
		return nil, err
	}
	return e, nil
}

// policyFile is the on-disk JSON shape of a single operator's policy,
// matching the reference implementation's as/policy_engine.py loader:
// the operator lives under applies_to, and each capability's constraints
// are keyed default_constraints rather than constraints.
type policyFile struct {
	PolicyID      string `json:"policy_id"`
	PolicyVersion string `json:"policy_version"`
	AppliesTo     struct {
		Operator string `json:"operator"`
	} `json:"applies_to"`
	AllowedCapabilities []policyCapability    `json:"allowed_capabilities"`
	GlobalConstraints   model.Constraints     `json:"global_constraints"`
	Oversight           *model.OversightClaim `json:"oversight"`
	Audit               *model.AuditPolicy    `json:"audit"`
}

// policyCapability is a single allowed_capabilities entry on disk.
type policyCapability struct {
	Action             string            `json:"action"`
	Description        string            `json:"description"`
	Resources          []string          `json:"resources"`
	DefaultConstraints model.Constraints `json:"default_constraints"`
}

// Reload reads every *.json file in dir, builds a new policy table keyed by
// operator, and atomically swaps it in. Safe to call concurrently with
// GetPolicy/EvaluateCapabilities.
func (e *Engine) Reload(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("policy: reading directory %s: %w", dir, err)
	}

	table := make(map[string]*model.OperatorPolicy)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("policy: reading %s: %w", path, err)
		}
		var pf policyFile
		if err := json.Unmarshal(data, &pf); err != nil {
			return fmt.Errorf("policy: parsing %s: %w", path, err)
		}
		if pf.AppliesTo.Operator == "" {
			return fmt.Errorf("policy: %s missing required applies_to.operator field", path)
		}
		caps := make([]model.Capability, len(pf.AllowedCapabilities))
		for i, c := range pf.AllowedCapabilities {
			caps[i] = model.Capability{
				Action:      c.Action,
				Description: c.Description,
				Resources:   c.Resources,
				Constraints: c.DefaultConstraints,
			}
		}
		op := &model.OperatorPolicy{
			Operator:            pf.AppliesTo.Operator,
			PolicyID:            pf.PolicyID,
			PolicyVersion:       pf.PolicyVersion,
			AllowedCapabilities: caps,
			GlobalConstraints:   pf.GlobalConstraints,
			Oversight:           pf.Oversight,
			Audit:               pf.Audit,
		}
		op.Normalize()
		table[op.Operator] = op
	}

	e.table.Store(&table)
	e.dir = dir
	return nil
}

// Count returns the number of operator policies currently loaded.
func (e *Engine) Count() int {
	table := e.table.Load()
	if table == nil {
		return 0
	}
	return len(*table)
}

// GetPolicy returns the operator's policy, or nil if no policy file was
// loaded for that operator.
func (e *Engine) GetPolicy(operator string) *model.OperatorPolicy {
	table := e.table.Load()
	if table == nil {
		return nil
	}
	return (*table)[operator]
}

// EvaluateCapabilities resolves the concrete capabilities an operator's
// policy grants for the requested action names, merging each capability's
// local constraints with the operator's global_constraints. Actions not
// present in the operator's allowed_capabilities are silently dropped — the
// caller decides whether an empty result is an error.
func (e *Engine) EvaluateCapabilities(operator string, requested []string) ([]model.Capability, error) {
	op := e.GetPolicy(operator)
	if op == nil {
		return nil, fmt.Errorf("policy: no policy for operator %q", operator)
	}

	var granted []model.Capability
	for _, action := range requested {
		cap := op.FindCapability(action)
		if cap == nil {
			continue
		}
		merged := model.Capability{
			Action:      cap.Action,
			Description: cap.Description,
			Resources:   cap.Resources,
			Constraints: cap.Constraints.Merge(op.GlobalConstraints),
		}
		granted = append(granted, merged)
	}
	return granted, nil
}

// HealthCheck reports an error if no policy table has been loaded yet,
// satisfying observability.HealthChecker for the AS readiness endpoint.
func (e *Engine) HealthCheck(_ context.Context) error {
	table := e.table.Load()
	if table == nil {
		return fmt.Errorf("policy: no table loaded")
	}
	return nil
}

// ReduceForDelegation applies delegation-depth privilege reduction to every
// capability in caps, returning a new slice (the input is untouched).
func (e *Engine) ReduceForDelegation(caps []model.Capability, depth int) []model.Capability {
	out := make([]model.Capability, len(caps))
	for i, c := range caps {
		out[i] = model.Capability{
			Action:      c.Action,
			Description: c.Description,
			Resources:   c.Resources,
			Constraints: c.Constraints.ReduceForDelegation(depth),
		}
	}
	return out
}
