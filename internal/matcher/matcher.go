// Package matcher resolves a requested action name to the granted
// capability on a validated token, and validates action-name syntax.
package matcher

import (
	"unicode"

	"github.com/pitabwire/aap/model"
)

// Match finds the capability on payload whose Action exactly equals action.
// Action names use exact, case-sensitive string matching — no wildcards, no
// hierarchical prefix matching — per the action-name ABNF grammar.
func Match(capabilities []model.Capability, action string) (*model.Capability, error) {
	for i := range capabilities {
		if capabilities[i].Action == action {
			return &capabilities[i], nil
		}
	}
	return nil, model.NewInvalidCapabilityError(action)
}

// ValidateActionFormat checks action against the grammar:
//
//	action-name = component *( "." component )
//	component   = ALPHA *( ALPHA / DIGIT / "-" / "_" )
//
// Each dot-separated component must start with a letter and continue with
// letters, digits, hyphens, or underscores; empty components (e.g.
// "search..web") are rejected.
func ValidateActionFormat(action string) bool {
	if action == "" {
		return false
	}

	isAlpha := func(r rune) bool { return r < unicode.MaxASCII && unicode.IsLetter(r) }
	isDigit := func(r rune) bool { return r >= '0' && r <= '9' }

	component := make([]rune, 0, len(action))
	flush := func() bool {
		if len(component) == 0 {
			return false
		}
		if !isAlpha(component[0]) {
			return false
		}
		for _, r := range component[1:] {
			if !isAlpha(r) && !isDigit(r) && r != '-' && r != '_' {
				return false
			}
		}
		component = component[:0]
		return true
	}

	for _, r := range action {
		if r == '.' {
			if !flush() {
				return false
			}
			continue
		}
		component = append(component, r)
	}
	return flush()
}
