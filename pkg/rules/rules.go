// Package rules implements the attribute calculation engine. Rules map
// source identity attributes to per-target-system attributes through a
// closed, sandboxed template language: literal text, variable substitution,
// and a fixed set of named transforms. No arbitrary code execution.
package rules

import (
	"fmt"
	"time"
)

// Rule calculates one target attribute for one target system. Rules are
// versioned and immutable once published; edits create a new version.
type Rule struct {
	// ID identifies the rule across versions.
	ID string `json:"id"`

	// Version is the published version, starting at 1.
	Version int `json:"version"`

	// Target is the target-system name the rule applies to.
	Target string `json:"target"`

	// IdentityKind selects which identity kinds the rule fires for.
	// Empty matches every kind.
	IdentityKind string `json:"identity_kind,omitempty"`

	// Attribute is the calculated target attribute name.
	Attribute string `json:"attribute"`

	// Template is the expression template, e.g.
	// "{{firstname|ascii}}.{{lastname|ascii|truncate:12}}".
	Template string `json:"template"`

	// Priority orders evaluation; lower numbers evaluate first. Later
	// rules may reference attributes calculated by earlier rules.
	Priority int `json:"priority"`

	// Enabled gates whether the rule participates in evaluation.
	Enabled bool `json:"enabled"`

	// Conditions are equality conditions on the evaluation context. A rule
	// with conditions only fires when every condition matches.
	Conditions map[string]string `json:"conditions,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the rule for structural errors, including cyclic
// self-reference: a rule may not reference its own output attribute.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Target == "" {
		return fmt.Errorf("rule %s: target system is required", r.ID)
	}
	if r.Attribute == "" {
		return fmt.Errorf("rule %s: attribute is required", r.ID)
	}

	tmpl, err := ParseTemplate(r.Template)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	for _, v := range tmpl.Variables() {
		if v == r.Attribute {
			return fmt.Errorf("rule %s: template references its own output attribute %q", r.ID, r.Attribute)
		}
	}
	return nil
}

// Matches reports whether the rule applies to the given target system and
// identity kind.
func (r *Rule) Matches(target, identityKind string) bool {
	if !r.Enabled || r.Target != target {
		return false
	}
	return r.IdentityKind == "" || r.IdentityKind == identityKind
}
