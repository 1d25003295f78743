package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/telemetry"
)

// Source supplies the published rule set. The SQLite store implements it;
// tests use an in-memory slice.
type Source interface {
	// ListRules returns the latest published version of every rule for the
	// given target system. An empty target returns rules for all targets.
	ListRules(ctx context.Context, target string) ([]*Rule, error)
}

// Service evaluates the published rule set against identity attributes. It
// is the production engine.Calculator.
type Service struct {
	source Source
	logger zerolog.Logger
}

// NewService builds a rule evaluation service backed by the given source.
func NewService(source Source, logger *telemetry.Logger) *Service {
	return &Service{
		source: source,
		logger: logger.NewComponentLogger("rules").Zerolog(),
	}
}

// Calculate evaluates every matching rule for the target in priority order
// and returns the calculated attribute map. The evaluation context starts
// with the identity attributes; each rule's output is appended so later
// rules may reference earlier results.
func (s *Service) Calculate(ctx context.Context, identity engine.Attributes, identityKind, target string) (engine.Attributes, error) {
	rules, err := s.source.ListRules(ctx, target)
	if err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("loading rules for target %s", target), err)
	}
	return s.evaluate(rules, identity, identityKind, target)
}

// TestRule evaluates a single candidate rule against sample identity
// attributes using the same rendering path as production evaluation. It is
// used for dry-run testing before a rule is published.
func (s *Service) TestRule(rule *Rule, sample engine.Attributes) (string, error) {
	if err := rule.Validate(); err != nil {
		return "", engine.NewValidationError(err.Error(), nil)
	}
	tmpl, err := ParseTemplate(rule.Template)
	if err != nil {
		return "", engine.NewValidationError(err.Error(), nil)
	}
	value, err := tmpl.Render(sample)
	if err != nil {
		return "", tagRuleError(err, rule.ID, rule.Target)
	}
	return value, nil
}

func (s *Service) evaluate(rules []*Rule, identity engine.Attributes, identityKind, target string) (engine.Attributes, error) {
	matched := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r.Matches(target, identityKind) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})

	context := identity.Clone()
	calculated := make(engine.Attributes, len(matched))

	for _, r := range matched {
		if !conditionsMatch(r, context) {
			continue
		}

		tmpl, err := ParseTemplate(r.Template)
		if err != nil {
			return nil, engine.NewRuleError(r.ID, "invalid template", err).WithTarget(target)
		}
		value, err := tmpl.Render(context)
		if err != nil {
			return nil, tagRuleError(err, r.ID, target)
		}

		context[r.Attribute] = value
		calculated[r.Attribute] = value

		s.logger.Debug().
			Str("rule_id", r.ID).
			Str("target", target).
			Str("attribute", r.Attribute).
			Msg("rule evaluated")
	}

	return calculated, nil
}

func conditionsMatch(r *Rule, context engine.Attributes) bool {
	for key, want := range r.Conditions {
		if context[key] != want {
			return false
		}
	}
	return true
}

// tagRuleError attaches rule identity to render errors so failures name the
// offending rule.
func tagRuleError(err error, ruleID, target string) error {
	var e *engine.Error
	if errors.As(err, &e) {
		e.RuleID = ruleID
		if e.Target == "" {
			e.Target = target
		}
		return e
	}
	return engine.NewRuleError(ruleID, "rule evaluation failed", err).WithTarget(target)
}
