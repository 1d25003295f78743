package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/telemetry"
)

type staticSource struct {
	rules []*Rule
	err   error
}

func (s *staticSource) ListRules(_ context.Context, _ string) ([]*Rule, error) {
	return s.rules, s.err
}

func newTestService(t *testing.T, rules ...*Rule) *Service {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewService(&staticSource{rules: rules}, logger)
}

func TestCalculateEvaluatesInPriorityOrder(t *testing.T) {
	svc := newTestService(t,
		&Rule{
			ID: "ldap-dn", Version: 1, Target: "ldap", Attribute: "dn",
			Template: "uid={{username}},ou=people", Priority: 20, Enabled: true,
		},
		&Rule{
			ID: "ldap-username", Version: 1, Target: "ldap", Attribute: "username",
			Template: "{{firstname|ascii}}.{{lastname|ascii|truncate:12}}", Priority: 10, Enabled: true,
		},
	)

	got, err := svc.Calculate(context.Background(), engine.Attributes{
		"firstname": "José",
		"lastname":  "García",
	}, "employee", "ldap")
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}

	if got["username"] != "jose.garcia" {
		t.Fatalf("username = %q, want %q", got["username"], "jose.garcia")
	}
	if got["dn"] != "uid=jose.garcia,ou=people" {
		t.Fatalf("dn = %q, want %q", got["dn"], "uid=jose.garcia,ou=people")
	}
}

func TestCalculateTieBreaksOnRuleID(t *testing.T) {
	svc := newTestService(t,
		&Rule{ID: "b-rule", Version: 1, Target: "sql", Attribute: "v", Template: "b", Priority: 5, Enabled: true},
		&Rule{ID: "a-rule", Version: 1, Target: "sql", Attribute: "v", Template: "a", Priority: 5, Enabled: true},
	)

	got, err := svc.Calculate(context.Background(), engine.Attributes{}, "employee", "sql")
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	// Both rules write the same attribute; the higher rule id wins because
	// it evaluates last.
	if got["v"] != "b" {
		t.Fatalf("v = %q, want %q", got["v"], "b")
	}
}

func TestCalculateSkipsNonMatchingRules(t *testing.T) {
	svc := newTestService(t,
		&Rule{ID: "disabled", Version: 1, Target: "ldap", Attribute: "a", Template: "x", Enabled: false},
		&Rule{ID: "other-target", Version: 1, Target: "sql", Attribute: "b", Template: "x", Enabled: true},
		&Rule{ID: "other-kind", Version: 1, Target: "ldap", IdentityKind: "contractor", Attribute: "c", Template: "x", Enabled: true},
		&Rule{ID: "fires", Version: 1, Target: "ldap", IdentityKind: "employee", Attribute: "d", Template: "x", Enabled: true},
	)

	got, err := svc.Calculate(context.Background(), engine.Attributes{}, "employee", "ldap")
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if len(got) != 1 || got["d"] != "x" {
		t.Fatalf("calculated = %v, want only d=x", got)
	}
}

func TestCalculateConditions(t *testing.T) {
	svc := newTestService(t,
		&Rule{
			ID: "admin-group", Version: 1, Target: "ldap", Attribute: "group",
			Template: "admins", Priority: 1, Enabled: true,
			Conditions: map[string]string{"department": "it"},
		},
		&Rule{
			ID: "default-group", Version: 1, Target: "ldap", Attribute: "shell",
			Template: "/bin/bash", Priority: 2, Enabled: true,
		},
	)

	got, err := svc.Calculate(context.Background(), engine.Attributes{"department": "sales"}, "employee", "ldap")
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if _, ok := got["group"]; ok {
		t.Fatal("conditioned rule fired without its condition")
	}
	if got["shell"] != "/bin/bash" {
		t.Fatalf("shell = %q", got["shell"])
	}

	got, err = svc.Calculate(context.Background(), engine.Attributes{"department": "it"}, "employee", "ldap")
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if got["group"] != "admins" {
		t.Fatalf("group = %q, want admins", got["group"])
	}
}

func TestCalculateMissingVariableNamesRule(t *testing.T) {
	svc := newTestService(t,
		&Rule{
			ID: "ldap-mail", Version: 1, Target: "ldap", Attribute: "mail",
			Template: "{{username}}@corp.example", Priority: 1, Enabled: true,
		},
	)

	_, err := svc.Calculate(context.Background(), engine.Attributes{}, "employee", "ldap")
	if err == nil {
		t.Fatal("expected rule error")
	}
	var e *engine.Error
	if !errors.As(err, &e) {
		t.Fatalf("error type = %T", err)
	}
	if e.Class != engine.ClassRule || e.Code != engine.CodeMissingVar {
		t.Fatalf("class=%s code=%s", e.Class, e.Code)
	}
	if e.RuleID != "ldap-mail" {
		t.Fatalf("rule id = %q, want ldap-mail", e.RuleID)
	}
}

func TestCalculateSourceFailureIsTransient(t *testing.T) {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	svc := NewService(&staticSource{err: errors.New("db locked")}, logger)

	_, err = svc.Calculate(context.Background(), engine.Attributes{}, "employee", "ldap")
	if engine.Classify(err) != engine.ClassTransient {
		t.Fatalf("class = %s, want transient", engine.Classify(err))
	}
}

func TestRuleValidateRejectsSelfReference(t *testing.T) {
	r := &Rule{
		ID: "loop", Version: 1, Target: "ldap", Attribute: "username",
		Template: "{{username|lower}}", Enabled: true,
	}
	if err := r.Validate(); err == nil {
		t.Fatal("expected self-reference to be rejected")
	}
}

func TestTestRuleUsesProductionRendering(t *testing.T) {
	svc := newTestService(t)
	r := &Rule{
		ID: "probe", Version: 1, Target: "ldap", Attribute: "username",
		Template: "{{firstname|ascii}}.{{lastname|ascii}}", Enabled: true,
	}
	got, err := svc.TestRule(r, engine.Attributes{"firstname": "Åsa", "lastname": "Löf"})
	if err != nil {
		t.Fatalf("test rule: %v", err)
	}
	if got != "asa.lof" {
		t.Fatalf("rendered = %q, want asa.lof", got)
	}

	_, err = svc.TestRule(r, engine.Attributes{"firstname": "Åsa"})
	var e *engine.Error
	if !errors.As(err, &e) || e.Code != engine.CodeMissingVar {
		t.Fatalf("expected missing variable error, got %v", err)
	}
}
