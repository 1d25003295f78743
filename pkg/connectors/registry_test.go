package connectors

import (
	"context"
	"errors"
	"testing"

	"github.com/provgate/provgate/pkg/engine"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	ldap := NewMemory("ldap")
	sqlT := NewMemory("sql")

	if err := r.Register("ldap", ldap); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("sql", sqlT); err != nil {
		t.Fatalf("register: %v", err)
	}

	conn, err := r.Resolve("ldap")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn != engine.Connector(ldap) {
		t.Fatal("resolved wrong connector")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "ldap" || names[1] != "sql" {
		t.Fatalf("names = %v", names)
	}
}

func TestRegistryRejectsDuplicatesAndUnknown(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("ldap", NewMemory("ldap")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("ldap", NewMemory("ldap")); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if _, err := r.Resolve("nope"); err == nil {
		t.Fatal("unknown target resolved")
	}
}

func TestMemoryCreateProbeDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("ldap")

	receipt, err := m.Apply(ctx, "E100", engine.OpCreate, engine.Attributes{"cn": "ana"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	exists, attrs, err := m.Probe(ctx, "E100")
	if err != nil || !exists {
		t.Fatalf("probe: exists=%v err=%v", exists, err)
	}
	if attrs["cn"] != "ana" {
		t.Fatalf("cn = %q", attrs["cn"])
	}

	// Duplicate create classifies as permanent duplicate key.
	_, err = m.Apply(ctx, "E100", engine.OpCreate, nil)
	var e *engine.Error
	if !errors.As(err, &e) || e.Code != engine.CodeDuplicateKey {
		t.Fatalf("duplicate create error = %v", err)
	}

	if _, err := m.Apply(ctx, "E100", engine.OpDelete, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if m.Exists("E100") {
		t.Fatal("identity survived delete")
	}

	// Compensating the original create after deletion is a no-op.
	if err := m.Compensate(ctx, "E100", receipt); err != nil {
		t.Fatalf("compensate: %v", err)
	}
}

func TestMemoryCompensateRestoresDeletedAccount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("sql")
	m.Seed("E200", engine.Attributes{"login": "e200"}, true)

	receipt, err := m.Apply(ctx, "E200", engine.OpDelete, nil)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Compensate(ctx, "E200", receipt); err != nil {
		t.Fatalf("compensate: %v", err)
	}

	exists, attrs, _ := m.Probe(ctx, "E200")
	if !exists || attrs["login"] != "e200" {
		t.Fatalf("restore failed: exists=%v attrs=%v", exists, attrs)
	}
}

func TestMemoryEnableDisable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("sql")
	m.Seed("E300", engine.Attributes{}, true)

	receipt, err := m.Apply(ctx, "E300", engine.OpDisable, nil)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if m.Enabled("E300") {
		t.Fatal("still enabled after disable")
	}

	if err := m.Compensate(ctx, "E300", receipt); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if !m.Enabled("E300") {
		t.Fatal("not re-enabled after compensation")
	}
}

func TestMemoryProgrammedFailureClears(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("ldap")
	m.FailNext("E400", engine.OpCreate, engine.NewTransientError("blip", nil), 2)

	for i := 0; i < 2; i++ {
		if _, err := m.Apply(ctx, "E400", engine.OpCreate, nil); err == nil {
			t.Fatalf("attempt %d: expected programmed failure", i+1)
		}
	}
	if _, err := m.Apply(ctx, "E400", engine.OpCreate, nil); err != nil {
		t.Fatalf("failure did not clear: %v", err)
	}
	if got := len(m.ApplyCalls()); got != 3 {
		t.Fatalf("apply calls = %d, want 3", got)
	}
}
