package connectors

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/engine"
)

// ledgerStub is just enough of engine.Ledger to drive a saga against real
// in-memory connectors.
type ledgerStub struct {
	mu       sync.Mutex
	requests map[string]*engine.Request
	ops      map[string][]*engine.Operation
}

func newLedgerStub() *ledgerStub {
	return &ledgerStub{
		requests: make(map[string]*engine.Request),
		ops:      make(map[string][]*engine.Operation),
	}
}

func (l *ledgerStub) CreateRequest(_ context.Context, req *engine.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *req
	l.requests[req.ID] = &cp
	return nil
}

func (l *ledgerStub) GetRequest(_ context.Context, id string) (*engine.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.requests[id]
	if !ok {
		return nil, fmt.Errorf("request not found: %s", id)
	}
	cp := *req
	return &cp, nil
}

func (l *ledgerStub) UpdateRequestStatus(_ context.Context, id string, status engine.RequestStatus, lastError string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.requests[id]
	if !ok {
		return fmt.Errorf("request not found: %s", id)
	}
	req.Status = status
	req.LastError = lastError
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *ledgerStub) ListRequestsByStatus(_ context.Context, statuses ...engine.RequestStatus) ([]*engine.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*engine.Request
	for _, req := range l.requests {
		for _, status := range statuses {
			if req.Status == status {
				cp := *req
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (l *ledgerStub) CreateOperation(_ context.Context, op *engine.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *op
	l.ops[op.RequestID] = append(l.ops[op.RequestID], &cp)
	return nil
}

func (l *ledgerStub) UpdateOperation(_ context.Context, op *engine.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.ops[op.RequestID] {
		if existing.ID == op.ID {
			cp := *op
			l.ops[op.RequestID][i] = &cp
			return nil
		}
	}
	return fmt.Errorf("operation not found: %s", op.ID)
}

func (l *ledgerStub) ListOperations(_ context.Context, requestID string) ([]*engine.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*engine.Operation
	for _, op := range l.ops[requestID] {
		cp := *op
		out = append(out, &cp)
	}
	return out, nil
}

func (l *ledgerStub) UpsertSnapshot(_ context.Context, _ *engine.Snapshot) error { return nil }

func (l *ledgerStub) DeleteSnapshot(_ context.Context, _, _ string) error { return nil }

func (l *ledgerStub) AppendAudit(_ context.Context, _ *engine.AuditEvent) error { return nil }

type identityCalc struct{}

func (identityCalc) Calculate(_ context.Context, identity engine.Attributes, _, _ string) (engine.Attributes, error) {
	return identity.Clone(), nil
}

// A create that landed just before a crash is adopted on restart without a
// recorded receipt. When a sibling target then fails, the rollback of the
// adopted account must actually reach the target system.
func TestRecoveryRollsBackAdoptedCreate(t *testing.T) {
	ctx := context.Background()

	ldap := NewMemory("ldap")
	sqlT := NewMemory("sql")
	reg := NewRegistry()
	if err := reg.Register("ldap", ldap); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("sql", sqlT); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The ldap create landed before the crash but its outcome was lost;
	// sql rejects the identity permanently.
	ldap.Seed("E100", engine.Attributes{"cn": "ana"}, true)
	sqlT.FailNext("E100", engine.OpCreate,
		engine.NewPermanentError("duplicate key", nil).WithCode(engine.CodeDuplicateKey), 0)

	ledger := newLedgerStub()
	now := time.Now().UTC()
	req := &engine.Request{
		ID:          "req-1",
		IdentityKey: "E100",
		Kind:        engine.OpCreate,
		Targets:     []string{"ldap", "sql"},
		Attributes:  engine.Attributes{"cn": "ana"},
		RequestedBy: "hr-feed",
		Status:      engine.RequestDispatching,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := ledger.CreateRequest(ctx, req); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	for _, target := range []string{"ldap", "sql"} {
		op := &engine.Operation{
			ID:         "op-" + target,
			RequestID:  req.ID,
			Target:     target,
			Calculated: engine.Attributes{"cn": "ana"},
			Status:     engine.OperationPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := ledger.CreateOperation(ctx, op); err != nil {
			t.Fatalf("seed op: %v", err)
		}
	}

	opts := engine.Options{
		MaxParallel: 2,
		Apply:       engine.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Compensate:  engine.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		ApprovalTTL: time.Hour,
	}
	saga := engine.NewSaga(ledger, reg, identityCalc{}, nil, nil, opts, zerolog.Nop(), nil, nil)

	if err := saga.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	got, _, err := saga.Status(ctx, req.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != engine.RequestCompensated {
		t.Fatalf("status = %s, want compensated", got.Status)
	}
	if ldap.Exists("E100") {
		t.Fatal("ldap account survived the rollback")
	}
	if sqlT.Exists("E100") {
		t.Fatal("sql account exists after a failed create")
	}
}
