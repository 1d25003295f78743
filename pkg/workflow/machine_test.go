package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/telemetry"
)

type memStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
	decisions map[string][]*Decision
}

func newMemStore() *memStore {
	return &memStore{
		instances: make(map[string]*Instance),
		decisions: make(map[string][]*Decision),
	}
}

func (m *memStore) CreateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.instances[inst.ID] = &cp
	return nil
}

func (m *memStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, errors.New("instance not found")
	}
	cp := *inst
	return &cp, nil
}

func (m *memStore) GetInstanceByRequest(_ context.Context, requestID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.RequestID == requestID {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, errors.New("instance not found")
}

func (m *memStore) UpdateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.instances[inst.ID] = &cp
	return nil
}

func (m *memStore) ListPendingInstances(_ context.Context, expiredBefore time.Time) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Instance
	for _, inst := range m.instances {
		if inst.Status == InstancePending && !inst.ExpiresAt.After(expiredBefore) {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) CreateDecision(_ context.Context, dec *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[dec.InstanceID] = append(m.decisions[dec.InstanceID], dec)
	return nil
}

func (m *memStore) ListDecisions(_ context.Context, instanceID string) ([]*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Decision(nil), m.decisions[instanceID]...), nil
}

type mockOrch struct {
	mu       sync.Mutex
	resumed  []string
	rejected []string
	expired  []string
}

func (o *mockOrch) ResumeApproved(_ context.Context, requestID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resumed = append(o.resumed, requestID)
	return nil
}

func (o *mockOrch) MarkRejected(_ context.Context, requestID, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, requestID)
	return nil
}

func (o *mockOrch) MarkExpired(_ context.Context, requestID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expired = append(o.expired, requestID)
	return nil
}

func newTestService(t *testing.T) (*Service, *memStore, *mockOrch) {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	store := newMemStore()
	orch := &mockOrch{}
	return NewService(store, orch, nil, nil, logger), store, orch
}

func openInstance(t *testing.T, svc *Service, levels []engine.ApprovalLevel, ttl time.Duration) string {
	t.Helper()
	req := &engine.Request{ID: "req-1", Approvals: levels}
	id, err := svc.Open(context.Background(), req, time.Now().UTC().Add(ttl))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return id
}

func TestDecideSingleLevelAnyOf(t *testing.T) {
	svc, _, orch := newTestService(t)
	id := openInstance(t, svc, []engine.ApprovalLevel{
		{Name: "manager", Approvers: []string{"alice", "bob"}, AnyOf: true},
	}, time.Hour)

	inst, err := svc.Decide(context.Background(), id, "bob", true, "ok")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if inst.Status != InstanceApproved {
		t.Fatalf("status = %s, want approved", inst.Status)
	}
	if len(orch.resumed) != 1 || orch.resumed[0] != "req-1" {
		t.Fatalf("resumed = %v", orch.resumed)
	}
}

func TestDecideAllOfRequiresEveryApprover(t *testing.T) {
	svc, _, orch := newTestService(t)
	id := openInstance(t, svc, []engine.ApprovalLevel{
		{Name: "security", Approvers: []string{"alice", "bob"}},
	}, time.Hour)

	inst, err := svc.Decide(context.Background(), id, "alice", true, "")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if inst.Status != InstancePending {
		t.Fatalf("status = %s after first of two approvals", inst.Status)
	}
	if len(orch.resumed) != 0 {
		t.Fatal("resumed before all approvers decided")
	}

	inst, err = svc.Decide(context.Background(), id, "bob", true, "")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if inst.Status != InstanceApproved {
		t.Fatalf("status = %s, want approved", inst.Status)
	}
	if len(orch.resumed) != 1 {
		t.Fatalf("resumed = %v", orch.resumed)
	}
}

func TestDecideLevelsCompleteInOrder(t *testing.T) {
	svc, store, orch := newTestService(t)
	id := openInstance(t, svc, []engine.ApprovalLevel{
		{Name: "manager", Approvers: []string{"alice"}, AnyOf: true},
		{Name: "security", Approvers: []string{"carol"}, AnyOf: true},
	}, time.Hour)

	// The second-level approver cannot decide while level one is open.
	if _, err := svc.Decide(context.Background(), id, "carol", true, ""); err == nil {
		t.Fatal("second-level approver decided at level one")
	}

	if _, err := svc.Decide(context.Background(), id, "alice", true, ""); err != nil {
		t.Fatalf("level one: %v", err)
	}
	inst, _ := store.GetInstance(context.Background(), id)
	if inst.CurrentLevel != 1 || inst.Status != InstancePending {
		t.Fatalf("after level one: level=%d status=%s", inst.CurrentLevel, inst.Status)
	}

	inst, err := svc.Decide(context.Background(), id, "carol", true, "")
	if err != nil {
		t.Fatalf("level two: %v", err)
	}
	if inst.Status != InstanceApproved || len(orch.resumed) != 1 {
		t.Fatalf("status=%s resumed=%v", inst.Status, orch.resumed)
	}
}

func TestDecideRejectionShortCircuits(t *testing.T) {
	svc, _, orch := newTestService(t)
	id := openInstance(t, svc, []engine.ApprovalLevel{
		{Name: "manager", Approvers: []string{"alice", "bob"}},
		{Name: "security", Approvers: []string{"carol"}, AnyOf: true},
	}, time.Hour)

	inst, err := svc.Decide(context.Background(), id, "alice", false, "not justified")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if inst.Status != InstanceRejected {
		t.Fatalf("status = %s, want rejected", inst.Status)
	}
	if len(orch.rejected) != 1 || orch.rejected[0] != "req-1" {
		t.Fatalf("rejected = %v", orch.rejected)
	}

	// Terminal instances accept no further decisions.
	if _, err := svc.Decide(context.Background(), id, "bob", true, ""); err == nil {
		t.Fatal("decision accepted on rejected instance")
	}
}

func TestDecideDuplicateApproverRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	id := openInstance(t, svc, []engine.ApprovalLevel{
		{Name: "security", Approvers: []string{"alice", "bob"}},
	}, time.Hour)

	if _, err := svc.Decide(context.Background(), id, "alice", true, ""); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, err := svc.Decide(context.Background(), id, "alice", true, ""); err == nil {
		t.Fatal("same approver decided twice at one level")
	}
}

func TestCancelClosesPendingInstance(t *testing.T) {
	svc, _, orch := newTestService(t)
	id := openInstance(t, svc, []engine.ApprovalLevel{
		{Name: "manager", Approvers: []string{"alice"}},
	}, time.Hour)

	if err := svc.Cancel(context.Background(), "req-1", "requester withdrew"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	inst, _, err := svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inst.Status != InstanceCancelled {
		t.Fatalf("status = %s, want cancelled", inst.Status)
	}
	if inst.Reason != "requester withdrew" {
		t.Fatalf("reason = %q", inst.Reason)
	}
	// The request is already cancelled; no orchestrator callback fires.
	if len(orch.resumed)+len(orch.rejected)+len(orch.expired) != 0 {
		t.Fatal("orchestrator notified for a cancelled request")
	}

	// A late decision on the closed instance is refused.
	if _, err := svc.Decide(context.Background(), id, "alice", true, "ok"); err == nil {
		t.Fatal("decision accepted on a cancelled instance")
	}

	// Cancelling again is a no-op.
	if err := svc.Cancel(context.Background(), "req-1", "again"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestDecideOnExpiredInstance(t *testing.T) {
	svc, _, orch := newTestService(t)
	id := openInstance(t, svc, []engine.ApprovalLevel{
		{Name: "manager", Approvers: []string{"alice"}, AnyOf: true},
	}, -time.Minute)

	_, err := svc.Decide(context.Background(), id, "alice", true, "")
	if engine.Classify(err) != engine.ClassExpired {
		t.Fatalf("error class = %s, want expired", engine.Classify(err))
	}
	if len(orch.expired) != 1 || orch.expired[0] != "req-1" {
		t.Fatalf("expired = %v", orch.expired)
	}
}

func TestExpireOverdueSweep(t *testing.T) {
	svc, store, orch := newTestService(t)

	fresh := &engine.Request{ID: "req-fresh", Approvals: []engine.ApprovalLevel{{Name: "m", Approvers: []string{"a"}}}}
	stale := &engine.Request{ID: "req-stale", Approvals: []engine.ApprovalLevel{{Name: "m", Approvers: []string{"a"}}}}

	if _, err := svc.Open(context.Background(), fresh, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("open: %v", err)
	}
	staleID, err := svc.Open(context.Background(), stale, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	n, err := svc.ExpireOverdue(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	if len(orch.expired) != 1 || orch.expired[0] != "req-stale" {
		t.Fatalf("expired requests = %v", orch.expired)
	}
	inst, _ := store.GetInstance(context.Background(), staleID)
	if inst.Status != InstanceExpired {
		t.Fatalf("status = %s, want expired", inst.Status)
	}
}
