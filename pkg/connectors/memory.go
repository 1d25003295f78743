package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/provgate/provgate/pkg/engine"
)

// account is the in-memory record of one provisioned identity.
type account struct {
	attributes engine.Attributes
	enabled    bool
}

// Memory is an in-memory connector used for development and testing. Its
// failure behavior is programmable per (identity, kind) so orchestration
// paths can be exercised deterministically.
type Memory struct {
	mu       sync.Mutex
	name     string
	accounts map[string]*account

	// failures maps "identityKey/kind" to the error the next Apply returns.
	// A failure with remaining > 0 decrements on each hit and clears at
	// zero, which models transient outages.
	failures map[string]*programmedFailure

	compensateErr error

	applyCalls      []MemoryCall
	compensateCalls []MemoryCall
}

type programmedFailure struct {
	err       error
	remaining int
}

// MemoryCall records one connector invocation for test assertions.
type MemoryCall struct {
	IdentityKey string
	Kind        engine.OperationKind
}

// NewMemory creates an empty in-memory connector.
func NewMemory(name string) *Memory {
	return &Memory{
		name:     name,
		accounts: make(map[string]*account),
		failures: make(map[string]*programmedFailure),
	}
}

// FailNext programs the next n Apply calls for (identityKey, kind) to return
// err. n <= 0 makes the failure permanent until cleared.
func (m *Memory) FailNext(identityKey string, kind engine.OperationKind, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[failureKey(identityKey, kind)] = &programmedFailure{err: err, remaining: n}
}

// FailCompensate makes every Compensate call return err until cleared with a
// nil err.
func (m *Memory) FailCompensate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensateErr = err
}

// Seed inserts an account directly, bypassing the connector contract.
func (m *Memory) Seed(identityKey string, attrs engine.Attributes, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[identityKey] = &account{attributes: attrs.Clone(), enabled: enabled}
}

// Probe implements engine.Connector.
func (m *Memory) Probe(_ context.Context, identityKey string) (bool, engine.Attributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[identityKey]
	if !ok {
		return false, nil, nil
	}
	return true, acct.attributes.Clone(), nil
}

// Apply implements engine.Connector.
func (m *Memory) Apply(_ context.Context, identityKey string, kind engine.OperationKind, calculated engine.Attributes) (*engine.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyCalls = append(m.applyCalls, MemoryCall{IdentityKey: identityKey, Kind: kind})

	key := failureKey(identityKey, kind)
	if pf, ok := m.failures[key]; ok {
		if pf.remaining > 0 {
			pf.remaining--
			if pf.remaining == 0 {
				delete(m.failures, key)
			}
		}
		return nil, pf.err
	}

	acct, exists := m.accounts[identityKey]
	receipt := &engine.Receipt{
		TargetKey: identityKey,
		AppliedAt: time.Now().UTC(),
		Data:      map[string]string{"kind": string(kind)},
	}

	switch kind {
	case engine.OpCreate:
		if exists {
			return nil, engine.NewPermanentError(fmt.Sprintf("identity %s already exists in %s", identityKey, m.name), nil).
				WithCode(engine.CodeDuplicateKey).WithTarget(m.name)
		}
		m.accounts[identityKey] = &account{attributes: calculated.Clone(), enabled: true}

	case engine.OpUpdate:
		if !exists {
			return nil, engine.NewPermanentError(fmt.Sprintf("identity %s not found in %s", identityKey, m.name), nil).
				WithCode(engine.CodeNotFound).WithTarget(m.name)
		}
		receipt.Data["prior"] = flatten(acct.attributes)
		for k, v := range calculated {
			acct.attributes[k] = v
		}

	case engine.OpDelete:
		if !exists {
			return nil, engine.NewPermanentError(fmt.Sprintf("identity %s not found in %s", identityKey, m.name), nil).
				WithCode(engine.CodeNotFound).WithTarget(m.name)
		}
		receipt.Data["prior"] = flatten(acct.attributes)
		delete(m.accounts, identityKey)

	case engine.OpEnable, engine.OpDisable:
		if !exists {
			return nil, engine.NewPermanentError(fmt.Sprintf("identity %s not found in %s", identityKey, m.name), nil).
				WithCode(engine.CodeNotFound).WithTarget(m.name)
		}
		acct.enabled = kind == engine.OpEnable

	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unsupported operation %s", kind), nil).
			WithCode(engine.CodeUnsupportedOp).WithTarget(m.name)
	}

	return receipt, nil
}

// Compensate implements engine.Connector. Compensating a create removes the
// account; compensating an already-removed account is a no-op.
func (m *Memory) Compensate(_ context.Context, identityKey string, receipt *engine.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := engine.OperationKind(receipt.Data["kind"])
	m.compensateCalls = append(m.compensateCalls, MemoryCall{IdentityKey: identityKey, Kind: kind})

	if m.compensateErr != nil {
		return m.compensateErr
	}

	switch kind {
	case engine.OpCreate:
		delete(m.accounts, identityKey)
	case engine.OpDelete:
		if _, exists := m.accounts[identityKey]; !exists {
			m.accounts[identityKey] = &account{attributes: unflatten(receipt.Data["prior"]), enabled: true}
		}
	case engine.OpEnable:
		if acct, exists := m.accounts[identityKey]; exists {
			acct.enabled = false
		}
	case engine.OpDisable:
		if acct, exists := m.accounts[identityKey]; exists {
			acct.enabled = true
		}
	default:
		// Updates restore the prior attribute values when still present.
		if acct, exists := m.accounts[identityKey]; exists && receipt.Data["prior"] != "" {
			acct.attributes = unflatten(receipt.Data["prior"])
		}
	}
	return nil
}

// ApplyCalls returns the recorded Apply invocations.
func (m *Memory) ApplyCalls() []MemoryCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryCall, len(m.applyCalls))
	copy(out, m.applyCalls)
	return out
}

// CompensateCalls returns the recorded Compensate invocations.
func (m *Memory) CompensateCalls() []MemoryCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryCall, len(m.compensateCalls))
	copy(out, m.compensateCalls)
	return out
}

// List returns every provisioned identity key. Reconciliation uses it to
// detect orphaned accounts.
func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.accounts))
	for key := range m.accounts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether the identity is currently provisioned.
func (m *Memory) Exists(identityKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[identityKey]
	return ok
}

// Enabled reports whether the identity is provisioned and enabled.
func (m *Memory) Enabled(identityKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[identityKey]
	return ok && acct.enabled
}

func failureKey(identityKey string, kind engine.OperationKind) string {
	return identityKey + "/" + string(kind)
}

// flatten encodes attributes into a receipt data value.
func flatten(attrs engine.Attributes) string {
	b, err := json.Marshal(attrs)
	if err != nil {
		return ""
	}
	return string(b)
}

func unflatten(s string) engine.Attributes {
	attrs := make(engine.Attributes)
	if s != "" {
		_ = json.Unmarshal([]byte(s), &attrs)
	}
	return attrs
}
