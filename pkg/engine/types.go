package engine

import (
	"time"
)

// OperationKind is the kind of identity change applied to a target system.
type OperationKind string

const (
	OpCreate  OperationKind = "create"
	OpUpdate  OperationKind = "update"
	OpDelete  OperationKind = "delete"
	OpEnable  OperationKind = "enable"
	OpDisable OperationKind = "disable"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete, OpEnable, OpDisable:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of a provisioning request.
type RequestStatus string

const (
	RequestAccepted     RequestStatus = "accepted"
	RequestGated        RequestStatus = "gated"
	RequestDispatching  RequestStatus = "dispatching"
	RequestCommitted    RequestStatus = "committed"
	RequestCompensating RequestStatus = "compensating"
	RequestCompensated  RequestStatus = "compensated"
	// RequestPartiallyCompensated means one or more compensations failed
	// after their bounded retries. Terminal and alarmed; requires operator
	// attention, never silently retried.
	RequestPartiallyCompensated RequestStatus = "partially_compensated"
	RequestRejected             RequestStatus = "rejected"
	RequestExpired              RequestStatus = "expired"
	RequestCancelled            RequestStatus = "cancelled"
)

// IsTerminal reports whether the request status is final.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestCommitted, RequestCompensated, RequestPartiallyCompensated,
		RequestRejected, RequestExpired, RequestCancelled:
		return true
	}
	return false
}

// OperationStatus is the state of one per-target operation.
type OperationStatus string

const (
	OperationPending     OperationStatus = "pending"
	OperationApplied     OperationStatus = "applied"
	OperationFailed      OperationStatus = "failed"
	OperationCompensated OperationStatus = "compensated"
)

// CanTransition reports whether the status change is legal. Operations move
// pending -> {applied | failed}, and only applied operations may become
// compensated.
func (s OperationStatus) CanTransition(to OperationStatus) bool {
	switch s {
	case OperationPending:
		return to == OperationApplied || to == OperationFailed
	case OperationApplied:
		return to == OperationCompensated
	}
	return false
}

// Attributes is an identity attribute map. Values are strings; connectors
// coerce types on their side of the contract.
type Attributes map[string]string

// Clone returns a shallow copy of the attribute map.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// ApprovalLevel describes one required approval level of a gated request.
type ApprovalLevel struct {
	// Name is the human-readable level name (e.g. "line manager").
	Name string `json:"name"`

	// Approvers are the identities allowed to decide at this level.
	Approvers []string `json:"approvers"`

	// AnyOf makes the first decision win. When false every named approver
	// must approve before the level completes.
	AnyOf bool `json:"any_of,omitempty"`
}

// Request is a single logical "apply this identity change" request.
// Immutable once accepted; owned by the saga orchestrator for its lifetime.
type Request struct {
	ID           string          `json:"id"`
	IdentityKey  string          `json:"identity_key"`
	IdentityKind string          `json:"identity_kind"`
	Kind         OperationKind   `json:"kind"`
	Targets      []string        `json:"targets"`
	Attributes   Attributes      `json:"attributes"`
	Priority     int             `json:"priority"`
	Approvals    []ApprovalLevel `json:"approvals,omitempty"`
	RequestedBy  string          `json:"requested_by"`
	Status       RequestStatus   `json:"status"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Gated reports whether the request requires approval before dispatch.
func (r *Request) Gated() bool {
	return len(r.Approvals) > 0
}

// Receipt is the connector's record of an applied operation. It carries
// enough information for the connector to compensate the operation later.
type Receipt struct {
	// TargetKey is the identity's key inside the target system (DN, row
	// key, remote ID), which may differ from the request identity key.
	TargetKey string `json:"target_key"`

	// Data is connector-specific compensation context.
	Data map[string]string `json:"data,omitempty"`

	// AppliedAt is when the target system acknowledged the change.
	AppliedAt time.Time `json:"applied_at"`
}

// Operation is the durable ledger record of one (request, target) pair.
type Operation struct {
	ID         string          `json:"id"`
	RequestID  string          `json:"request_id"`
	Target     string          `json:"target"`
	Calculated Attributes      `json:"calculated,omitempty"`
	Status     OperationStatus `json:"status"`
	Receipt    *Receipt        `json:"receipt,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`

	// ApplySeq is the order in which the operation was applied within its
	// request, starting at 1. Compensation walks this sequence backwards.
	ApplySeq int `json:"apply_seq,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the last-committed desired state for one (identity, target)
// pair, maintained by the orchestrator and read by reconciliation.
type Snapshot struct {
	IdentityKey string     `json:"identity_key"`
	Target      string     `json:"target"`
	Attributes  Attributes `json:"attributes"`
	RequestID   string     `json:"request_id"`
	Active      bool       `json:"active"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AuditEvent is one append-only audit record. Events are never mutated or
// deleted.
type AuditEvent struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	Kind      string    `json:"kind"`
	SubjectID string    `json:"subject_id"`
	Before    string    `json:"before,omitempty"`
	After     string    `json:"after,omitempty"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Audit event kinds emitted by the core.
const (
	AuditRequestAccepted      = "request.accepted"
	AuditRequestGated         = "request.gated"
	AuditRequestDispatching   = "request.dispatching"
	AuditRequestCommitted     = "request.committed"
	AuditRequestCompensating  = "request.compensating"
	AuditRequestCompensated   = "request.compensated"
	AuditRequestPartial       = "request.partially_compensated"
	AuditRequestRejected      = "request.rejected"
	AuditRequestExpired       = "request.expired"
	AuditRequestCancelled     = "request.cancelled"
	AuditOperationApplied     = "operation.applied"
	AuditOperationFailed      = "operation.failed"
	AuditOperationCompensated = "operation.compensated"
	AuditWorkflowDecision     = "workflow.decision"
	AuditWorkflowApproved     = "workflow.approved"
	AuditWorkflowRejected     = "workflow.rejected"
	AuditWorkflowExpired      = "workflow.expired"
	AuditWorkflowCancelled    = "workflow.cancelled"
	AuditReconStarted         = "recon.started"
	AuditReconFinished        = "recon.finished"
	AuditDiscrepancyFound     = "recon.discrepancy"
	AuditRulePublished        = "rule.published"
	AuditStopEngaged          = "stop.engaged"
	AuditStopReleased         = "stop.released"
)

// Audit severities.
const (
	SeverityInfo = "info"
	SeverityWarn = "warning"
	SeverityHigh = "high"
)
