// Package workflow implements the approval state machine that gates
// provisioning requests. An instance walks its approval levels strictly in
// order; any rejection terminates the whole instance, and an instance that
// outlives its deadline expires.
package workflow

import (
	"context"
	"time"

	"github.com/provgate/provgate/pkg/engine"
)

// InstanceStatus is the lifecycle state of one approval workflow instance.
type InstanceStatus string

const (
	InstancePending  InstanceStatus = "pending"
	InstanceApproved InstanceStatus = "approved"
	InstanceRejected InstanceStatus = "rejected"
	InstanceExpired  InstanceStatus = "expired"

	// InstanceCancelled marks an instance closed because its request was
	// cancelled before a decision; no orchestrator callback fires.
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the instance status is final.
func (s InstanceStatus) IsTerminal() bool {
	return s != InstancePending
}

// Instance is one durable approval workflow, bound to exactly one
// provisioning request.
type Instance struct {
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id"`
	Levels    []engine.ApprovalLevel `json:"levels"`

	// CurrentLevel indexes the level awaiting decisions. Levels complete
	// strictly in order.
	CurrentLevel int `json:"current_level"`

	Status    InstanceStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
}

// Decision is one approver's recorded verdict at one level.
type Decision struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Level      int       `json:"level"`
	Approver   string    `json:"approver"`
	Approved   bool      `json:"approved"`
	Comment    string    `json:"comment,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Store is the durable storage the state machine relies on. The SQLite
// store implements it.
type Store interface {
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	GetInstanceByRequest(ctx context.Context, requestID string) (*Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance) error
	ListPendingInstances(ctx context.Context, expiredBefore time.Time) ([]*Instance, error)

	CreateDecision(ctx context.Context, dec *Decision) error
	ListDecisions(ctx context.Context, instanceID string) ([]*Decision, error)
}

// Orchestrator is the slice of the saga the workflow calls back into once
// an instance reaches a terminal state.
type Orchestrator interface {
	ResumeApproved(ctx context.Context, requestID string) error
	MarkRejected(ctx context.Context, requestID, reason string) error
	MarkExpired(ctx context.Context, requestID string) error
}
