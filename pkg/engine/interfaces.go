package engine

import (
	"context"
	"time"
)

// Connector is the uniform contract every target-system integration
// implements. Connectors classify their own failures via the error
// constructors in this package; an unclassified error is treated as
// permanent.
type Connector interface {
	// Probe reports whether the identity exists in the target system and,
	// when it does, the currently observed attributes.
	Probe(ctx context.Context, identityKey string) (exists bool, current Attributes, err error)

	// Apply performs the operation against the target system and returns a
	// receipt carrying enough context to compensate it later.
	Apply(ctx context.Context, identityKey string, kind OperationKind, calculated Attributes) (*Receipt, error)

	// Compensate undoes a previously applied operation. It must be
	// idempotent: compensating an already-compensated identity is a no-op,
	// not an error.
	Compensate(ctx context.Context, identityKey string, receipt *Receipt) error
}

// ConnectorRegistry resolves a target-system name to a live connector.
// Resolution failure is a configuration error surfaced before orchestration
// begins.
type ConnectorRegistry interface {
	// Resolve returns the connector registered under name.
	Resolve(name string) (Connector, error)

	// Names returns the registered target-system names.
	Names() []string
}

// Calculator produces the per-target attribute map for an identity. The
// production implementation evaluates the published rule set; the same code
// path serves dry-run rule testing.
type Calculator interface {
	Calculate(ctx context.Context, identity Attributes, identityKind, target string) (Attributes, error)
}

// Ledger is the durable record of requests and per-target operations. Every
// state transition is persisted before the next step is taken so a process
// restart can resume from the last durable state.
type Ledger interface {
	CreateRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	UpdateRequestStatus(ctx context.Context, id string, status RequestStatus, lastError string) error
	ListRequestsByStatus(ctx context.Context, statuses ...RequestStatus) ([]*Request, error)

	CreateOperation(ctx context.Context, op *Operation) error
	UpdateOperation(ctx context.Context, op *Operation) error
	ListOperations(ctx context.Context, requestID string) ([]*Operation, error)

	UpsertSnapshot(ctx context.Context, snap *Snapshot) error
	DeleteSnapshot(ctx context.Context, identityKey, target string) error

	AppendAudit(ctx context.Context, event *AuditEvent) error
}

// Gate is the optional pre-commit approval hook consulted for gated
// requests. The workflow state machine implements it.
type Gate interface {
	// Open creates a durable workflow instance for the request and returns
	// its id. The saga suspends until the instance reaches a terminal
	// state; no connector resource is held across the suspension.
	Open(ctx context.Context, req *Request, expiresAt time.Time) (string, error)

	// Cancel closes the pending instance gating the request, if any,
	// without invoking the orchestrator callback. Called when the owning
	// request is cancelled so no orphaned instance keeps accepting
	// decisions.
	Cancel(ctx context.Context, requestID, reason string) error
}
