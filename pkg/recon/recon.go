// Package recon implements the reconciliation engine. It compares the
// last-committed snapshots against the observed state of each target system
// and records discrepancies for operator review. Reconciliation never
// mutates a target; it only observes and recommends.
package recon

import (
	"context"
	"time"
)

// Mode selects how much of a target a job covers.
type Mode string

const (
	// ModeFull compares every snapshot for the target.
	ModeFull Mode = "full"

	// ModeIncremental compares only snapshots updated since the previous
	// finished job for the target.
	ModeIncremental Mode = "incremental"
)

// JobStatus is the lifecycle state of a reconciliation job.
type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

// DiscrepancyKind classifies one detected divergence.
type DiscrepancyKind string

const (
	// MissingInTarget means an active snapshot has no account in the
	// target system.
	MissingInTarget DiscrepancyKind = "missing_in_target"

	// OrphanInTarget means the target holds an account no snapshot claims.
	OrphanInTarget DiscrepancyKind = "orphan_in_target"

	// AttributeDrift means the account exists but an observed attribute
	// differs from the committed value.
	AttributeDrift DiscrepancyKind = "attribute_drift"
)

// Recommended operator actions per discrepancy kind.
const (
	ActionRecreate    = "recreate"
	ActionDeprovision = "deprovision"
	ActionReapply     = "reapply"
)

// RecommendedAction returns the default operator action for a kind.
func RecommendedAction(kind DiscrepancyKind) string {
	switch kind {
	case MissingInTarget:
		return ActionRecreate
	case OrphanInTarget:
		return ActionDeprovision
	case AttributeDrift:
		return ActionReapply
	}
	return ""
}

// Job is one reconciliation run against one target system.
type Job struct {
	ID         string     `json:"id"`
	Target     string     `json:"target"`
	Mode       Mode       `json:"mode"`
	Status     JobStatus  `json:"status"`
	Checked    int        `json:"checked"`
	Found      int        `json:"found"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Discrepancy is one detected divergence between committed and observed
// state.
type Discrepancy struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	IdentityKey string          `json:"identity_key"`
	Target      string          `json:"target"`
	Kind        DiscrepancyKind `json:"kind"`

	// Attribute, Expected, and Observed describe attribute drift; empty
	// for the other kinds.
	Attribute string `json:"attribute,omitempty"`
	Expected  string `json:"expected,omitempty"`
	Observed  string `json:"observed,omitempty"`

	Action     string    `json:"action"`
	DetectedAt time.Time `json:"detected_at"`
}

// Store is the durable storage the reconciliation engine relies on. The
// SQLite store implements it.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	LastFinishedJob(ctx context.Context, target string) (*Job, error)

	CreateDiscrepancy(ctx context.Context, d *Discrepancy) error
	ListDiscrepancies(ctx context.Context, jobID string) ([]*Discrepancy, error)
}
