package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/telemetry"
)

// SnapshotSource supplies the committed snapshots for a target. The ledger
// implements it. A zero updatedSince returns every snapshot.
type SnapshotSource interface {
	ListSnapshots(ctx context.Context, target string, updatedSince time.Time) ([]*engine.Snapshot, error)
}

// Lister is the optional connector capability of enumerating every account
// in the target system. Connectors that implement it get orphan detection
// on full runs.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Auditor is the append-only audit sink.
type Auditor interface {
	AppendAudit(ctx context.Context, event *engine.AuditEvent) error
}

// Engine runs reconciliation jobs.
type Engine struct {
	store     Store
	snapshots SnapshotSource
	registry  engine.ConnectorRegistry
	auditor   Auditor
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

// NewEngine builds a reconciliation engine.
func NewEngine(store Store, snapshots SnapshotSource, registry engine.ConnectorRegistry, auditor Auditor, metrics *telemetry.Metrics, logger *telemetry.Logger) *Engine {
	return &Engine{
		store:     store,
		snapshots: snapshots,
		registry:  registry,
		auditor:   auditor,
		metrics:   metrics,
		logger:    logger.NewComponentLogger("recon").Zerolog(),
	}
}

// Run executes one reconciliation job against the target and returns the
// finished job record. Incremental runs cover only snapshots updated since
// the previous finished job; a target with no previous job falls back to a
// full comparison.
func (e *Engine) Run(ctx context.Context, target string, mode Mode) (*Job, error) {
	conn, err := e.registry.Resolve(target)
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("unknown target %s", target), err).
			WithCode(engine.CodeUnknownTarget)
	}

	job := &Job{
		ID:        uuid.New().String(),
		Target:    target,
		Mode:      mode,
		Status:    JobRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	e.audit(ctx, engine.AuditReconStarted, job.ID, engine.SeverityInfo,
		fmt.Sprintf("target=%s mode=%s", target, mode))
	e.logger.Info().Str("job_id", job.ID).Str("target", target).Str("mode", string(mode)).Msg("reconciliation started")

	var since time.Time
	if mode == ModeIncremental {
		if last, err := e.store.LastFinishedJob(ctx, target); err == nil && last != nil {
			since = last.StartedAt
		}
	}

	snaps, err := e.snapshots.ListSnapshots(ctx, target, since)
	if err != nil {
		return e.fail(ctx, job, err)
	}

	var probeErr error
	knownKeys := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, job, err)
		}
		job.Checked++
		knownKeys[snap.IdentityKey] = true

		exists, observed, err := conn.Probe(ctx, snap.IdentityKey)
		if err != nil {
			probeErr = err
			e.logger.Warn().Err(err).Str("identity", snap.IdentityKey).Msg("probe failed")
			continue
		}

		switch {
		case snap.Active && !exists:
			e.record(ctx, job, &Discrepancy{
				IdentityKey: snap.IdentityKey,
				Kind:        MissingInTarget,
			})
		case !snap.Active && exists:
			e.record(ctx, job, &Discrepancy{
				IdentityKey: snap.IdentityKey,
				Kind:        OrphanInTarget,
			})
		case exists:
			e.compareAttributes(ctx, job, snap, observed)
		}
	}

	// Orphan detection needs the full account population on both sides.
	if mode == ModeFull {
		if lister, ok := conn.(Lister); ok {
			if err := e.findOrphans(ctx, job, lister, knownKeys); err != nil && probeErr == nil {
				probeErr = err
			}
		}
	}

	now := time.Now().UTC()
	job.Status = JobFinished
	job.FinishedAt = &now
	if probeErr != nil {
		job.LastError = probeErr.Error()
	}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	e.audit(ctx, engine.AuditReconFinished, job.ID, engine.SeverityInfo,
		fmt.Sprintf("checked=%d found=%d", job.Checked, job.Found))
	e.logger.Info().
		Str("job_id", job.ID).
		Int("checked", job.Checked).
		Int("found", job.Found).
		Msg("reconciliation finished")
	return job, nil
}

// RunAll reconciles every registered target in sequence. The first job
// creation failure aborts the sweep; per-identity failures do not.
func (e *Engine) RunAll(ctx context.Context, mode Mode) ([]*Job, error) {
	var jobs []*Job
	for _, target := range e.registry.Names() {
		job, err := e.Run(ctx, target, mode)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Discrepancies returns the discrepancies recorded by a job.
func (e *Engine) Discrepancies(ctx context.Context, jobID string) ([]*Discrepancy, error) {
	return e.store.ListDiscrepancies(ctx, jobID)
}

func (e *Engine) compareAttributes(ctx context.Context, job *Job, snap *engine.Snapshot, observed engine.Attributes) {
	for attr, expected := range snap.Attributes {
		got, ok := observed[attr]
		if ok && got == expected {
			continue
		}
		e.record(ctx, job, &Discrepancy{
			IdentityKey: snap.IdentityKey,
			Kind:        AttributeDrift,
			Attribute:   attr,
			Expected:    expected,
			Observed:    got,
		})
	}
}

func (e *Engine) findOrphans(ctx context.Context, job *Job, lister Lister, knownKeys map[string]bool) error {
	keys, err := lister.List(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if knownKeys[key] {
			continue
		}
		e.record(ctx, job, &Discrepancy{
			IdentityKey: key,
			Kind:        OrphanInTarget,
		})
	}
	return nil
}

func (e *Engine) record(ctx context.Context, job *Job, d *Discrepancy) {
	d.ID = uuid.New().String()
	d.JobID = job.ID
	d.Target = job.Target
	d.Action = RecommendedAction(d.Kind)
	d.DetectedAt = time.Now().UTC()

	if err := e.store.CreateDiscrepancy(ctx, d); err != nil {
		e.logger.Error().Err(err).Str("identity", d.IdentityKey).Msg("recording discrepancy failed")
		return
	}
	job.Found++

	if e.metrics != nil {
		e.metrics.DiscrepanciesFound.WithLabelValues(string(d.Kind)).Inc()
	}
	e.audit(ctx, engine.AuditDiscrepancyFound, d.IdentityKey, engine.SeverityWarn,
		fmt.Sprintf("target=%s kind=%s action=%s", d.Target, d.Kind, d.Action))
	e.logger.Warn().
		Str("identity", d.IdentityKey).
		Str("target", d.Target).
		Str("kind", string(d.Kind)).
		Msg("discrepancy found")
}

func (e *Engine) fail(ctx context.Context, job *Job, cause error) (*Job, error) {
	now := time.Now().UTC()
	job.Status = JobFailed
	job.LastError = cause.Error()
	job.FinishedAt = &now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("recording job failure failed")
	}
	return job, cause
}

func (e *Engine) audit(ctx context.Context, kind, subjectID, severity, detail string) {
	if e.auditor == nil {
		return
	}
	event := &engine.AuditEvent{
		Actor:     "system",
		Kind:      kind,
		SubjectID: subjectID,
		After:     detail,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	}
	if err := e.auditor.AppendAudit(ctx, event); err != nil {
		e.logger.Error().Err(err).Str("kind", kind).Msg("audit append failed")
	}
}
