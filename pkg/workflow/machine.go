package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/telemetry"
)

// Auditor is the append-only audit sink. The ledger implements it.
type Auditor interface {
	AppendAudit(ctx context.Context, event *engine.AuditEvent) error
}

// Service is the approval state machine. It implements engine.Gate and
// calls back into the orchestrator when an instance reaches a terminal
// state.
type Service struct {
	store   Store
	orch    Orchestrator
	auditor Auditor
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewService builds the workflow service.
func NewService(store Store, orch Orchestrator, auditor Auditor, metrics *telemetry.Metrics, logger *telemetry.Logger) *Service {
	return &Service{
		store:   store,
		orch:    orch,
		auditor: auditor,
		metrics: metrics,
		logger:  logger.NewComponentLogger("workflow").Zerolog(),
	}
}

// BindOrchestrator attaches the saga callback target. The gate and the
// orchestrator reference each other, so one side is bound after both are
// constructed.
func (s *Service) BindOrchestrator(orch Orchestrator) {
	s.orch = orch
}

// Open implements engine.Gate. It creates a durable pending instance for
// the gated request.
func (s *Service) Open(ctx context.Context, req *engine.Request, expiresAt time.Time) (string, error) {
	inst := &Instance{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		Levels:    req.Approvals,
		Status:    InstancePending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		return "", fmt.Errorf("creating workflow instance: %w", err)
	}

	s.logger.Info().
		Str("instance_id", inst.ID).
		Str("request_id", req.ID).
		Int("levels", len(inst.Levels)).
		Time("expires_at", expiresAt).
		Msg("approval workflow opened")
	return inst.ID, nil
}

// Decide records one approver's verdict on the instance's current level and
// advances the state machine. Decisions on completed or future levels are
// rejected; a decision by an approver not named at the current level is
// rejected; a second decision by the same approver at the same level is
// rejected.
func (s *Service) Decide(ctx context.Context, instanceID, approver string, approved bool, comment string) (*Instance, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, engine.NewValidationError(
			fmt.Sprintf("workflow %s is already %s", instanceID, inst.Status), nil).
			WithCode(engine.CodeIllegalState)
	}

	now := time.Now().UTC()
	if now.After(inst.ExpiresAt) {
		if err := s.expire(ctx, inst, now); err != nil {
			return nil, err
		}
		return inst, engine.NewExpiredError(fmt.Sprintf("workflow %s expired before the decision", instanceID))
	}

	level := inst.Levels[inst.CurrentLevel]
	if !contains(level.Approvers, approver) {
		return nil, engine.NewValidationError(
			fmt.Sprintf("%s is not an approver at level %q", approver, level.Name), nil)
	}

	decisions, err := s.store.ListDecisions(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, d := range decisions {
		if d.Level == inst.CurrentLevel && d.Approver == approver {
			return nil, engine.NewValidationError(
				fmt.Sprintf("%s already decided at level %q", approver, level.Name), nil)
		}
	}

	dec := &Decision{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Level:      inst.CurrentLevel,
		Approver:   approver,
		Approved:   approved,
		Comment:    comment,
		DecidedAt:  now,
	}
	if err := s.store.CreateDecision(ctx, dec); err != nil {
		return nil, err
	}
	s.audit(ctx, approver, engine.AuditWorkflowDecision, inst.RequestID, engine.SeverityInfo, decisionSummary(dec, level.Name))
	if s.metrics != nil {
		s.metrics.WorkflowDecisions.WithLabelValues(decisionLabel(approved)).Inc()
	}

	if !approved {
		return inst, s.reject(ctx, inst, approver, comment, now)
	}

	done, err := s.levelComplete(level, append(decisions, dec), inst.CurrentLevel)
	if err != nil {
		return nil, err
	}
	if !done {
		return inst, nil
	}

	inst.CurrentLevel++
	if inst.CurrentLevel < len(inst.Levels) {
		if err := s.store.UpdateInstance(ctx, inst); err != nil {
			return nil, err
		}
		s.logger.Info().
			Str("instance_id", inst.ID).
			Int("level", inst.CurrentLevel).
			Msg("approval level completed")
		return inst, nil
	}

	inst.Status = InstanceApproved
	inst.DecidedAt = &now
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	s.audit(ctx, approver, engine.AuditWorkflowApproved, inst.RequestID, engine.SeverityInfo, "")
	s.logger.Info().Str("instance_id", inst.ID).Str("request_id", inst.RequestID).Msg("workflow approved")

	return inst, s.orch.ResumeApproved(ctx, inst.RequestID)
}

// Get returns the instance with its recorded decisions.
func (s *Service) Get(ctx context.Context, instanceID string) (*Instance, []*Decision, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	decisions, err := s.store.ListDecisions(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	return inst, decisions, nil
}

// Cancel implements the gate side of request cancellation. It closes the
// pending instance gating the request so no later decision can land on it.
// The orchestrator callback is skipped: the owning request is already
// cancelled and there is nothing to resume or reject.
func (s *Service) Cancel(ctx context.Context, requestID, reason string) error {
	inst, err := s.store.GetInstanceByRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("loading instance for cancelled request: %w", err)
	}
	if inst.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	inst.Status = InstanceCancelled
	inst.Reason = reason
	inst.DecidedAt = &now
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	s.audit(ctx, "system", engine.AuditWorkflowCancelled, inst.RequestID, engine.SeverityInfo, reason)
	s.logger.Info().
		Str("instance_id", inst.ID).
		Str("request_id", inst.RequestID).
		Msg("workflow cancelled with its request")
	return nil
}

// GetByRequest returns the instance gating the given request.
func (s *Service) GetByRequest(ctx context.Context, requestID string) (*Instance, error) {
	return s.store.GetInstanceByRequest(ctx, requestID)
}

// levelComplete reports whether the level has enough approvals. An any-of
// level completes on the first approval; otherwise every named approver must
// have approved.
func (s *Service) levelComplete(level engine.ApprovalLevel, decisions []*Decision, levelIdx int) (bool, error) {
	approvedBy := make(map[string]bool)
	for _, d := range decisions {
		if d.Level == levelIdx && d.Approved {
			approvedBy[d.Approver] = true
		}
	}
	if level.AnyOf {
		return len(approvedBy) > 0, nil
	}
	for _, a := range level.Approvers {
		if !approvedBy[a] {
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) reject(ctx context.Context, inst *Instance, approver, comment string, now time.Time) error {
	inst.Status = InstanceRejected
	inst.Reason = comment
	inst.DecidedAt = &now
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	s.audit(ctx, approver, engine.AuditWorkflowRejected, inst.RequestID, engine.SeverityWarn, comment)
	s.logger.Info().
		Str("instance_id", inst.ID).
		Str("request_id", inst.RequestID).
		Str("approver", approver).
		Msg("workflow rejected")

	reason := fmt.Sprintf("rejected by %s", approver)
	if comment != "" {
		reason = fmt.Sprintf("%s: %s", reason, comment)
	}
	return s.orch.MarkRejected(ctx, inst.RequestID, reason)
}

func (s *Service) expire(ctx context.Context, inst *Instance, now time.Time) error {
	inst.Status = InstanceExpired
	inst.DecidedAt = &now
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	s.audit(ctx, "system", engine.AuditWorkflowExpired, inst.RequestID, engine.SeverityWarn, "")
	s.logger.Warn().
		Str("instance_id", inst.ID).
		Str("request_id", inst.RequestID).
		Msg("workflow expired")
	return s.orch.MarkExpired(ctx, inst.RequestID)
}

func (s *Service) audit(ctx context.Context, actor, kind, subjectID, severity, detail string) {
	if s.auditor == nil {
		return
	}
	event := &engine.AuditEvent{
		Actor:     actor,
		Kind:      kind,
		SubjectID: subjectID,
		After:     detail,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	}
	if err := s.auditor.AppendAudit(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("audit append failed")
	}
}

func decisionSummary(d *Decision, levelName string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"level":    levelName,
		"approved": d.Approved,
		"comment":  d.Comment,
	})
	return string(b)
}

func decisionLabel(approved bool) string {
	if approved {
		return "approved"
	}
	return "rejected"
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
