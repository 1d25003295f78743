package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/provgate/provgate/pkg/telemetry"
)

// RetryPolicy bounds connector retries. Only failures the connector
// classified as transient or throttled are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the first backoff delay.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
}

func (p RetryPolicy) backoff(attempt int, err error) time.Duration {
	base := p.BaseDelay
	if IsThrottled(err) {
		base = base * 4
	}

	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	// Jitter up to +25% to avoid lockstep retries against a recovering
	// target.
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// Options configures the saga orchestrator.
type Options struct {
	// MaxParallel bounds concurrent connector calls within one request.
	MaxParallel int

	// Apply is the retry policy for connector Apply calls.
	Apply RetryPolicy

	// Compensate is the retry policy for connector Compensate calls.
	// Compensation failures beyond this bound surface the request as
	// partially_compensated and are never retried further by the saga.
	Compensate RetryPolicy

	// ApprovalTTL is how long a gated request may wait for its approvals
	// before the workflow instance expires.
	ApprovalTTL time.Duration
}

// DefaultOptions returns the orchestrator defaults.
func DefaultOptions() Options {
	return Options{
		MaxParallel: 4,
		Apply:       RetryPolicy{MaxAttempts: 4, BaseDelay: 250 * time.Millisecond, MaxDelay: 30 * time.Second},
		Compensate:  RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		ApprovalTTL: 72 * time.Hour,
	}
}

// Saga orchestrates provisioning requests across independent target
// systems, providing all-or-nothing visibility via compensation instead of
// a distributed transaction.
type Saga struct {
	ledger   Ledger
	registry ConnectorRegistry
	calc     Calculator
	gate     Gate
	stop     *Stop
	locks    *identityLocks
	opts     Options
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// NewSaga creates a saga orchestrator. gate may be nil when approval gating
// is not configured; metrics and tracer may be nil.
func NewSaga(ledger Ledger, registry ConnectorRegistry, calc Calculator, gate Gate, stop *Stop, opts Options, logger zerolog.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Saga {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultOptions().MaxParallel
	}
	if opts.Apply.MaxAttempts <= 0 {
		opts.Apply = DefaultOptions().Apply
	}
	if opts.Compensate.MaxAttempts <= 0 {
		opts.Compensate = DefaultOptions().Compensate
	}
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = DefaultOptions().ApprovalTTL
	}
	if stop == nil {
		stop = &Stop{}
	}

	return &Saga{
		ledger:   ledger,
		registry: registry,
		calc:     calc,
		gate:     gate,
		stop:     stop,
		locks:    newIdentityLocks(),
		opts:     opts,
		logger:   logger.With().Str("component", "saga").Logger(),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Stop returns the emergency stop switch consulted before dispatch.
func (s *Saga) Stop() *Stop {
	return s.stop
}

// SetEmergencyStop flips the process-wide stop switch and records the
// change in the audit log. While engaged, new dispatches are refused;
// in-flight sagas run to their terminal state.
func (s *Saga) SetEmergencyStop(ctx context.Context, engaged bool, actor, reason string) {
	if engaged {
		s.stop.Engage(reason)
		s.audit(ctx, actor, AuditStopEngaged, "engine", SeverityHigh, "", reason)
		s.logger.Warn().Str("actor", actor).Str("reason", reason).Msg("emergency stop engaged")
		return
	}
	s.stop.Release()
	s.audit(ctx, actor, AuditStopReleased, "engine", SeverityInfo, "", reason)
	s.logger.Info().Str("actor", actor).Msg("emergency stop released")
}

// Submit validates and durably accepts a request. Gated requests are handed
// to the workflow state machine and dispatch is deferred until approval;
// ungated requests are left in accepted state for Dispatch.
func (s *Saga) Submit(ctx context.Context, req *Request) error {
	if err := s.validate(req); err != nil {
		return err
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	req.Status = RequestAccepted

	if err := s.ledger.CreateRequest(ctx, req); err != nil {
		return fmt.Errorf("failed to persist request: %w", err)
	}
	s.audit(ctx, req.RequestedBy, AuditRequestAccepted, req.ID, SeverityInfo, "", string(req.Status))
	if s.metrics != nil {
		s.metrics.RequestsSubmitted.Inc()
	}

	if !req.Gated() {
		return nil
	}

	if s.gate == nil {
		return NewValidationError("request requires approval but no workflow gate is configured", nil)
	}

	instanceID, err := s.gate.Open(ctx, req, now.Add(s.opts.ApprovalTTL))
	if err != nil {
		return fmt.Errorf("failed to open approval workflow: %w", err)
	}

	if err := s.ledger.UpdateRequestStatus(ctx, req.ID, RequestGated, ""); err != nil {
		return fmt.Errorf("failed to gate request: %w", err)
	}
	req.Status = RequestGated
	s.audit(ctx, req.RequestedBy, AuditRequestGated, req.ID, SeverityInfo, "", instanceID)
	if s.metrics != nil {
		s.metrics.GatedRequests.Inc()
	}

	s.logger.Info().
		Str("request_id", req.ID).
		Str("workflow_instance", instanceID).
		Int("levels", len(req.Approvals)).
		Msg("request gated pending approval")

	return nil
}

// Dispatch runs the saga for an accepted request to a terminal state.
// Validation and rule errors are returned synchronously; connector-phase
// failures are recorded on the operations and resolved through
// compensation, with Dispatch returning nil.
func (s *Saga) Dispatch(ctx context.Context, requestID string) (err error) {
	var req *Request
	req, err = s.ledger.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to load request: %w", err)
	}

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartDispatch(ctx, req.ID, req.IdentityKey)
		defer func() { telemetry.EndSpan(span, err) }()
	}

	switch req.Status {
	case RequestAccepted:
	case RequestGated:
		return NewValidationError("request is awaiting approval", nil).WithCode(CodeIllegalState)
	default:
		return NewValidationError(fmt.Sprintf("request is %s", req.Status), nil).WithCode(CodeIllegalState)
	}

	if s.stop.Engaged() {
		return NewValidationError(fmt.Sprintf("emergency stop engaged: %s", s.stop.Reason()), nil).
			WithCode(CodeStopEngaged)
	}

	conns, err := s.resolveConnectors(req.Targets)
	if err != nil {
		_ = s.ledger.UpdateRequestStatus(ctx, req.ID, RequestRejected, err.Error())
		s.audit(ctx, "saga", AuditRequestRejected, req.ID, SeverityWarn, string(req.Status), err.Error())
		return err
	}

	if err := s.locks.Acquire(ctx, req.IdentityKey); err != nil {
		return fmt.Errorf("failed to acquire identity lock: %w", err)
	}
	defer s.locks.Release(req.IdentityKey)

	// Rule evaluation for every target happens before the first connector
	// call so a rule failure never leaves a partial footprint.
	calculated := make(map[string]Attributes, len(req.Targets))
	for _, target := range req.Targets {
		attrs, err := s.calc.Calculate(ctx, req.Attributes, req.IdentityKind, target)
		if err != nil {
			_ = s.ledger.UpdateRequestStatus(ctx, req.ID, RequestRejected, err.Error())
			s.audit(ctx, "saga", AuditRequestRejected, req.ID, SeverityWarn, string(req.Status), err.Error())
			return err
		}
		calculated[target] = attrs
	}

	if err := s.ledger.UpdateRequestStatus(ctx, req.ID, RequestDispatching, ""); err != nil {
		return fmt.Errorf("failed to mark request dispatching: %w", err)
	}
	s.audit(ctx, "saga", AuditRequestDispatching, req.ID, SeverityInfo, string(RequestAccepted), string(RequestDispatching))
	if s.metrics != nil {
		s.metrics.InFlightRequests.Inc()
		defer s.metrics.InFlightRequests.Dec()
	}

	ops := make([]*Operation, 0, len(req.Targets))
	now := time.Now().UTC()
	for _, target := range req.Targets {
		op := &Operation{
			ID:         uuid.New().String(),
			RequestID:  req.ID,
			Target:     target,
			Calculated: calculated[target],
			Status:     OperationPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.ledger.CreateOperation(ctx, op); err != nil {
			return fmt.Errorf("failed to persist operation for %s: %w", target, err)
		}
		ops = append(ops, op)
	}

	return s.run(ctx, req, ops, conns)
}

// run executes the dispatch phase over the given pending operations and
// drives the request to a terminal state.
func (s *Saga) run(ctx context.Context, req *Request, ops []*Operation, conns map[string]Connector) error {
	applied := s.dispatchPhase(ctx, req, ops, conns)

	allApplied := true
	for _, op := range ops {
		if op.Status != OperationApplied {
			allApplied = false
			break
		}
	}

	if allApplied {
		if err := s.ledger.UpdateRequestStatus(ctx, req.ID, RequestCommitted, ""); err != nil {
			return fmt.Errorf("failed to commit request: %w", err)
		}
		s.audit(ctx, "saga", AuditRequestCommitted, req.ID, SeverityInfo, string(RequestDispatching), string(RequestCommitted))
		if s.metrics != nil {
			s.metrics.RequestsCompleted.WithLabelValues(string(RequestCommitted)).Inc()
		}
		s.logger.Info().Str("request_id", req.ID).Int("targets", len(ops)).Msg("request committed")
		return nil
	}

	return s.compensatePhase(ctx, req, applied, conns)
}

// dispatchPhase runs Apply for each pending operation through a bounded
// worker pool. A permanent failure (or exhausted retries) stops admission
// of new targets; in-flight targets are allowed to finish. It returns the
// operations that reached applied state, in application order.
func (s *Saga) dispatchPhase(ctx context.Context, req *Request, ops []*Operation, conns map[string]Connector) []*Operation {
	pending := make([]*Operation, 0, len(ops))
	applied := make([]*Operation, 0, len(ops))
	seq := 0
	for _, op := range ops {
		switch op.Status {
		case OperationPending:
			pending = append(pending, op)
		case OperationApplied:
			// Resumed requests re-enter with prior progress intact.
			applied = append(applied, op)
			if op.ApplySeq > seq {
				seq = op.ApplySeq
			}
		}
	}

	workers := s.opts.MaxParallel
	if len(pending) < workers {
		workers = len(pending)
	}

	var (
		mu      sync.Mutex
		next    int
		aborted bool
		wg      sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if aborted || next >= len(pending) {
					mu.Unlock()
					return
				}
				op := pending[next]
				next++
				mu.Unlock()

				err := s.applyOne(ctx, req, op, conns[op.Target])

				mu.Lock()
				if err != nil {
					aborted = true
				} else {
					seq++
					op.ApplySeq = seq
					applied = append(applied, op)
				}
				mu.Unlock()

				if err == nil {
					// ApplySeq is assigned post-hoc under the pool lock;
					// persist it before the next durable step.
					if uerr := s.ledger.UpdateOperation(ctx, op); uerr != nil {
						s.logger.Error().Err(uerr).Str("operation_id", op.ID).Msg("failed to persist apply order")
					}
				}
			}
		}()
	}
	wg.Wait()

	sort.Slice(applied, func(i, j int) bool { return applied[i].ApplySeq < applied[j].ApplySeq })
	return applied
}

// applyOne runs a single connector Apply with bounded retries and records
// the outcome durably.
func (s *Saga) applyOne(ctx context.Context, req *Request, op *Operation, conn Connector) error {
	log := s.logger.With().
		Str("request_id", req.ID).
		Str("operation_id", op.ID).
		Str("target", op.Target).
		Logger()

	var lastErr error
	for attempt := 0; attempt < s.opts.Apply.MaxAttempts; attempt++ {
		op.Attempts++

		callCtx := ctx
		var span trace.Span
		if s.tracer != nil {
			callCtx, span = s.tracer.StartConnectorCall(ctx, op.Target, "apply")
		}
		start := time.Now()
		receipt, err := conn.Apply(callCtx, req.IdentityKey, req.Kind, op.Calculated)
		if span != nil {
			telemetry.EndSpan(span, err)
		}
		if s.metrics != nil {
			s.metrics.ObserveConnectorCall(op.Target, "apply", err == nil, time.Since(start))
		}

		if err == nil {
			op.Status = OperationApplied
			op.Receipt = receipt
			op.LastError = ""
			op.UpdatedAt = time.Now().UTC()
			if uerr := s.ledger.UpdateOperation(ctx, op); uerr != nil {
				return fmt.Errorf("failed to record applied operation: %w", uerr)
			}
			s.recordSnapshot(ctx, req, op)
			s.audit(ctx, "saga", AuditOperationApplied, op.ID, SeverityInfo, string(OperationPending), string(OperationApplied))
			log.Info().Int("attempts", op.Attempts).Msg("operation applied")
			return nil
		}

		lastErr = err
		op.LastError = err.Error()

		if !IsRetryable(err) || attempt == s.opts.Apply.MaxAttempts-1 {
			break
		}

		delay := s.opts.Apply.backoff(attempt, err)
		log.Warn().Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("transient apply failure, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			op.LastError = lastErr.Error()
			attempt = s.opts.Apply.MaxAttempts // exit loop
		}
	}

	op.Status = OperationFailed
	op.UpdatedAt = time.Now().UTC()
	if uerr := s.ledger.UpdateOperation(ctx, op); uerr != nil {
		log.Error().Err(uerr).Msg("failed to record failed operation")
	}
	s.audit(ctx, "saga", AuditOperationFailed, op.ID, SeverityWarn, string(OperationPending), op.LastError)
	log.Error().Err(lastErr).Int("attempts", op.Attempts).Msg("operation failed")
	return lastErr
}

// compensatePhase undoes every applied operation in reverse application
// order. Compensation failures are bounded-retried; any that still fail
// leave the request partially_compensated, a terminal alarmed state.
func (s *Saga) compensatePhase(ctx context.Context, req *Request, applied []*Operation, conns map[string]Connector) error {
	if err := s.ledger.UpdateRequestStatus(ctx, req.ID, RequestCompensating, req.LastError); err != nil {
		return fmt.Errorf("failed to mark request compensating: %w", err)
	}
	s.audit(ctx, "saga", AuditRequestCompensating, req.ID, SeverityWarn, string(RequestDispatching), string(RequestCompensating))

	partial := false
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		if op.Status != OperationApplied {
			continue
		}
		if err := s.compensateOne(ctx, req, op, conns[op.Target]); err != nil {
			partial = true
		}
	}

	final := RequestCompensated
	severity := SeverityInfo
	kind := AuditRequestCompensated
	if partial {
		final = RequestPartiallyCompensated
		severity = SeverityHigh
		kind = AuditRequestPartial
	}

	if err := s.ledger.UpdateRequestStatus(ctx, req.ID, final, ""); err != nil {
		return fmt.Errorf("failed to finalize request: %w", err)
	}
	s.audit(ctx, "saga", kind, req.ID, severity, string(RequestCompensating), string(final))
	if s.metrics != nil {
		s.metrics.RequestsCompleted.WithLabelValues(string(final)).Inc()
	}

	evt := s.logger.Info()
	if partial {
		evt = s.logger.Error()
	}
	evt.Str("request_id", req.ID).Str("status", string(final)).Msg("request compensated")
	return nil
}

func (s *Saga) compensateOne(ctx context.Context, req *Request, op *Operation, conn Connector) error {
	log := s.logger.With().
		Str("request_id", req.ID).
		Str("operation_id", op.ID).
		Str("target", op.Target).
		Logger()

	var lastErr error
	for attempt := 0; attempt < s.opts.Compensate.MaxAttempts; attempt++ {
		callCtx := ctx
		var span trace.Span
		if s.tracer != nil {
			callCtx, span = s.tracer.StartConnectorCall(ctx, op.Target, "compensate")
		}
		start := time.Now()
		err := conn.Compensate(callCtx, req.IdentityKey, op.Receipt)
		if span != nil {
			telemetry.EndSpan(span, err)
		}
		if s.metrics != nil {
			s.metrics.ObserveConnectorCall(op.Target, "compensate", err == nil, time.Since(start))
		}

		if err == nil {
			op.Status = OperationCompensated
			op.LastError = ""
			op.UpdatedAt = time.Now().UTC()
			if uerr := s.ledger.UpdateOperation(ctx, op); uerr != nil {
				return fmt.Errorf("failed to record compensated operation: %w", uerr)
			}
			if derr := s.ledger.DeleteSnapshot(ctx, req.IdentityKey, op.Target); derr != nil {
				log.Warn().Err(derr).Msg("failed to drop snapshot after compensation")
			}
			s.audit(ctx, "saga", AuditOperationCompensated, op.ID, SeverityInfo, string(OperationApplied), string(OperationCompensated))
			log.Info().Msg("operation compensated")
			return nil
		}

		lastErr = err
		if !IsRetryable(err) || attempt == s.opts.Compensate.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(s.opts.Compensate.backoff(attempt, err)):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = s.opts.Compensate.MaxAttempts
		}
	}

	op.LastError = NewCompensationError("compensation failed", lastErr).WithTarget(op.Target).Error()
	op.UpdatedAt = time.Now().UTC()
	if uerr := s.ledger.UpdateOperation(ctx, op); uerr != nil {
		log.Error().Err(uerr).Msg("failed to record compensation failure")
	}
	log.Error().Err(lastErr).Msg("compensation failed")
	return lastErr
}

// recordSnapshot maintains the last-committed desired-state cache read by
// reconciliation.
func (s *Saga) recordSnapshot(ctx context.Context, req *Request, op *Operation) {
	snap := &Snapshot{
		IdentityKey: req.IdentityKey,
		Target:      op.Target,
		Attributes:  op.Calculated,
		RequestID:   req.ID,
		Active:      req.Kind != OpDelete && req.Kind != OpDisable,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.ledger.UpsertSnapshot(ctx, snap); err != nil {
		s.logger.Warn().Err(err).
			Str("identity", req.IdentityKey).
			Str("target", op.Target).
			Msg("failed to update desired-state snapshot")
	}
}

// ResumeApproved dispatches a gated request whose workflow reached
// approved. Called by the workflow state machine.
func (s *Saga) ResumeApproved(ctx context.Context, requestID string) error {
	req, err := s.ledger.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to load request: %w", err)
	}
	if req.Status != RequestGated {
		return NewValidationError(fmt.Sprintf("request is %s, not gated", req.Status), nil).WithCode(CodeIllegalState)
	}
	if err := s.ledger.UpdateRequestStatus(ctx, requestID, RequestAccepted, ""); err != nil {
		return fmt.Errorf("failed to ungate request: %w", err)
	}
	if s.metrics != nil {
		s.metrics.GatedRequests.Dec()
	}
	return s.Dispatch(ctx, requestID)
}

// MarkRejected terminates a gated request whose workflow was rejected.
// No connector is ever touched.
func (s *Saga) MarkRejected(ctx context.Context, requestID, reason string) error {
	return s.terminateGated(ctx, requestID, RequestRejected, AuditRequestRejected, reason)
}

// MarkExpired terminates a gated request whose workflow expired.
func (s *Saga) MarkExpired(ctx context.Context, requestID string) error {
	return s.terminateGated(ctx, requestID, RequestExpired, AuditRequestExpired, "approval workflow expired")
}

// Cancel terminates a request before dispatch. A request may be cancelled
// only while accepted or gated; a started saga runs to a terminal state.
func (s *Saga) Cancel(ctx context.Context, requestID, reason string) error {
	req, err := s.ledger.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to load request: %w", err)
	}
	if req.Status != RequestAccepted && req.Status != RequestGated {
		return NewValidationError(fmt.Sprintf("cannot cancel a %s request", req.Status), nil).WithCode(CodeIllegalState)
	}
	if req.Status == RequestGated && s.gate != nil {
		if err := s.gate.Cancel(ctx, requestID, reason); err != nil {
			return fmt.Errorf("failed to close approval workflow: %w", err)
		}
	}
	if err := s.ledger.UpdateRequestStatus(ctx, requestID, RequestCancelled, reason); err != nil {
		return fmt.Errorf("failed to cancel request: %w", err)
	}
	s.audit(ctx, "operator", AuditRequestCancelled, requestID, SeverityInfo, string(req.Status), reason)
	if req.Status == RequestGated && s.metrics != nil {
		s.metrics.GatedRequests.Dec()
	}
	return nil
}

func (s *Saga) terminateGated(ctx context.Context, requestID string, status RequestStatus, auditKind, reason string) error {
	req, err := s.ledger.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to load request: %w", err)
	}
	if req.Status != RequestGated {
		return NewValidationError(fmt.Sprintf("request is %s, not gated", req.Status), nil).WithCode(CodeIllegalState)
	}
	if err := s.ledger.UpdateRequestStatus(ctx, requestID, status, reason); err != nil {
		return fmt.Errorf("failed to terminate request: %w", err)
	}
	s.audit(ctx, "workflow", auditKind, requestID, SeverityInfo, string(RequestGated), reason)
	if s.metrics != nil {
		s.metrics.GatedRequests.Dec()
		s.metrics.RequestsCompleted.WithLabelValues(string(status)).Inc()
	}
	return nil
}

// Resume recovers requests interrupted mid-flight by a process restart.
// In-flight operations are re-probed before deciding whether to finish the
// dispatch phase or proceed to compensation.
func (s *Saga) Resume(ctx context.Context) error {
	stranded, err := s.ledger.ListRequestsByStatus(ctx, RequestDispatching, RequestCompensating)
	if err != nil {
		return fmt.Errorf("failed to list in-flight requests: %w", err)
	}

	for _, req := range stranded {
		if err := s.resumeOne(ctx, req); err != nil {
			s.logger.Error().Err(err).Str("request_id", req.ID).Msg("failed to resume request")
		}
	}
	return nil
}

func (s *Saga) resumeOne(ctx context.Context, req *Request) error {
	conns, err := s.resolveConnectors(req.Targets)
	if err != nil {
		return err
	}

	if err := s.locks.Acquire(ctx, req.IdentityKey); err != nil {
		return err
	}
	defer s.locks.Release(req.IdentityKey)

	ops, err := s.ledger.ListOperations(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("failed to list operations: %w", err)
	}

	// Pending operations may have reached the target before the crash.
	// Probe settles their true state before any retry decision.
	maxSeq := 0
	for _, op := range ops {
		if op.ApplySeq > maxSeq {
			maxSeq = op.ApplySeq
		}
	}
	for _, op := range ops {
		if op.Status != OperationPending {
			continue
		}
		exists, _, perr := conns[op.Target].Probe(ctx, req.IdentityKey)
		if perr != nil {
			s.logger.Warn().Err(perr).
				Str("request_id", req.ID).
				Str("target", op.Target).
				Msg("probe failed during resume, operation stays pending")
			continue
		}
		if exists && req.Kind == OpCreate {
			// The apply landed but its outcome was lost. Adopt it.
			maxSeq++
			op.Status = OperationApplied
			op.ApplySeq = maxSeq
			// Connectors dispatch compensation on the receipt kind, so
			// the synthesized receipt must carry it or a later rollback
			// of the adopted apply would be a no-op.
			op.Receipt = &Receipt{
				TargetKey: req.IdentityKey,
				Data:      map[string]string{"kind": string(req.Kind)},
				AppliedAt: time.Now().UTC(),
			}
			op.UpdatedAt = time.Now().UTC()
			if uerr := s.ledger.UpdateOperation(ctx, op); uerr != nil {
				return fmt.Errorf("failed to adopt applied operation: %w", uerr)
			}
			s.recordSnapshot(ctx, req, op)
		}
	}

	if req.Status == RequestCompensating {
		applied := make([]*Operation, 0, len(ops))
		for _, op := range ops {
			if op.Status == OperationApplied {
				applied = append(applied, op)
			}
		}
		sort.Slice(applied, func(i, j int) bool { return applied[i].ApplySeq < applied[j].ApplySeq })
		return s.compensatePhase(ctx, req, applied, conns)
	}

	s.logger.Info().Str("request_id", req.ID).Msg("resuming interrupted dispatch")
	return s.run(ctx, req, ops, conns)
}

// Status returns the request and its per-target operations.
func (s *Saga) Status(ctx context.Context, requestID string) (*Request, []*Operation, error) {
	req, err := s.ledger.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load request: %w", err)
	}
	ops, err := s.ledger.ListOperations(ctx, requestID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return req, ops, nil
}

func (s *Saga) validate(req *Request) error {
	if req.IdentityKey == "" {
		return NewValidationError("identity key is required", nil)
	}
	if !req.Kind.Valid() {
		return NewValidationError(fmt.Sprintf("unknown operation kind %q", req.Kind), nil)
	}
	if len(req.Targets) == 0 {
		return NewValidationError("at least one target system is required", nil)
	}
	seen := make(map[string]bool, len(req.Targets))
	for _, target := range req.Targets {
		if seen[target] {
			return NewValidationError(fmt.Sprintf("duplicate target %q", target), nil)
		}
		seen[target] = true
	}
	if _, err := s.resolveConnectors(req.Targets); err != nil {
		return err
	}
	for _, level := range req.Approvals {
		if len(level.Approvers) == 0 {
			return NewValidationError(fmt.Sprintf("approval level %q has no approvers", level.Name), nil)
		}
	}
	return nil
}

func (s *Saga) resolveConnectors(targets []string) (map[string]Connector, error) {
	conns := make(map[string]Connector, len(targets))
	for _, target := range targets {
		conn, err := s.registry.Resolve(target)
		if err != nil {
			return nil, NewValidationError("unknown target system", err).
				WithTarget(target).
				WithCode(CodeUnknownTarget)
		}
		conns[target] = conn
	}
	return conns, nil
}

func (s *Saga) audit(ctx context.Context, actor, kind, subjectID, severity, before, after string) {
	event := &AuditEvent{
		Actor:     actor,
		Kind:      kind,
		SubjectID: subjectID,
		Before:    before,
		After:     after,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	}
	if err := s.ledger.AppendAudit(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("failed to append audit event")
	}
}
