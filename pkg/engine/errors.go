// Package engine provides the core types and the saga orchestrator for the
// provgate identity-provisioning core. It drives a provisioning request
// through rule evaluation, concurrent connector dispatch, and reverse-order
// compensation on partial failure.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery decisions.
type ErrorClass string

const (
	// ClassValidation indicates a malformed or unresolvable request.
	// Rejected before any side effect.
	ClassValidation ErrorClass = "validation"

	// ClassRule indicates a rule-evaluation failure. Rejected before any
	// connector is touched.
	ClassRule ErrorClass = "rule"

	// ClassTransient indicates a temporary connector failure that may
	// succeed on retry. Examples: network timeouts, brief unavailability.
	ClassTransient ErrorClass = "transient"

	// ClassThrottled indicates rate limiting by a target system.
	// Retried with a longer backoff than plain transient failures.
	ClassThrottled ErrorClass = "throttled"

	// ClassPermanent indicates a non-recoverable connector failure.
	// Examples: validation rejected by the target, duplicate key, auth
	// failure. Triggers compensation, never retried.
	ClassPermanent ErrorClass = "permanent"

	// ClassCompensation indicates a failed compensation attempt. Surfaced
	// as a partially_compensated request, never auto-retried further.
	ClassCompensation ErrorClass = "compensation"

	// ClassExpired indicates an approval workflow that timed out. Terminal,
	// no compensation needed since no connector was touched.
	ClassExpired ErrorClass = "expired"
)

// Error is a classified error with provisioning context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Target is the target-system name that produced the error, if any.
	Target string `json:"target,omitempty"`

	// RuleID is the rule that failed to evaluate, for rule errors.
	RuleID string `json:"rule_id,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Target != "":
		return fmt.Sprintf("[%s] %s (target=%s): %s", e.Class, e.Message, e.Target, e.unwrapMessage())
	case e.RuleID != "":
		return fmt.Sprintf("[%s] %s (rule=%s): %s", e.Class, e.Message, e.RuleID, e.unwrapMessage())
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ClassValidation, Message: message, Err: err}
}

// NewRuleError creates a rule-evaluation error for the given rule.
func NewRuleError(ruleID, message string, err error) *Error {
	return &Error{Class: ClassRule, Message: message, RuleID: ruleID, Err: err}
}

// NewTransientError creates a transient connector error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a throttled connector error.
func NewThrottledError(message string, err error) *Error {
	return &Error{Class: ClassThrottled, Message: message, Err: err}
}

// NewPermanentError creates a permanent connector error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ClassPermanent, Message: message, Err: err}
}

// NewCompensationError creates a compensation error.
func NewCompensationError(message string, err error) *Error {
	return &Error{Class: ClassCompensation, Message: message, Err: err}
}

// NewExpiredError creates a workflow-expiry error.
func NewExpiredError(message string) *Error {
	return &Error{Class: ClassExpired, Message: message}
}

// WithTarget adds target-system context to an error.
func (e *Error) WithTarget(target string) *Error {
	e.Target = target
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// Classify returns the class of err, or ClassPermanent when the chain
// carries no *Error. Unclassified connector failures are treated as
// permanent so they are never retried blindly against an unknown target
// state.
func Classify(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassPermanent
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsThrottled reports whether err is classified throttled.
func IsThrottled(err error) bool {
	return Classify(err) == ClassThrottled
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

// IsValidation reports whether err is classified as a validation error.
func IsValidation(err error) bool {
	return Classify(err) == ClassValidation
}

// IsRuleError reports whether err is a rule-evaluation error.
func IsRuleError(err error) bool {
	return Classify(err) == ClassRule
}

// IsRetryable reports whether the connector call may be retried.
// Only transient and throttled failures qualify.
func IsRetryable(err error) bool {
	c := Classify(err)
	return c == ClassTransient || c == ClassThrottled
}

// Common error codes.
const (
	CodeUnknownTarget = "UNKNOWN_TARGET"
	CodeMissingVar    = "MISSING_VARIABLE"
	CodeDuplicateKey  = "DUPLICATE_KEY"
	CodeAuthFailed    = "AUTH_FAILED"
	CodeTimeout       = "TIMEOUT"
	CodeRateLimited   = "RATE_LIMITED"
	CodeStopEngaged   = "STOP_ENGAGED"
	CodeIllegalState  = "ILLEGAL_STATE"
	CodeNotFound      = "NOT_FOUND"
	CodeUnsupportedOp = "UNSUPPORTED_OPERATION"
)
