// Package engine implements the drift detection and incident
// reconciliation engine: scan orchestration, the incident lifecycle
// state machine, approval gating, reconciliation tracking, and the
// TTL/retention maintenance passes.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an engine error.
type ErrorClass string

const (
	// ErrorClassCollaborator indicates an external workflow source was
	// unreachable or timed out. Isolated to one environment; never
	// fails the tenant-wide run.
	ErrorClassCollaborator ErrorClass = "collaborator"

	// ErrorClassGuard indicates an unmet transition precondition. The
	// incident state is left unchanged.
	ErrorClassGuard ErrorClass = "guard"

	// ErrorClassConflict indicates an optimistic-concurrency failure on
	// a transition or purge. The caller must re-read and retry.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPolicy indicates a policy misconfiguration that was
	// recovered locally (e.g. TTL fallback).
	ErrorClassPolicy ErrorClass = "policy"

	// ErrorClassRetention indicates a purge candidate would violate a
	// retention safety rule; the row is skipped, the batch continues.
	ErrorClassRetention ErrorClass = "retention"

	// ErrorClassPermanent indicates a non-recoverable error such as
	// invalid input or a missing record.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message. For guard failures
	// this is the structured reason returned to the caller.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Incident is the incident ID involved, if applicable.
	Incident string `json:"incident,omitempty"`

	// Environment is the environment ID involved, if applicable.
	Environment string `json:"environment,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	switch {
	case e.Incident != "" && e.Environment != "":
		return fmt.Sprintf("[%s] %s (incident=%s, environment=%s)%s",
			e.Class, e.Message, e.Incident, e.Environment, e.unwrapSuffix())
	case e.Incident != "":
		return fmt.Sprintf("[%s] %s (incident=%s)%s", e.Class, e.Message, e.Incident, e.unwrapSuffix())
	case e.Environment != "":
		return fmt.Sprintf("[%s] %s (environment=%s)%s", e.Class, e.Message, e.Environment, e.unwrapSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// NewCollaboratorError creates a new collaborator-unavailable error.
func NewCollaboratorError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCollaborator,
		Message: message,
		Err:     err,
	}
}

// NewGuardError creates a new guard-violation error carrying the
// structured reason for the rejected transition.
func NewGuardError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassGuard,
		Message: message,
	}
}

// NewConflictError creates a new concurrent-modification error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPolicyError creates a new policy-misconfiguration error.
func NewPolicyError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPolicy,
		Message: message,
		Err:     err,
	}
}

// NewRetentionError creates a new retention-safety-violation error.
func NewRetentionError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassRetention,
		Message: message,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithIncident adds incident context to an error.
func (e *EngineError) WithIncident(incidentID string) *EngineError {
	e.Incident = incidentID
	return e
}

// WithEnvironment adds environment context to an error.
func (e *EngineError) WithEnvironment(environmentID string) *EngineError {
	e.Environment = environmentID
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsCollaboratorUnavailable returns true if the error is classified as a
// collaborator failure.
func IsCollaboratorUnavailable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassCollaborator
	}
	return false
}

// IsGuardViolation returns true if the error is classified as a guard
// violation.
func IsGuardViolation(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassGuard
	}
	return false
}

// IsConflict returns true if the error is classified as a concurrent
// modification.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsRetentionSafetyViolation returns true if the error is classified as
// a retention safety violation.
func IsRetentionSafetyViolation(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRetention
	}
	return false
}

// IsRetryable returns true if the caller can retry after re-reading
// state. Only conflicts are retryable; guard violations need a changed
// precondition first.
func IsRetryable(err error) bool {
	return IsConflict(err)
}

// Common error codes.
const (
	ErrCodeApprovalPending         = "APPROVAL_PENDING"
	ErrCodeApprovalRequired        = "APPROVAL_REQUIRED"
	ErrCodeOwnerRequired           = "OWNER_REQUIRED"
	ErrCodeNoSuccessfulRemediation = "NO_SUCCESSFUL_RECONCILIATION"
	ErrCodeSeverityEscalated       = "SEVERITY_ESCALATED"
	ErrCodeInvalidTransition       = "INVALID_TRANSITION"
	ErrCodeScanInProgress          = "SCAN_IN_PROGRESS"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeAlreadyExists           = "ALREADY_EXISTS"
	ErrCodeNotDeletable            = "NOT_DELETABLE"
	ErrCodeFetchFailed             = "FETCH_FAILED"
)
