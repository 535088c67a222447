package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionState is the state of an execution session. Transitions are
// strictly ordered: idle → input-parsing → input-available → executing →
// (progress)* → complete | error. Cancelled is reachable from any
// non-terminal state.
type ExecutionState string

const (
	StateIdle           ExecutionState = "idle"
	StateInputParsing   ExecutionState = "input-parsing"
	StateInputAvailable ExecutionState = "input-available"
	StateExecuting      ExecutionState = "executing"
	StateProgress       ExecutionState = "progress"
	StateComplete       ExecutionState = "complete"
	StateError          ExecutionState = "error"
	StateCancelled      ExecutionState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateComplete, StateError, StateCancelled:
		return true
	default:
		return false
	}
}

// ErrorType classifies execution failures.
type ErrorType string

const (
	ErrTypeInputValidation ErrorType = "input-validation"
	ErrTypeExecution       ErrorType = "execution-error"
	ErrTypeTimeout         ErrorType = "timeout"
	ErrTypeNetwork         ErrorType = "network-error"
	ErrTypeRateLimited     ErrorType = "rate-limited"
	ErrTypeQuotaExceeded   ErrorType = "quota-exceeded"
	ErrTypeCancellation    ErrorType = "cancellation"
)

// Retryable reports the default retry policy for the error type. An
// ExecutionError may override it (a tool signalling permanent failure).
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrTypeExecution, ErrTypeTimeout, ErrTypeNetwork:
		return true
	default:
		return false
	}
}

// ExecutionError is a classified execution failure. It carries the fields
// the stream and HTTP surfaces report.
type ExecutionError struct {
	Type      ErrorType
	Message   string
	Retryable bool
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return string(e.Type)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError builds an ExecutionError with the type's default
// retryability.
func NewExecutionError(t ErrorType, msg string, err error) *ExecutionError {
	return &ExecutionError{Type: t, Message: msg, Retryable: t.Retryable(), Err: err}
}

// ExecutionMetadata summarizes a finished execution attempt.
type ExecutionMetadata struct {
	DurationMs  int64 `json:"durationMs"`
	InputBytes  int   `json:"inputBytes"`
	OutputBytes int   `json:"outputBytes"`
	CacheHit    bool  `json:"cacheHit"`
	RetryCount  int   `json:"retryCount"`
	CostUnits   int64 `json:"costUnits"`
}

// ExecutionKind distinguishes single-tool executions from workflows.
type ExecutionKind string

const (
	KindTool     ExecutionKind = "tool"
	KindWorkflow ExecutionKind = "workflow"
)

// ExecutionRecord is the flattened terminal form of an execution session,
// as persisted by the journal and returned by GET /executions.
type ExecutionRecord struct {
	ExecutionID  uuid.UUID      `json:"executionId"`
	Kind         ExecutionKind  `json:"kind"`
	Name         string         `json:"name"`
	UserID       string         `json:"userId"`
	SessionID    string         `json:"sessionId,omitempty"`
	State        ExecutionState `json:"state"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   time.Time      `json:"finishedAt"`
	DurationMs   int64          `json:"durationMs"`
	InputBytes   int            `json:"inputBytes"`
	OutputBytes  int            `json:"outputBytes"`
	CostUnits    int64          `json:"costUnits"`
	RetryCount   int            `json:"retryCount"`
	ErrorType    string         `json:"errorType,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	CancelReason string         `json:"cancelReason,omitempty"`
}
