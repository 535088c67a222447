package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for request fields. These prevent a single oversized
// field from filling journal columns or audit records with caller-controlled
// garbage; input size itself is bounded by the HTTP body cap.
const (
	MaxToolNameLen  = 200
	MaxUserIDLen    = 200
	MaxSessionIDLen = 200
	MaxStepIDLen    = 100
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"hasMore"`
	Limit   int          `json:"limit"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeQuotaExceeded = "QUOTA_EXCEEDED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ToolStreamRequest is the request body for POST /tool-stream.
// UserID is honored only when auth is disabled; with auth enabled the
// verified identity wins.
type ToolStreamRequest struct {
	ToolName  string          `json:"toolName"`
	Input     map[string]any  `json:"input"`
	Options   *RequestOptions `json:"options,omitempty"`
	Context   map[string]any  `json:"context,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// RequestOptions are per-request execution knobs. TimeoutMs may only lower
// the tool's configured deadline, never raise it.
type RequestOptions struct {
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// Validate checks structural limits on a tool stream request.
func (r ToolStreamRequest) Validate() error {
	if r.ToolName == "" {
		return fmt.Errorf("toolName is required")
	}
	if len(r.ToolName) > MaxToolNameLen {
		return fmt.Errorf("toolName exceeds maximum length of %d characters", MaxToolNameLen)
	}
	if len(r.UserID) > MaxUserIDLen {
		return fmt.Errorf("userId exceeds maximum length of %d characters", MaxUserIDLen)
	}
	if len(r.SessionID) > MaxSessionIDLen {
		return fmt.Errorf("sessionId exceeds maximum length of %d characters", MaxSessionIDLen)
	}
	if r.Options != nil && r.Options.TimeoutMs < 0 {
		return fmt.Errorf("options.timeoutMs must not be negative")
	}
	return nil
}

// WorkflowRequest is the request body for POST /workflow.
type WorkflowRequest struct {
	Name      string           `json:"name"`
	Steps     []WorkflowStep   `json:"steps"`
	Parallel  bool             `json:"parallel"`
	Options   *WorkflowOptions `json:"options,omitempty"`
	UserID    string           `json:"userId,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
}

// Validate checks structural limits on a workflow request. Graph validation
// (dependency existence, acyclicity, step bound) happens in the orchestrator.
func (r WorkflowRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Name) > MaxToolNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxToolNameLen)
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("steps must not be empty")
	}
	if len(r.UserID) > MaxUserIDLen {
		return fmt.Errorf("userId exceeds maximum length of %d characters", MaxUserIDLen)
	}
	for i, s := range r.Steps {
		if s.ID == "" {
			return fmt.Errorf("steps[%d].id is required", i)
		}
		if len(s.ID) > MaxStepIDLen {
			return fmt.Errorf("steps[%d].id exceeds maximum length of %d characters", i, MaxStepIDLen)
		}
		if s.ToolName == "" {
			return fmt.Errorf("steps[%d].toolName is required", i)
		}
		if len(s.ToolName) > MaxToolNameLen {
			return fmt.Errorf("steps[%d].toolName exceeds maximum length of %d characters", i, MaxToolNameLen)
		}
	}
	return nil
}

// WorkflowResponse is the response body for POST /workflow.
type WorkflowResponse struct {
	Success     bool            `json:"success"`
	ExecutionID uuid.UUID       `json:"executionId"`
	Result      *WorkflowResult `json:"result,omitempty"`
	Error       *ErrorPayload   `json:"error,omitempty"`
}

// CancelResponse is the response body for DELETE /tool-stream and
// DELETE /workflow. Cancelled is false when the execution was unknown or
// already terminal.
type CancelResponse struct {
	Success     bool      `json:"success"`
	Cancelled   bool      `json:"cancelled"`
	ExecutionID uuid.UUID `json:"executionId"`
}

// ToolInfo describes one catalog entry for GET /tools.
type ToolInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	InputSchema   any    `json:"inputSchema,omitempty"`
	TimeoutMs     int64  `json:"timeoutMs"`
	EstimatedCost int64  `json:"estimatedCost"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	Ledger           string `json:"ledger"`
	Limiter          string `json:"limiter"`
	Journal          string `json:"journal,omitempty"`
	ActiveExecutions int    `json:"activeExecutions"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
}
