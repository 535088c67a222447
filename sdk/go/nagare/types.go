package nagare

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags one staged message on an execution stream.
type EventType string

const (
	EventStreamStart EventType = "stream-start"

	EventInputStart     EventType = "input-start"
	EventInputDelta     EventType = "input-delta"
	EventInputAvailable EventType = "input-available"

	EventExecutionStart    EventType = "execution-start"
	EventExecutionProgress EventType = "execution-progress"
	EventExecutionComplete EventType = "execution-complete"

	EventError EventType = "error"
	EventEnd   EventType = "end"
)

// Event is one staged message on an execution stream. The first event is
// always stream-start and the last is always end; Seq is monotonic per
// execution.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID uuid.UUID `json:"executionId"`
	ToolName    string    `json:"toolName"`
	Timestamp   time.Time `json:"timestamp"`
	Seq         int64     `json:"seq,omitempty"`
	Payload     any       `json:"payload"`
}

// StreamStartPayload is the payload of stream-start events.
type StreamStartPayload struct {
	ExecutionID uuid.UUID     `json:"executionId"`
	ToolName    string        `json:"toolName"`
	Options     StreamOptions `json:"options"`
}

// StreamOptions are the negotiated stream parameters announced at start.
type StreamOptions struct {
	ChunkBytes  int   `json:"chunkBytes"`
	KeepaliveMs int64 `json:"keepaliveMs"`
}

// InputDeltaPayload is the payload of input-delta events.
type InputDeltaPayload struct {
	PartialInput string  `json:"partialInput"`
	Progress     float64 `json:"progress"`
}

// InputAvailablePayload is the payload of input-available events.
type InputAvailablePayload struct {
	CompleteInput map[string]any   `json:"completeInput"`
	Validation    ValidationReport `json:"validation"`
}

// ValidationReport carries the outcome of input schema validation.
type ValidationReport struct {
	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings,omitempty"`
}

// ExecutionStartPayload is the payload of execution-start events.
type ExecutionStartPayload struct {
	Input map[string]any `json:"input"`
}

// ExecutionProgressPayload is the payload of execution-progress events.
type ExecutionProgressPayload struct {
	Stage                    string  `json:"stage"`
	Progress                 float64 `json:"progress"`
	Message                  string  `json:"message,omitempty"`
	EstimatedTimeRemainingMs *int64  `json:"estimatedTimeRemainingMs,omitempty"`
}

// ExecutionCompletePayload is the payload of execution-complete events.
type ExecutionCompletePayload struct {
	Result   any               `json:"result"`
	Metadata ExecutionMetadata `json:"metadata"`
}

// ErrorPayload is the payload of error events.
type ErrorPayload struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryCount int    `json:"retryCount"`
}

// EndPayload is the payload of end events.
type EndPayload struct {
	Reason string `json:"reason"`
}

// End reasons.
const (
	EndCompleted = "completed"
	EndError     = "error"
	EndCancelled = "cancelled"
)

// ExecutionMetadata summarizes a finished execution.
type ExecutionMetadata struct {
	DurationMs  int64 `json:"durationMs"`
	InputBytes  int   `json:"inputBytes"`
	OutputBytes int   `json:"outputBytes"`
	CacheHit    bool  `json:"cacheHit"`
	RetryCount  int   `json:"retryCount"`
	CostUnits   int64 `json:"costUnits"`
}

// ExecuteToolRequest is the request for ExecuteTool.
type ExecuteToolRequest struct {
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

// WorkflowStep is one declared step of a workflow.
type WorkflowStep struct {
	ID         string         `json:"id"`
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters,omitempty"`
	DependsOn  []string       `json:"dependsOn,omitempty"`
	InputFrom  string         `json:"inputFrom,omitempty"`
}

// WorkflowOptions adjust workflow failure behavior.
type WorkflowOptions struct {
	ContinueOnError bool `json:"continueOnError,omitempty"`
}

// ExecuteWorkflowRequest is the request for ExecuteWorkflow.
type ExecuteWorkflowRequest struct {
	Name      string           `json:"name"`
	Steps     []WorkflowStep   `json:"steps"`
	Parallel  bool             `json:"parallel"`
	Options   *WorkflowOptions `json:"options,omitempty"`
	UserID    string           `json:"userId,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
}

// WorkflowResponse is the outcome of a workflow run.
type WorkflowResponse struct {
	Success     bool            `json:"success"`
	ExecutionID uuid.UUID       `json:"executionId"`
	Result      *WorkflowResult `json:"result,omitempty"`
	Error       *ErrorPayload   `json:"error,omitempty"`
}

// WorkflowResult aggregates a workflow run. Partial results survive a
// mid-workflow failure.
type WorkflowResult struct {
	WorkflowID     uuid.UUID    `json:"workflowId"`
	WorkflowName   string       `json:"workflowName"`
	TotalSteps     int          `json:"totalSteps"`
	CompletedSteps int          `json:"completedSteps"`
	Results        []StepResult `json:"results"`
	Errors         []StepError  `json:"errors,omitempty"`
	ExecutedAt     time.Time    `json:"executedAt"`
}

// StepResult is the outcome of one completed workflow step.
type StepResult struct {
	StepID      string            `json:"stepId"`
	ToolName    string            `json:"toolName"`
	Output      any               `json:"output"`
	Metadata    ExecutionMetadata `json:"metadata"`
	CompletedAt time.Time         `json:"completedAt"`
}

// StepError is the failure of one workflow step.
type StepError struct {
	StepID  string `json:"stepId"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// CancelResponse is the outcome of a cancellation request. Cancelled is
// false when the execution was unknown or already terminal.
type CancelResponse struct {
	Success     bool      `json:"success"`
	Cancelled   bool      `json:"cancelled"`
	ExecutionID uuid.UUID `json:"executionId"`
}

// ToolInfo describes one catalog entry.
type ToolInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	InputSchema   any    `json:"inputSchema,omitempty"`
	TimeoutMs     int64  `json:"timeoutMs"`
	EstimatedCost int64  `json:"estimatedCost"`
}

// ExecutionRecord is the flattened terminal form of an execution.
type ExecutionRecord struct {
	ExecutionID  uuid.UUID `json:"executionId"`
	Kind         string    `json:"kind"`
	Name         string    `json:"name"`
	UserID       string    `json:"userId"`
	SessionID    string    `json:"sessionId,omitempty"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	DurationMs   int64     `json:"durationMs"`
	InputBytes   int       `json:"inputBytes"`
	OutputBytes  int       `json:"outputBytes"`
	CostUnits    int64     `json:"costUnits"`
	RetryCount   int       `json:"retryCount"`
	ErrorType    string    `json:"errorType,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CancelReason string    `json:"cancelReason,omitempty"`
}

// HealthResponse is the server's health summary.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	Ledger           string `json:"ledger"`
	Limiter          string `json:"limiter"`
	Journal          string `json:"journal,omitempty"`
	ActiveExecutions int    `json:"activeExecutions"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
}
