package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType tags one staged message emitted over an execution stream.
type EventType string

const (
	// EventStreamStart is always the first message on a stream and carries
	// session metadata so the client can correlate subsequent events.
	EventStreamStart EventType = "stream-start"

	// Input phase events.
	EventInputStart     EventType = "input-start"
	EventInputDelta     EventType = "input-delta"
	EventInputAvailable EventType = "input-available"

	// Execution phase events.
	EventExecutionStart    EventType = "execution-start"
	EventExecutionProgress EventType = "execution-progress"
	EventExecutionComplete EventType = "execution-complete"

	// Terminal events.
	EventError EventType = "error"

	// EventEnd is always the last message on a stream, regardless of outcome.
	EventEnd EventType = "end"
)

// Event is one staged message produced by an execution state machine.
// Events are strictly ordered per execution; Seq is assigned by the stream
// encoder, monotonic per execution, and zero until framed.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID uuid.UUID `json:"executionId"`
	ToolName    string    `json:"toolName"`
	Timestamp   time.Time `json:"timestamp"`
	Seq         int64     `json:"seq,omitempty"`
	Payload     any       `json:"payload"`
}

// StreamStartPayload is the payload for stream-start events.
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

// InputStartPayload is the payload for input-start events.
type InputStartPayload struct {
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// InputDeltaPayload is the payload for input-delta events, emitted while a
// large input is parsed incrementally.
type InputDeltaPayload struct {
	PartialInput string  `json:"partialInput"`
	Progress     float64 `json:"progress"`
}

// InputAvailablePayload is the payload for input-available events.
type InputAvailablePayload struct {
	CompleteInput map[string]any   `json:"completeInput"`
	Validation    ValidationReport `json:"validation"`
}

// ValidationReport carries the outcome of schema validation. Warnings are
// advisory and never block execution.
type ValidationReport struct {
	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings,omitempty"`
}

// ExecutionStartPayload is the payload for execution-start events.
type ExecutionStartPayload struct {
	Input map[string]any `json:"input"`
}

// ExecutionProgressPayload is the payload for execution-progress events.
// Progress is a percentage in [0, 100], non-decreasing within an attempt.
type ExecutionProgressPayload struct {
	Stage                    string  `json:"stage"`
	Progress                 float64 `json:"progress"`
	Message                  string  `json:"message,omitempty"`
	EstimatedTimeRemainingMs *int64  `json:"estimatedTimeRemainingMs,omitempty"`
}

// ExecutionCompletePayload is the payload for execution-complete events.
type ExecutionCompletePayload struct {
	Result   any               `json:"result"`
	Metadata ExecutionMetadata `json:"metadata"`
}

// ErrorPayload is the payload for error events. Cancellation surfaces here
// with Type ErrTypeCancellation; it is terminal but not a failure.
type ErrorPayload struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	RetryCount int       `json:"retryCount"`
}

// EndReason explains why a stream ended.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndError     EndReason = "error"
	EndCancelled EndReason = "cancelled"
)

// EndPayload is the payload for end events.
type EndPayload struct {
	Reason EndReason `json:"reason"`
}
