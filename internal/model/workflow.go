package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStep is one declared step of a workflow. DependsOn and InputFrom
// may only reference step ids present in the same workflow.
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

// StepResult is the outcome of one completed workflow step. Results are
// ordered by execution completion, not submission order.
type StepResult struct {
	StepID      string            `json:"stepId"`
	ToolName    string            `json:"toolName"`
	Output      any               `json:"output"`
	Metadata    ExecutionMetadata `json:"metadata"`
	CompletedAt time.Time         `json:"completedAt"`
}

// StepError is the failure of one workflow step.
type StepError struct {
	StepID  string    `json:"stepId"`
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

// WorkflowResult aggregates a workflow run. CompletedSteps counts steps that
// reached execution-complete; partial results survive a mid-workflow failure.
type WorkflowResult struct {
	WorkflowID     uuid.UUID    `json:"workflowId"`
	WorkflowName   string       `json:"workflowName"`
	TotalSteps     int          `json:"totalSteps"`
	CompletedSteps int          `json:"completedSteps"`
	Results        []StepResult `json:"results"`
	Errors         []StepError  `json:"errors,omitempty"`
	ExecutedAt     time.Time    `json:"executedAt"`
}
