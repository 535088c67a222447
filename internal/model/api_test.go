package model_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/model"
)

// ---- ToolStreamRequest.Validate ------------------------------------------

func TestToolStreamRequestValidate_HappyPath(t *testing.T) {
	req := model.ToolStreamRequest{
		ToolName:  "echo",
		Input:     map[string]any{"message": "hi"},
		UserID:    "user-1",
		SessionID: "sess-1",
	}
	assert.NoError(t, req.Validate())
}

func TestToolStreamRequestValidate_ToolNameRequired(t *testing.T) {
	req := model.ToolStreamRequest{Input: map[string]any{}}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toolName")
}

func TestToolStreamRequestValidate_ToolNameAtExactMax(t *testing.T) {
	req := model.ToolStreamRequest{ToolName: strings.Repeat("x", model.MaxToolNameLen)}
	assert.NoError(t, req.Validate(), "at the limit should pass")
}

func TestToolStreamRequestValidate_ToolNameOverMax(t *testing.T) {
	req := model.ToolStreamRequest{ToolName: strings.Repeat("x", model.MaxToolNameLen+1)}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toolName")
}

func TestToolStreamRequestValidate_UserIDOverMax(t *testing.T) {
	req := model.ToolStreamRequest{
		ToolName: "echo",
		UserID:   strings.Repeat("u", model.MaxUserIDLen+1),
	}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "userId")
}

func TestToolStreamRequestValidate_NegativeTimeoutRejected(t *testing.T) {
	req := model.ToolStreamRequest{
		ToolName: "echo",
		Options:  &model.RequestOptions{TimeoutMs: -1},
	}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeoutMs")
}

// ---- WorkflowRequest.Validate --------------------------------------------

func TestWorkflowRequestValidate_HappyPath(t *testing.T) {
	req := model.WorkflowRequest{
		Name: "doc-pipeline",
		Steps: []model.WorkflowStep{
			{ID: "create", ToolName: "create-doc"},
			{ID: "summarize", ToolName: "summarize", DependsOn: []string{"create"}},
		},
	}
	assert.NoError(t, req.Validate())
}

func TestWorkflowRequestValidate_NameRequired(t *testing.T) {
	req := model.WorkflowRequest{
		Steps: []model.WorkflowStep{{ID: "a", ToolName: "echo"}},
	}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestWorkflowRequestValidate_EmptyStepsRejected(t *testing.T) {
	req := model.WorkflowRequest{Name: "empty"}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps")
}

func TestWorkflowRequestValidate_StepIDRequired(t *testing.T) {
	req := model.WorkflowRequest{
		Name:  "wf",
		Steps: []model.WorkflowStep{{ToolName: "echo"}},
	}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps[0].id")
}

func TestWorkflowRequestValidate_StepToolNameRequired(t *testing.T) {
	req := model.WorkflowRequest{
		Name:  "wf",
		Steps: []model.WorkflowStep{{ID: "a", ToolName: "echo"}, {ID: "b"}},
	}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps[1].toolName")
}

// ---- ExecutionState ------------------------------------------------------

func TestExecutionStateTerminal(t *testing.T) {
	terminal := []model.ExecutionState{model.StateComplete, model.StateError, model.StateCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	live := []model.ExecutionState{
		model.StateIdle, model.StateInputParsing, model.StateInputAvailable,
		model.StateExecuting, model.StateProgress,
	}
	for _, s := range live {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

// ---- ErrorType -----------------------------------------------------------

func TestErrorTypeRetryable(t *testing.T) {
	assert.True(t, model.ErrTypeExecution.Retryable())
	assert.True(t, model.ErrTypeTimeout.Retryable())
	assert.True(t, model.ErrTypeNetwork.Retryable())

	assert.False(t, model.ErrTypeInputValidation.Retryable())
	assert.False(t, model.ErrTypeRateLimited.Retryable())
	assert.False(t, model.ErrTypeQuotaExceeded.Retryable())
	assert.False(t, model.ErrTypeCancellation.Retryable())
}

func TestNewExecutionError_CarriesDefaults(t *testing.T) {
	cause := errors.New("boom")
	execErr := model.NewExecutionError(model.ErrTypeTimeout, "deadline exceeded", cause)

	assert.Equal(t, model.ErrTypeTimeout, execErr.Type)
	assert.True(t, execErr.Retryable)
	assert.Contains(t, execErr.Error(), "timeout")
	assert.Contains(t, execErr.Error(), "deadline exceeded")
	assert.ErrorIs(t, execErr, cause)
}

func TestExecutionError_MessageOptional(t *testing.T) {
	execErr := model.NewExecutionError(model.ErrTypeCancellation, "", nil)
	assert.Equal(t, string(model.ErrTypeCancellation), execErr.Error())
}
