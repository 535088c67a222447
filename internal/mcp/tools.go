package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/nagare/internal/execution"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/workflow"
)

func (s *Server) registerTools() {
	// nagare_execute_tool — run one tool to completion.
	s.mcpServer.AddTool(
		mcplib.NewTool("nagare_execute_tool",
			mcplib.WithDescription(`Execute a named tool and return its final result.

The tool runs through the full admission pipeline: rate limiting, quota
reservation, input validation against the tool's schema, and the execution
state machine with retries. The call blocks until the execution settles.

Use nagare_list_tools first to see the catalog, each tool's input schema,
and its quota cost.

WHAT YOU GET BACK:
- execution_id: identifier for looking the run up later
- state: terminal state (complete, error, cancelled)
- result: the tool's output on success
- error: type and message on failure`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("tool_name",
				mcplib.Description("Name of the tool to execute (see nagare_list_tools)"),
				mcplib.Required(),
			),
			mcplib.WithString("input",
				mcplib.Description("Tool input as a JSON object, matching the tool's input schema"),
			),
			mcplib.WithString("user_id",
				mcplib.Description("User to charge quota to. Defaults to your authenticated identity."),
			),
		),
		s.handleExecuteTool,
	)

	// nagare_execute_workflow — run a multi-step workflow.
	s.mcpServer.AddTool(
		mcplib.NewTool("nagare_execute_workflow",
			mcplib.WithDescription(`Execute a multi-step workflow of tools with dependencies.

Steps form a dependency graph: each step names a tool, optional parameters,
and the steps it depends on. Steps run in dependency order, optionally in
parallel. A completed step's output is threaded into the next step's input
unless the step sets its own, or names an explicit input_from step.

STEP FORMAT (JSON array):
[{"id": "fetch", "toolName": "http-fetch", "parameters": {"url": "..."}},
 {"id": "summarize", "toolName": "summarize", "dependsOn": ["fetch"]}]

Each step reserves its own quota. On a step failure the remaining dependent
steps are skipped; set continue_on_error to run independent steps anyway.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("name",
				mcplib.Description("Workflow name, used for audit and registry entries"),
				mcplib.Required(),
			),
			mcplib.WithString("steps",
				mcplib.Description("Workflow steps as a JSON array (see step format above)"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("parallel",
				mcplib.Description("Run independent steps concurrently (bounded)"),
			),
			mcplib.WithBoolean("continue_on_error",
				mcplib.Description("Keep running steps whose dependencies succeeded after another step fails"),
			),
			mcplib.WithString("user_id",
				mcplib.Description("User to charge quota to. Defaults to your authenticated identity."),
			),
		),
		s.handleExecuteWorkflow,
	)

	// nagare_list_tools — the tool catalog.
	s.mcpServer.AddTool(
		mcplib.NewTool("nagare_list_tools",
			mcplib.WithDescription(`List the tool catalog: every executable tool with its input schema,
per-attempt timeout, and estimated quota cost.

Call this before nagare_execute_tool to see what input a tool expects.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListTools,
	)
}

func (s *Server) handleExecuteTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	toolName := request.GetString("tool_name", "")
	if toolName == "" {
		return errorResult("tool_name is required"), nil
	}

	var input map[string]any
	if raw := request.GetString("input", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return errorResult(fmt.Sprintf("input is not a JSON object: %v", err)), nil
		}
	}

	userID, dailyQuota, err := s.identity(ctx, request)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if err := s.admit(ctx, "tool", userID); err != nil {
		return errorResult(err.Error()), nil
	}

	session, err := s.runner.Start(ctx, execution.Request{
		ToolName:   toolName,
		Input:      input,
		UserID:     userID,
		DailyQuota: dailyQuota,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("failed to start execution: %v", err)), nil
	}

	// MCP tool calls are request/response: drain the stream internally.
	for range session.Events() {
	}
	out := session.Wait()

	payload := map[string]any{
		"execution_id": session.ExecutionID,
		"state":        out.State,
	}
	if out.State == model.StateComplete {
		payload["result"] = out.Result
		payload["metadata"] = out.Metadata
	}
	if out.Err != nil {
		payload["error"] = map[string]any{
			"type":    out.Err.Type,
			"message": out.Err.Message,
		}
	}
	if out.CancelReason != "" {
		payload["cancel_reason"] = out.CancelReason
	}

	resultData, _ := json.MarshalIndent(payload, "", "  ")
	result := &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}
	result.IsError = out.State != model.StateComplete
	return result, nil
}

func (s *Server) handleExecuteWorkflow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("name", "")
	rawSteps := request.GetString("steps", "")
	if name == "" || rawSteps == "" {
		return errorResult("name and steps are required"), nil
	}

	var steps []model.WorkflowStep
	if err := json.Unmarshal([]byte(rawSteps), &steps); err != nil {
		return errorResult(fmt.Sprintf("steps is not a JSON array of workflow steps: %v", err)), nil
	}

	userID, dailyQuota, err := s.identity(ctx, request)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if err := s.admit(ctx, "workflow", userID); err != nil {
		return errorResult(err.Error()), nil
	}

	result, err := s.orchestrator.Run(ctx, workflow.Request{
		Spec: workflow.Spec{
			Name:     name,
			Steps:    steps,
			Parallel: request.GetBool("parallel", false),
			Options: model.WorkflowOptions{
				ContinueOnError: request.GetBool("continue_on_error", false),
			},
		},
		UserID:     userID,
		DailyQuota: dailyQuota,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("workflow rejected: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(result, "", "  ")
	toolResult := &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}
	toolResult.IsError = len(result.Errors) > 0
	return toolResult, nil
}

func (s *Server) handleListTools(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	defs := s.tools.List()
	infos := make([]model.ToolInfo, 0, len(defs))
	for _, def := range defs {
		info := model.ToolInfo{
			Name:          def.Name,
			Description:   def.Description,
			TimeoutMs:     def.Timeout.Milliseconds(),
			EstimatedCost: def.EstimatedCost,
		}
		if len(def.InputSchema) > 0 {
			var schema any
			if err := json.Unmarshal(def.InputSchema, &schema); err == nil {
				info.InputSchema = schema
			}
		}
		infos = append(infos, info)
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"tools": infos,
		"total": len(infos),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}
