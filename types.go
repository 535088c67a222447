package nagare

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashita-ai/nagare/internal/tool"
)

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Routes registered this way sit inside the standard middleware chain
// (request ID, tracing, logging, auth, recovery).
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the fully assembled HTTP handler.
type Middleware func(http.Handler) http.Handler

// ToolDefinition describes a tool registered via WithTool. It is a curated
// view of the internal catalog type with no internal package imports, safe
// to construct from outside the module. New() adapts it for internal use.
type ToolDefinition struct {
	Name        string
	Description string

	// InputSchema is a JSON Schema document for the invocation input.
	// Empty means any input is accepted.
	InputSchema json.RawMessage

	// Timeout bounds one invocation attempt. Zero means the engine default.
	Timeout time.Duration

	// EstimatedCost is the quota amount reserved at admission. Zero means 1.
	EstimatedCost int64

	Handler ToolHandler
}

// ToolHandler executes one tool invocation. It must honor ctx cancellation
// and may report staged progress through inv.Report.
type ToolHandler func(ctx context.Context, inv ToolInvocation) (*ToolResult, error)

// ToolInvocation carries the validated input to a tool handler.
type ToolInvocation struct {
	Input map[string]any

	// Report delivers a progress update to the stream. Never nil.
	Report func(ToolProgress)
}

// ToolProgress is a staged progress report from a running tool.
// Percent is 0-100; the engine clamps it non-decreasing within an attempt.
type ToolProgress struct {
	Stage                  string
	Percent                float64
	Message                string
	EstimatedTimeRemaining time.Duration
}

// ToolResult is what a tool handler returns on success.
type ToolResult struct {
	// Output is the tool's result value, marshalled into the
	// execution-complete event.
	Output any

	// CostUnits is the actual quota cost committed to the ledger.
	// Zero means the definition's estimate.
	CostUnits int64

	CacheHit bool
}

// PermanentToolError wraps err so the engine treats it as non-retryable.
// Handlers use it for failures where another attempt cannot succeed.
func PermanentToolError(err error) error {
	return tool.Permanent(err)
}

// internalToolDef adapts a public ToolDefinition to the internal catalog type.
func internalToolDef(def ToolDefinition) tool.Definition {
	out := tool.Definition{
		Name:          def.Name,
		Description:   def.Description,
		InputSchema:   def.InputSchema,
		Timeout:       def.Timeout,
		EstimatedCost: def.EstimatedCost,
	}
	if def.Handler != nil {
		h := def.Handler
		out.Handler = func(ctx context.Context, inv tool.Invocation) (*tool.Result, error) {
			pubInv := ToolInvocation{
				Input: inv.Input,
				Report: func(p ToolProgress) {
					inv.Report(tool.Progress{
						Stage:                  p.Stage,
						Percent:                p.Percent,
						Message:                p.Message,
						EstimatedTimeRemaining: p.EstimatedTimeRemaining,
					})
				},
			}
			res, err := h(ctx, pubInv)
			if err != nil || res == nil {
				return nil, err
			}
			return &tool.Result{
				Output:    res.Output,
				CostUnits: res.CostUnits,
				CacheHit:  res.CacheHit,
			}, nil
		}
	}
	return out
}
