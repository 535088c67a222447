// Package mcp implements the Model Context Protocol server for Nagare.
//
// The MCP server exposes the execution engine to MCP-compatible AI agents
// over StreamableHTTP: tool and workflow execution run through the same
// admission pipeline (rate limit, quota reservation, state machine) as the
// HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/nagare/internal/ctxutil"
	"github.com/ashita-ai/nagare/internal/execution"
	"github.com/ashita-ai/nagare/internal/journal"
	"github.com/ashita-ai/nagare/internal/ratelimit"
	"github.com/ashita-ai/nagare/internal/tool"
	"github.com/ashita-ai/nagare/internal/workflow"
)

// Server wraps the MCP server with Nagare's execution engine.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	runner       *execution.Runner
	orchestrator *workflow.Orchestrator
	tools        *tool.Registry
	journal      *journal.Journal
	limiter      *ratelimit.Limiter
	logger       *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
// Journal and limiter may be nil (history resource disabled, no rate limit).
func New(runner *execution.Runner, orchestrator *workflow.Orchestrator, tools *tool.Registry, jrnl *journal.Journal, limiter *ratelimit.Limiter, logger *slog.Logger, version string) *Server {
	s := &Server{
		runner:       runner,
		orchestrator: orchestrator,
		tools:        tools,
		journal:      jrnl,
		limiter:      limiter,
		logger:       logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"nagare",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// nagare://executions/recent — recent terminal executions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"nagare://executions/recent",
			"Recent Executions",
			mcplib.WithResourceDescription("Recent terminal executions with state, cost, and timing"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleExecutionsRecent,
	)
}

func (s *Server) handleExecutionsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.journal == nil {
		return nil, fmt.Errorf("mcp: execution journal is disabled")
	}

	userID := ""
	if identity := ctxutil.IdentityFromContext(ctx); identity != nil {
		userID = identity.UserID
	}
	recs, err := s.journal.Recent(ctx, 20, userID)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent executions: %w", err)
	}

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal executions: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "nagare://executions/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// identity resolves the acting user: the transport's verified identity wins,
// then the user_id argument (dev mode).
func (s *Server) identity(ctx context.Context, request mcplib.CallToolRequest) (userID string, dailyQuota int64, err error) {
	if id := ctxutil.IdentityFromContext(ctx); id != nil {
		return id.UserID, id.DailyQuota, nil
	}
	userID = request.GetString("user_id", "")
	if userID == "" {
		return "", 0, fmt.Errorf("user_id is required")
	}
	return userID, 0, nil
}

// admit applies the same rate limit rule as the HTTP transport.
func (s *Server) admit(ctx context.Context, action, userID string) error {
	if s.limiter == nil {
		return nil
	}
	_, err := s.limiter.Check(ctx, action, userID)
	var limited *ratelimit.RateLimitedError
	if errors.As(err, &limited) {
		return limited
	}
	// Store malfunction fails open, same as the HTTP middleware.
	return nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
