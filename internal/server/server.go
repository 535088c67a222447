package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/nagare/internal/auth"
	"github.com/ashita-ai/nagare/internal/ctxutil"
	"github.com/ashita-ai/nagare/internal/execution"
	"github.com/ashita-ai/nagare/internal/journal"
	"github.com/ashita-ai/nagare/internal/ratelimit"
	"github.com/ashita-ai/nagare/internal/registry"
	"github.com/ashita-ai/nagare/internal/telemetry"
	"github.com/ashita-ai/nagare/internal/tool"
	"github.com/ashita-ai/nagare/internal/workflow"
)

// Server is the Nagare HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Journal, Limiter, Metrics, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Runner       *execution.Runner
	Orchestrator *workflow.Orchestrator
	Tools        *tool.Registry
	Registry     *registry.Registry
	Auth         *auth.Authenticator
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Journal   *journal.Journal
	Limiter   *ratelimit.Limiter
	Metrics   *telemetry.Metrics
	MCPServer *mcpserver.MCPServer

	// HTTP server settings. WriteTimeout must be generous: tool streams
	// hold the response open for the life of the execution.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Reported on /health.
	LedgerKind  string
	LimiterKind string
	JournalPath string

	// Streaming settings.
	StreamChunkBytes int
	StreamKeepalive  time.Duration

	// Embedded OpenAPI YAML.
	OpenAPISpec []byte

	// ExtraRoutes register additional handlers on the shared mux, inside
	// the standard middleware chain. Applied in order.
	ExtraRoutes []func(mux *http.ServeMux)

	// Middlewares wrap the fully assembled handler. Applied in order: the
	// first entry is outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Runner:              cfg.Runner,
		Orchestrator:        cfg.Orchestrator,
		Tools:               cfg.Tools,
		Journal:             cfg.Journal,
		Registry:            cfg.Registry,
		Auth:                cfg.Auth,
		Metrics:             cfg.Metrics,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		LedgerKind:          cfg.LedgerKind,
		LimiterKind:         cfg.LimiterKind,
		JournalPath:         cfg.JournalPath,
		StreamChunkBytes:    cfg.StreamChunkBytes,
		StreamKeepalive:     cfg.StreamKeepalive,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}

	// Rate limit rules: per-user where an identity exists, per-IP otherwise.
	toolRL := ratelimit.Middleware(cfg.Limiter, "tool", userKeyFunc, reqIDFunc)
	workflowRL := ratelimit.Middleware(cfg.Limiter, "workflow", userKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Tool execution (rate limited; the stream itself is exempt from the
	// write timeout via the response controller).
	mux.Handle("POST /tool-stream", toolRL(http.HandlerFunc(h.HandleToolStream)))
	mux.HandleFunc("DELETE /tool-stream", h.HandleCancelTool)

	// Workflows.
	mux.Handle("POST /workflow", workflowRL(http.HandlerFunc(h.HandleWorkflow)))
	mux.HandleFunc("DELETE /workflow", h.HandleCancelWorkflow)

	// Catalog and history.
	mux.HandleFunc("GET /tools", h.HandleListTools)
	mux.HandleFunc("GET /executions", h.HandleListExecutions)
	mux.HandleFunc("GET /executions/{execution_id}", h.HandleGetExecution)

	// MCP StreamableHTTP transport (same auth chain as the REST surface).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Auth, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc rate-limits by the authenticated user when one exists,
// falling back to the client IP in dev mode.
func userKeyFunc(r *http.Request) string {
	if id := ctxutil.IdentityFromContext(r.Context()); id != nil {
		return id.UserID
	}
	return ratelimit.IPKeyFunc(r)
}

// Handlers returns the underlying Handlers for direct use by tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
