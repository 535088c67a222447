// Package nagare is the public API for embedding the Nagare tool execution server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := nagare.New(
//	    nagare.WithVersion(version),
//	    nagare.WithLogger(logger),
//	    nagare.WithTool(myToolDefinition),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: nagare (root) imports
// internal/*, but internal/* never imports nagare (root).
package nagare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/nagare/api"
	"github.com/ashita-ai/nagare/internal/audit"
	"github.com/ashita-ai/nagare/internal/auth"
	"github.com/ashita-ai/nagare/internal/config"
	"github.com/ashita-ai/nagare/internal/execution"
	"github.com/ashita-ai/nagare/internal/journal"
	"github.com/ashita-ai/nagare/internal/mcp"
	"github.com/ashita-ai/nagare/internal/quota"
	"github.com/ashita-ai/nagare/internal/ratelimit"
	"github.com/ashita-ai/nagare/internal/registry"
	"github.com/ashita-ai/nagare/internal/server"
	"github.com/ashita-ai/nagare/internal/telemetry"
	"github.com/ashita-ai/nagare/internal/tool"
	"github.com/ashita-ai/nagare/internal/workflow"
	"github.com/ashita-ai/nagare/migrations"
)

// App is the Nagare server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	ledger       quota.Ledger
	limiter      *ratelimit.Limiter
	jrnl         *journal.Journal // nil when the journal is disabled
	auditSink    audit.Sink
	reg          *registry.Registry
	tools        *tool.Registry
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Nagare server. It connects to the configured backends,
// runs ledger migrations, wires all subsystems, and returns a ready-to-run
// App. It does NOT start any goroutines or accept HTTP connections — call
// Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.journalPath != nil {
		cfg.JournalPath = *o.journalPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("nagare starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Quota ledger: Postgres when configured, in-memory otherwise.
	var ledger quota.Ledger
	ledgerKind := "memory"
	if cfg.DatabaseURL != "" {
		pg, pgErr := quota.NewPostgresLedger(context.Background(), cfg.DatabaseURL, cfg.QuotaTTL, logger)
		if pgErr != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("quota ledger: %w", pgErr)
		}
		if err := pg.RunMigrations(context.Background(), migrations.FS); err != nil {
			_ = pg.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("quota migrations: %w", err)
		}
		ledger = pg
		ledgerKind = "postgres"
		logger.Info("quota ledger: postgres", "ttl", cfg.QuotaTTL)
	} else {
		ledger = quota.NewMemoryLedger(cfg.QuotaTTL)
		logger.Info("quota ledger: memory (single-process only)", "ttl", cfg.QuotaTTL)
	}

	// Rate limiter store: Redis when configured, in-memory otherwise.
	var store ratelimit.Store
	limiterKind := "memory"
	if cfg.RedisURL != "" {
		rs, rsErr := ratelimit.NewRedisStore(context.Background(), cfg.RedisURL)
		if rsErr != nil {
			_ = ledger.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("rate limit store: %w", rsErr)
		}
		store = rs
		limiterKind = "redis"
		logger.Info("rate limiter: redis")
	} else {
		store = ratelimit.NewMemoryStore()
		logger.Info("rate limiter: memory (single-process only)")
	}
	limiter := ratelimit.New(store, ratelimit.Config{
		Rules: map[string]ratelimit.Rule{
			"tool":     {Limit: cfg.RateToolLimit, Window: cfg.RateToolWindow},
			"workflow": {Limit: cfg.RateWorkflowLimit, Window: cfg.RateWorkflowWindow},
		},
		MaxBlock: cfg.RateMaxBlock,
	})

	// Execution journal.
	var jrnl *journal.Journal
	if cfg.JournalPath != "" {
		jrnl, err = journal.Open(context.Background(), cfg.JournalPath, logger)
		if err != nil {
			limiter.Close()
			_ = ledger.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("journal: %w", err)
		}
		logger.Info("execution journal: sqlite", "path", cfg.JournalPath)
	} else {
		logger.Info("execution journal: disabled")
	}

	// Audit sink.
	var auditSink audit.Sink
	switch cfg.AuditSink {
	case "kafka":
		auditSink = audit.NewKafkaSink(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic, logger)
		logger.Info("audit sink: kafka", "topic", cfg.KafkaTopic)
	case "log":
		auditSink = audit.NewLogSink(logger)
	default:
		auditSink = audit.NopSink{}
	}

	// Auth. With neither credential source configured, the server runs in
	// dev mode and trusts the request body's userId.
	var verifier *auth.Verifier
	if cfg.JWTPublicKeyPath != "" {
		verifier, err = auth.NewVerifier(cfg.JWTPublicKeyPath)
		if err != nil {
			cleanupNew(nil, jrnl, limiter, ledger, auditSink, otelShutdown)
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	keys, err := auth.ParseAPIKeys(cfg.APIKeys)
	if err != nil {
		cleanupNew(nil, jrnl, limiter, ledger, auditSink, otelShutdown)
		return nil, fmt.Errorf("auth: %w", err)
	}
	authn := auth.NewAuthenticator(verifier, keys)
	if authn.Enabled() {
		logger.Info("auth: enabled", "jwt", verifier != nil, "api_keys", keys.Len())
	} else {
		logger.Warn("auth: disabled (dev mode, request userId is trusted)")
	}

	// Tool catalog.
	tools := tool.NewRegistry()
	if !o.noBuiltins {
		if err := tool.RegisterBuiltins(tools); err != nil {
			cleanupNew(nil, jrnl, limiter, ledger, auditSink, otelShutdown)
			return nil, fmt.Errorf("builtin tools: %w", err)
		}
	}
	for _, def := range o.tools {
		if err := tools.Register(internalToolDef(def)); err != nil {
			cleanupNew(nil, jrnl, limiter, ledger, auditSink, otelShutdown)
			return nil, fmt.Errorf("register tool %q: %w", def.Name, err)
		}
	}

	// Execution registry and runner.
	reg := registry.New()

	metrics, err := telemetry.NewMetrics(reg.Len)
	if err != nil {
		cleanupNew(nil, jrnl, limiter, ledger, auditSink, otelShutdown)
		return nil, fmt.Errorf("metrics: %w", err)
	}

	runnerOpts := execution.RunnerOptions{
		Tools:    tools,
		Ledger:   ledger,
		Registry: reg,
		Audit:    auditSink,
		Logger:   logger,
		Machine: execution.Config{
			DefaultTimeout: cfg.ExecTimeout,
			MaxAttempts:    cfg.ExecRetries,
		},
		DefaultDailyQuota: cfg.DailyQuota,
	}
	if jrnl != nil {
		runnerOpts.Journal = jrnl
	}
	runner := execution.NewRunner(runnerOpts)

	// Workflow orchestrator.
	orchestrator := workflow.NewOrchestrator(runner, reg, auditSink, metrics, logger, cfg.WorkflowMaxSteps)

	// MCP server.
	var mcpSrv *mcpserver.MCPServer
	if cfg.MCPEnabled {
		mcpSrv = mcp.New(runner, orchestrator, tools, jrnl, limiter, logger, version).MCPServer()
	}

	// HTTP server.
	// Adapt route registrars and middlewares to the internal server types.
	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.extraRoutes {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Runner:              runner,
		Orchestrator:        orchestrator,
		Tools:               tools,
		Registry:            reg,
		Auth:                authn,
		Logger:              logger,
		Journal:             jrnl,
		Limiter:             limiter,
		Metrics:             metrics,
		MCPServer:           mcpSrv,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		LedgerKind:          ledgerKind,
		LimiterKind:         limiterKind,
		JournalPath:         cfg.JournalPath,
		StreamChunkBytes:    cfg.StreamChunkBytes,
		StreamKeepalive:     cfg.StreamKeepalive,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:          cfg,
		ledger:       ledger,
		limiter:      limiter,
		jrnl:         jrnl,
		auditSink:    auditSink,
		reg:          reg,
		tools:        tools,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// cleanupNew tears down partially-constructed backends when New fails.
func cleanupNew(srv *server.Server, jrnl *journal.Journal, limiter *ratelimit.Limiter, ledger quota.Ledger, sink audit.Sink, otelShutdown telemetry.Shutdown) {
	if srv != nil {
		_ = srv.Shutdown(context.Background())
	}
	if jrnl != nil {
		_ = jrnl.Drain(context.Background())
	}
	if sink != nil {
		_ = sink.Close()
	}
	if limiter != nil {
		limiter.Close()
	}
	if ledger != nil {
		_ = ledger.Close(context.Background())
	}
	if otelShutdown != nil {
		_ = otelShutdown(context.Background())
	}
}

// Run starts the sweep loops and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go a.quotaSweepLoop(ctx)
	go a.rateSweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight streams, cancel executions that are still running, flush
// the journal and audit sink, then close the backends and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("nagare shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Anything still registered did not finish within the HTTP drain.
	a.reg.CancelAll("server shutting down")

	if a.jrnl != nil {
		jCtx, jCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		if err := a.jrnl.Drain(jCtx); err != nil {
			a.logger.Error("journal drain incomplete — unflushed records will be lost",
				"error", err, "remaining", a.jrnl.Len())
		}
		jCancel()
	}

	if err := a.auditSink.Close(); err != nil {
		a.logger.Error("audit sink close error", "error", err)
	}
	a.limiter.Close()
	_ = a.ledger.Close(context.Background())
	_ = a.otelShutdown(context.Background())

	a.logger.Info("nagare stopped")
	return nil
}

// ── Background loops ──────────────────────────────────────────────────────────

// quotaSweepLoop expires abandoned reservations so crashed executions do not
// pin quota until the day rolls over. Each reclaimed reservation is audited.
func (a *App) quotaSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.QuotaSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			expired, err := a.ledger.Sweep(opCtx)
			cancel()
			if err != nil {
				a.logger.Warn("quota sweep failed", "error", err)
				continue
			}
			for _, e := range expired {
				a.auditSink.Record(ctx, audit.Event{
					Action:      audit.ActionReservationExpired,
					UserID:      e.UserID,
					ExecutionID: e.ReservationID.String(),
					Timestamp:   time.Now().UTC(),
					Details:     map[string]any{"reserved": e.Reserved},
				})
			}
			if len(expired) > 0 {
				a.logger.Info("quota sweep reclaimed reservations", "count", len(expired))
			}
		}
	}
}

// rateSweepLoop deletes stale rate limit records in bounded batches.
func (a *App) rateSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RateSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := a.limiter.Sweep(opCtx, a.cfg.RateSweepBatch)
			cancel()
			if err != nil {
				a.logger.Warn("rate limit sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Debug("rate limit sweep deleted records", "count", n)
			}
		}
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
