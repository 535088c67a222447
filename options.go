package nagare

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	redisURL    string
	journalPath *string
	logger      *slog.Logger
	version     string
	tools       []ToolDefinition
	noBuiltins  bool
	extraRoutes []RouteRegistrar
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (NAGARE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string used for the
// durable quota ledger (DATABASE_URL env var). An empty config value selects
// the in-memory ledger.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisURL overrides the Redis connection string used for the rate
// limiter store (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithJournalPath overrides the SQLite journal path (NAGARE_JOURNAL_PATH
// env var). An empty string disables the journal entirely.
func WithJournalPath(path string) Option {
	return func(o *resolvedOptions) { o.journalPath = &path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTool registers a tool definition in addition to the builtins.
// Multiple tools may be registered; duplicate names fail at New().
func WithTool(def ToolDefinition) Option {
	return func(o *resolvedOptions) { o.tools = append(o.tools, def) }
}

// WithoutBuiltinTools skips registration of the builtin tool set, leaving
// only tools registered via WithTool.
func WithoutBuiltinTools() Option {
	return func(o *resolvedOptions) { o.noBuiltins = true }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.extraRoutes = append(o.extraRoutes, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
