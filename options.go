package converge

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all configuration overrides after applying
// defaults. Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	dbPath      string
	policyPath  string
	logger      *slog.Logger
	version     string
	scm         SCM
	embedder    EmbeddingProvider
}

// WithPort overrides the TCP port from config (CONVERGE_PORT).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres DSN from config
// (CONVERGE_DB_URL) and disables the sqlite backend.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithDBPath overrides the sqlite path from config (CONVERGE_DB_PATH).
// When set, the embedded sqlite backend is used instead of Postgres.
func WithDBPath(path string) Option {
	return func(o *resolvedOptions) { o.dbPath = path }
}

// WithPolicyPath points the policy loader at an explicit JSON file
// instead of the default search paths.
func WithPolicyPath(path string) Option {
	return func(o *resolvedOptions) { o.policyPath = path }
}

// WithLogger sets the structured logger. If not set, a JSON logger at
// the configured level is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint
// and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithSCM replaces the local-git SCM adapter. Tests use this to run the
// full stack against a fake.
func WithSCM(s SCM) Option {
	return func(o *resolvedOptions) { o.scm = s }
}

// WithEmbeddingProvider replaces the deterministic embedding provider
// used for semantic indexing.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embedder = p }
}
