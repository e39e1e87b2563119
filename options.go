package kaigi

import (
	"io/fs"
	"log/slog"

	"github.com/ashita-ai/kaigi/internal/reasoning"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	store           string
	databaseURL     string
	notifyURL       string
	sqlitePath      string
	logger          *slog.Logger
	version         string
	detector        ConsensusDetector
	reasoner        reasoning.Client
	extraMigrations []fs.FS
}

// WithPort overrides KAIGI_PORT.
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStore overrides KAIGI_STORE ("postgres" or "sqlite").
func WithStore(kind string) Option {
	return func(o *resolvedOptions) { o.store = kind }
}

// WithDatabaseURL overrides DATABASE_URL. The notify connection follows it
// unless WithNotifyURL is also given.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides NOTIFY_URL, the direct Postgres connection used for
// LISTEN/NOTIFY when DATABASE_URL points at a pooler.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides KAIGI_SQLITE_PATH.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version reported by /health and the MCP handshake.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithConsensusDetector replaces the keyword heuristic that ends a debate
// early when every participant agrees.
func WithConsensusDetector(d ConsensusDetector) Option {
	return func(o *resolvedOptions) { o.detector = d }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after
// the built-in migrations. Postgres only. The n-th call's files are recorded
// under the set "extra<n>" (zero-based), so file names may repeat built-in ones.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}

// withReasoner replaces the HTTP reasoning client. Tests only.
func withReasoner(c reasoning.Client) Option {
	return func(o *resolvedOptions) { o.reasoner = c }
}
