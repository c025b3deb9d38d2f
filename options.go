package canopy

import (
	"log/slog"

	"github.com/canopy-eco/canopy/internal/inference"
	"github.com/canopy-eco/canopy/internal/retrieval"
	"github.com/canopy-eco/canopy/internal/store"
)

// resolvedOptions holds the merged result of all applied options.
// Zero values mean "use environment configuration".
type resolvedOptions struct {
	port        int
	databaseURL string
	sqlitePath  string
	logger      *slog.Logger
	version     string

	store     store.Store
	inference inference.Client
	index     retrieval.Index
}

// Option configures the App at construction time.
type Option func(*resolvedOptions)

// WithPort overrides the HTTP listen port from CANOPY_PORT.
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from DATABASE_URL.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the sqlite database path from CANOPY_SQLITE_PATH.
// Only used when no Postgres URL is configured.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the reported version string (normally injected via
// -ldflags at build time). Defaults to "dev".
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStore replaces the analysis record store. When set, the database
// configuration is ignored and the caller owns the store's lifecycle.
func WithStore(s store.Store) Option {
	return func(o *resolvedOptions) { o.store = s }
}

// WithInferenceClient replaces the inference client used by all agents,
// bypassing provider auto-detection.
func WithInferenceClient(c inference.Client) Option {
	return func(o *resolvedOptions) { o.inference = c }
}

// WithRetrievalIndex replaces the ecosystem knowledge index, bypassing the
// Qdrant configuration. The caller owns the index's lifecycle.
func WithRetrievalIndex(idx retrieval.Index) Option {
	return func(o *resolvedOptions) { o.index = idx }
}
