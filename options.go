package tane

import "log/slog"

// Option configures an App or Engine.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
type resolvedOptions struct {
	port            int
	databaseURL     string
	sqlitePath      string
	targetsFile     string
	walDir          string
	logger          *slog.Logger
	version         string
	checkpointHooks []CheckpointHook
	middlewares     []Middleware
}

func resolve(opts []Option) resolvedOptions {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.version == "" {
		o.version = "dev"
	}
	return o
}

// WithPort overrides the TCP port from config (TANE_PORT).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL). It clears any SQLite path.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath stores the corpus in a SQLite file instead of Postgres
// (TANE_SQLITE_PATH).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithTargetsFile overrides the target library definitions file
// (TANE_TARGETS_FILE).
func WithTargetsFile(path string) Option {
	return func(o *resolvedOptions) { o.targetsFile = path }
}

// WithWALDir enables the ingest write-ahead log in dir (TANE_WAL_DIR).
func WithWALDir(dir string) Option {
	return func(o *resolvedOptions) { o.walDir = dir }
}

// WithLogger sets the structured logger. If not set, the default slog
// logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and
// logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCheckpointHook registers a hook notified after every committed
// checkpoint. All registered hooks receive every checkpoint.
func WithCheckpointHook(hook CheckpointHook) Option {
	return func(o *resolvedOptions) { o.checkpointHooks = append(o.checkpointHooks, hook) }
}

// WithMiddleware registers an outermost HTTP middleware.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
