package store

import (
	"net/http"
	"time"
)

// Backend names accepted by Open.
const (
	BackendREST     = "rest"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// DefaultTimeout bounds every call made by a remote backend.
const DefaultTimeout = 10 * time.Second

// Opts holds configuration for record store backends.
type Opts struct {
	Backend     string        // explicit backend; auto-detected when empty
	DSN         string        // SQL connection string or SQLite file path
	RESTURL     string        // Supabase project URL or PostgREST base URL
	RESTKey     string        // service role key
	Timeout     time.Duration // per-request timeout for the REST backend
	HTTPClient  *http.Client
	SkipMigrate bool // SQL backends only: do not apply embedded migrations on open
}

// Option configures a record store backend.
type Option func(*Opts)

// WithBackend selects the backend explicitly.
func WithBackend(name string) Option {
	return func(o *Opts) { o.Backend = name }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		if o.Backend == "" {
			o.Backend = BackendPostgres
		}
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		if o.Backend == "" {
			o.Backend = BackendSQLite
		}
	}
}

// WithREST points the REST backend at a Supabase or PostgREST endpoint.
func WithREST(baseURL, key string) Option {
	return func(o *Opts) {
		o.RESTURL = baseURL
		o.RESTKey = key
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient injects the HTTP client used by the REST backend.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithoutMigrations skips applying embedded migrations when opening an SQL backend.
func WithoutMigrations() Option {
	return func(o *Opts) { o.SkipMigrate = true }
}

func applyOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg
}
