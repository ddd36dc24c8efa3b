package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// DetectBackend picks a backend when none is configured: a Postgres DSN wins, then a
// REST endpoint, then an SQLite file path, then memory.
func DetectBackend(cfg Opts) string {
	if cfg.Backend != "" {
		return cfg.Backend
	}
	switch {
	case cfg.DSN != "" && DetectDSNType(cfg.DSN) == "postgres":
		return BackendPostgres
	case cfg.RESTURL != "" && cfg.RESTKey != "":
		return BackendREST
	case cfg.DSN != "":
		return BackendSQLite
	default:
		return BackendMemory
	}
}

// DetectDSNType returns the database/sql driver name for a DSN: "postgres" for URLs and
// libpq keyword strings, "sqlite3" for anything that looks like a file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if !strings.Contains(dsn, "?") && strings.Contains(dsn, "=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates the configured record store.
func Open(opts ...Option) (RecordStore, error) {
	cfg := applyOpts(opts)
	backend := DetectBackend(cfg)
	slog.Info("Store.Open: opening record store", "backend", backend)
	switch backend {
	case BackendREST:
		return NewRESTStore(opts...)
	case BackendPostgres:
		return NewPostgresStore(opts...)
	case BackendSQLite:
		return NewSQLiteStore(opts...)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
