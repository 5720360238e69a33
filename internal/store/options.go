package store

import (
	"log/slog"
	"strings"
	"time"
)

// DefaultMaxHistory is the default number of turns retained per user.
const DefaultMaxHistory = 50

// Opts holds configuration options for store backends.
type Opts struct {
	DSN        string
	MaxHistory int
	Now        func() time.Time
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithMaxHistory sets the per-user turn retention limit.
func WithMaxHistory(n int) Option {
	return func(o *Opts) { o.MaxHistory = n }
}

// WithClock overrides the time source used for stored timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{MaxHistory: DefaultMaxHistory, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxHistory < 1 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key=value connection
// strings and "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "=") && !strings.HasPrefix(dsn, "file:") {
		for _, field := range strings.Fields(dsn) {
			key, _, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			switch key {
			case "host", "user", "dbname", "password", "port", "sslmode":
				return "postgres"
			}
		}
	}
	return "sqlite3"
}

// Backend is a Store that also records inbound message ids.
type Backend interface {
	Store
	DedupRepo
}

// Open picks a backend from the configured DSN: PostgreSQL for postgres
// connection strings, SQLite for file paths, and the in-memory store when no
// DSN is set.
func Open(opts ...Option) (Backend, error) {
	cfg := applyOpts(opts)
	switch {
	case cfg.DSN == "":
		slog.Warn("store.Open: no DSN configured, using in-memory store; data is lost on exit")
		return NewInMemoryStore(opts...), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}
