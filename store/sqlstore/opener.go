// Package sqlstore provides SQL implementations of store.Opener.
//
// Two dialects are supported:
//   - SQLite (modernc.org/sqlite): every mailbox path is a directory holding
//     its own database file, opened with WAL journaling, a busy timeout and
//     the configured synchronous level.
//   - PostgreSQL (lib/pq): all mailboxes share one database, each mailbox
//     lives in its own schema derived from the path.
package sqlstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/exmdb/store"

	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavor.
type Dialect int

// Supported dialects.
const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// Compile-time check
var _ store.Opener = (*Opener)(nil)

// Opener opens SQL-backed mailboxes.
type Opener struct {
	dialect Dialect
	db      *sqlx.DB // shared connection (Postgres only)
	opts    *options
	logger  *slog.Logger
}

// NewSQLite creates an opener that keeps one SQLite file per mailbox directory.
func NewSQLite(opts ...Option) *Opener {
	o := newOptions(opts...)
	return &Opener{dialect: SQLite, opts: o, logger: o.logger}
}

// NewPostgres creates an opener over an existing PostgreSQL connection.
// The caller owns db and closes it.
func NewPostgres(db *sqlx.DB, opts ...Option) *Opener {
	o := newOptions(opts...)
	return &Opener{dialect: Postgres, db: db, opts: o, logger: o.logger}
}

// OpenPostgres connects to dsn and returns an opener over it.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Opener, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	return NewPostgres(db, opts...), nil
}

// Open opens the mailbox at path, creating its schema when needed.
func (o *Opener) Open(ctx context.Context, path string) (store.Mailbox, error) {
	if path == "" {
		return nil, store.ErrInvalidPath
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.timeout)
	defer cancel()

	switch o.dialect {
	case Postgres:
		return o.openPostgres(ctx, path)
	default:
		return o.openSQLite(ctx, path)
	}
}

func (o *Opener) openSQLite(ctx context.Context, path string) (*Mailbox, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidPath, err)
	}
	db, err := sqlx.Open("sqlite", o.sqliteDSN(filepath.Join(path, o.opts.fileName)))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The registry serializes access per mailbox, a single connection keeps
	// transactions from contending with each other.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	m := &Mailbox{
		path:    path,
		db:      db,
		owned:   true,
		dialect: SQLite,
		opts:    o.opts,
		logger:  o.logger.With("path", path),
	}
	if err := m.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	m.logger.Debug("opened sqlite mailbox")
	return m, nil
}

func (o *Opener) sqliteDSN(file string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", o.opts.busyTimeout.Milliseconds()))
	q.Add("_pragma", fmt.Sprintf("synchronous(%s)", o.opts.synchronous))
	q.Add("_pragma", "foreign_keys(1)")
	if o.opts.wal {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + file + "?" + q.Encode()
}

func (o *Opener) openPostgres(ctx context.Context, path string) (*Mailbox, error) {
	if o.db == nil {
		return nil, fmt.Errorf("postgres: db is required")
	}
	if err := o.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	m := &Mailbox{
		path:    path,
		db:      o.db,
		dialect: Postgres,
		schema:  SchemaName(o.opts.schemaPrefix, path),
		opts:    o.opts,
		logger:  o.logger.With("path", path),
	}
	if err := m.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	m.logger.Debug("opened postgres mailbox", "schema", m.schema)
	return m, nil
}

// SchemaName derives a stable PostgreSQL schema name for a mailbox path.
// The readable part keeps lowercase alphanumerics of the last path
// element; the hash suffix keeps distinct paths apart.
func SchemaName(prefix, path string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	var b strings.Builder
	for _, r := range strings.ToLower(filepath.Base(path)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 24 {
			break
		}
	}
	return fmt.Sprintf("%s%s_%016x", prefix, b.String(), h.Sum64())
}

// quoteIdent quotes a schema-qualified identifier for PostgreSQL.
func quoteIdent(schema, name string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}
